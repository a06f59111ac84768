package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/models"
)

// SessionStore persists Upload Session records, keyed by upload ID, with a
// TTL tied to the session's own expires_at.
type SessionStore interface {
	Save(ctx context.Context, session *models.UploadSession) error
	Load(ctx context.Context, uploadID string) (*models.UploadSession, error)
}

func sessionKey(uploadID string) string {
	return fmt.Sprintf("upload:session:%s", uploadID)
}

// RedisSessionStore is the Redis-backed SessionStore.
type RedisSessionStore struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// NewRedisSessionStore wraps a Redis client for upload session persistence.
func NewRedisSessionStore(client *redis.Client, logger *zap.Logger) *RedisSessionStore {
	return &RedisSessionStore{
		redis:  circuitbreaker.NewRedisWrapper(client, logger),
		logger: logger,
	}
}

// Save writes the session with a TTL that expires alongside it.
func (s *RedisSessionStore) Save(ctx context.Context, session *models.UploadSession) error {
	encoded, err := json.Marshal(session)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal upload session", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	res := s.redis.Set(ctx, sessionKey(session.UploadID), encoded, ttl)
	if res.Err() != nil {
		return coreerr.Wrap(coreerr.Internal, "save upload session", res.Err())
	}
	return nil
}

// Load reads the session by upload ID.
func (s *RedisSessionStore) Load(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	res := s.redis.Get(ctx, sessionKey(uploadID))
	if res.Err() == redis.Nil {
		return nil, coreerr.New(coreerr.NotFound, "upload session not found")
	}
	if res.Err() != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "load upload session", res.Err())
	}

	var session models.UploadSession
	if err := json.Unmarshal([]byte(res.Val()), &session); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "decode upload session", err)
	}
	return &session, nil
}
