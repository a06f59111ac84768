// Package chunkstore implements the Streaming Session's Chunk Store (§3):
// per-chunk metadata and the rolling transcript state the merger operates
// on, persisted in Redis with an idle-TTL so abandoned sessions release
// their keys on their own.
package chunkstore

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

// DefaultIdleTTL is how long a session's keys survive without activity.
const DefaultIdleTTL = 90 * time.Second

// DefaultKeyTTL is the outer per-key Redis TTL applied on every write,
// independent of the idle-TTL a caller tracks separately for the reaper.
const DefaultKeyTTL = 86400 * time.Second

// Store is the Redis-backed Chunk Store.
type Store struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger
	keyTTL time.Duration
}

// New wraps a Redis client for chunk and rolling-state persistence.
func New(client *redis.Client, logger *zap.Logger, keyTTL time.Duration) *Store {
	if keyTTL <= 0 {
		keyTTL = DefaultKeyTTL
	}
	return &Store{redis: circuitbreaker.NewRedisWrapper(client, logger), logger: logger, keyTTL: keyTTL}
}

func chunksKey(sessionID string) string {
	return fmt.Sprintf("meeting:%s:chunks", sessionID)
}

func rollingKey(sessionID string) string {
	return fmt.Sprintf("meeting:%s:rolling", sessionID)
}

// SaveChunkRecord persists the metadata for one received chunk.
func (s *Store) SaveChunkRecord(ctx context.Context, sessionID string, rec models.ChunkRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal chunk record", err)
	}
	field := fmt.Sprintf("%04d", rec.Idx)
	client := s.redis.GetClient()
	if err := client.HSet(ctx, chunksKey(sessionID), field, encoded).Err(); err != nil {
		return coreerr.Wrap(coreerr.Internal, "save chunk record", err)
	}
	if err := client.Expire(ctx, chunksKey(sessionID), s.keyTTL).Err(); err != nil {
		return coreerr.Wrap(coreerr.Internal, "set chunk record ttl", err)
	}
	return nil
}

// ChunkRecords returns every chunk record persisted for the session,
// ordered by index.
func (s *Store) ChunkRecords(ctx context.Context, sessionID string) ([]models.ChunkRecord, error) {
	raw, err := s.redis.GetClient().HGetAll(ctx, chunksKey(sessionID)).Result()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "load chunk records", err)
	}

	records := make([]models.ChunkRecord, 0, len(raw))
	for _, v := range raw {
		var rec models.ChunkRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "decode chunk record", err)
		}
		records = append(records, rec)
	}
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j-1].Idx > records[j].Idx; j-- {
			records[j-1], records[j] = records[j], records[j-1]
		}
	}
	return records, nil
}

// LoadRollingState returns the persisted rolling state for a session, or a
// fresh zero-value state if none exists yet.
func (s *Store) LoadRollingState(ctx context.Context, sessionID string) (*models.RollingState, error) {
	res := s.redis.Get(ctx, rollingKey(sessionID))
	if res.Err() == redis.Nil {
		return &models.RollingState{SessionID: sessionID, ReceivedIdx: models.NewBitset()}, nil
	}
	if res.Err() != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "load rolling state", res.Err())
	}

	var state models.RollingState
	if err := json.Unmarshal([]byte(res.Val()), &state); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "decode rolling state", err)
	}
	if state.ReceivedIdx == nil {
		state.ReceivedIdx = models.NewBitset()
	}
	return &state, nil
}

// SaveRollingState persists the rolling state, refreshing the key TTL.
func (s *Store) SaveRollingState(ctx context.Context, state *models.RollingState) error {
	state.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(state)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal rolling state", err)
	}
	if res := s.redis.Set(ctx, rollingKey(state.SessionID), encoded, s.keyTTL); res.Err() != nil {
		return coreerr.Wrap(coreerr.Internal, "save rolling state", res.Err())
	}
	return nil
}

// IsIdle reports whether a session has been quiet longer than idleTTL,
// for the streaming reaper to decide when to force-finalize.
func IsIdle(state *models.RollingState, idleTTL time.Duration) bool {
	return time.Since(state.UpdatedAt) > idleTTL
}
