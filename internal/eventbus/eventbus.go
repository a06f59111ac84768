// Package eventbus implements the Event Bus (§4.6.2): short-TTL keyed
// records polled by streaming consumers, at-least-once and idempotent by
// (session_id, type, timestamp).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/coreerr"
)

// TTL is the fixed 5-minute event lifetime.
const TTL = 5 * time.Minute

// Record is what a consumer receives when polling.
type Record struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Bus publishes and serves per-session events.
type Bus struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// NewBus wraps a Redis client for event publication.
func NewBus(client *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{
		redis:  circuitbreaker.NewRedisWrapper(client, logger),
		logger: logger,
	}
}

func key(sessionID, eventType string) string {
	return fmt.Sprintf("events:%s:%s", sessionID, eventType)
}

// Publish writes the latest record for (sessionID, eventType), replacing
// whatever was there before it expires on its own TTL.
func (b *Bus) Publish(ctx context.Context, sessionID, eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal event data", err)
	}

	record := Record{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal event record", err)
	}

	res := b.redis.Set(ctx, key(sessionID, eventType), encoded, TTL)
	if res.Err() != nil {
		return coreerr.Wrap(coreerr.Internal, "publish event", res.Err())
	}
	return nil
}

// Get returns the current record for (sessionID, eventType), if present.
// Consumers poll this and MUST treat results as idempotent by
// (session_id, type, timestamp) since the bus is at-least-once.
func (b *Bus) Get(ctx context.Context, sessionID, eventType string) (Record, bool, error) {
	res := b.redis.Get(ctx, key(sessionID, eventType))
	if res.Err() == redis.Nil {
		return Record{}, false, nil
	}
	if res.Err() != nil {
		return Record{}, false, coreerr.Wrap(coreerr.Internal, "read event", res.Err())
	}

	var record Record
	if err := json.Unmarshal([]byte(res.Val()), &record); err != nil {
		return Record{}, false, coreerr.Wrap(coreerr.Internal, "decode event record", err)
	}
	return record, true, nil
}

// GetAll returns whatever is currently present across partial/commit/final.
func (b *Bus) GetAll(ctx context.Context, sessionID string) ([]Record, error) {
	var out []Record
	for _, t := range []string{"partial", "commit", "final"} {
		record, ok, err := b.Get(ctx, sessionID, t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, record)
		}
	}
	return out, nil
}
