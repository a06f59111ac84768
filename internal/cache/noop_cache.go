package cache

import (
	"context"
	"time"
)

// NoopCache implements the disabled-mode contract: every Get misses, every
// Set reports success without storing anything.
type NoopCache struct{}

var _ Cache = NoopCache{}

func (NoopCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (NoopCache) Delete(ctx context.Context, key string) error { return nil }

func (NoopCache) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

func (NoopCache) Clear(ctx context.Context) error { return nil }
