package domain

import (
	"context"
	"time"
)

// ChainCache provides fast chain template lookups.
type ChainCache interface {
	Set(ctx context.Context, c Chain) error
	Get(ctx context.Context, chainID string) (Chain, error)
	Invalidate(ctx context.Context, chainID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides best-effort pub/sub between instances.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel that is closed when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
