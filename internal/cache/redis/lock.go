package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// Both scripts act only while the key still holds the caller's token, so a
// holder whose lease expired cannot touch a successor's lock.
var (
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// LockManager hands out leased Redis locks. A held lease is renewed every
// third of its TTL until released, so a long fee-collection pass keeps its
// lock while a crashed holder loses it within one TTL.
type LockManager struct {
	rdb *redis.Client
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.Underlying()}
}

func lockKey(key string) string {
	return "polychain:lock:" + key
}

// Acquire takes the lock named key for ttl. It returns domain.ErrLockHeld when
// another holder has it. The returned release func may be called more than
// once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis: lock %s: ttl must be positive", key)
	}
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go lm.renew(lk, token, ttl, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's context may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// renew extends the lease until stop is closed or the lease is lost.
func (lm *LockManager) renew(lk, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := max(ttl/3, 10*time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := renewScript.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}
