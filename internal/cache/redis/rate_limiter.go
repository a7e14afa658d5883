package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// windowScript keeps a sorted set of request timestamps per key. It trims
// entries older than the window and admits the request while under the limit.
// It returns {allowed, retry_after_us}; retry_after_us is how long until the
// oldest entry leaves the window when the request was refused.
//
// KEYS[1] sorted set, ARGV[1] now (us), ARGV[2] window (us), ARGV[3] limit,
// ARGV[4] member suffix
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
if redis.call('ZCARD', KEYS[1]) < limit then
    redis.call('ZADD', KEYS[1], now, now .. '-' .. ARGV[4])
    redis.call('PEXPIRE', KEYS[1], math.ceil(window / 1000))
    return {1, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + window - now}`)

// minWait bounds how often Wait re-asks Redis.
const minWait = 20 * time.Millisecond

// RateLimiter is a sliding-window limiter shared by every instance. The venue
// client waits on it per wallet; the HTTP server checks it per client IP.
type RateLimiter struct {
	rdb        *redis.Client
	waitLimit  int
	waitWindow time.Duration
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates a RateLimiter. Wait admits at most waitLimit
// requests per key in any waitWindow.
func NewRateLimiter(c *Client, waitLimit int, waitWindow time.Duration) *RateLimiter {
	if waitLimit <= 0 {
		waitLimit = 1
	}
	if waitWindow <= 0 {
		waitWindow = time.Second
	}
	return &RateLimiter{rdb: c.Underlying(), waitLimit: waitLimit, waitWindow: waitWindow}
}

func rateLimitKey(key string) string {
	return "polychain:ratelimit:" + key
}

// Allow counts a request for key and reports whether it fits limit per
// window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, _, err := rl.take(ctx, key, limit, window)
	return ok, err
}

// Wait blocks until a request for key fits the wait budget, sleeping until
// the window frees a slot.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, retry, err := rl.take(ctx, key, rl.waitLimit, rl.waitWindow)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(max(retry, minWait))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}
}

func (rl *RateLimiter) take(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	res, err := windowScript.Run(ctx, rl.rdb, []string{rateLimitKey(key)},
		time.Now().UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis: rate limit %s: unexpected reply %v", key, res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Microsecond, nil
}
