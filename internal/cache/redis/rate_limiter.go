package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

// RateLimiter implements domain.RateLimiter with a sliding window backed by
// Redis sorted sets and an atomic Lua script. It keeps the catalog and price
// API clients under their provider quotas across all processes.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether a request for key is permitted under the sliding
// window; an allowed request is counted.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rateLimitKey(key)},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

// Wait blocks until a request for key is allowed at 1 req/s, polling at a
// fixed interval. Callers needing other limits call Allow in their own loop.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		default:
		}

		allowed, err := rl.Allow(ctx, key, 1, time.Second)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
