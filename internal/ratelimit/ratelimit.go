// Package ratelimit provides a Redis-backed sliding-window limiter shared by
// all venue adapters, so REST budgets hold across restarts and replicas.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"funding-arb-bot/internal/config"
)

const (
	keyPrefix    = "ratelimit:"
	pollInterval = 50 * time.Millisecond
	dialTimeout  = 5 * time.Second
)

// slidingWindow trims entries older than the window, then admits the caller
// only if the remaining count is under the limit. Runs atomically in Redis.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000))
	return {1, limit - count - 1}
end
return {0, 0}
`)

// Limiter throttles callers to cfg.Requests per cfg.Window per key.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	seq    atomic.Uint64
}

// New connects to Redis and verifies it with a ping. The caller owns Close.
func New(ctx context.Context, cfg config.RateLimitConfig) (*Limiter, error) {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limit requires positive requests and window, got %d per %s", cfg.Requests, cfg.Window)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		PoolSize:   10,
		MaxRetries: 3,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Limiter{rdb: rdb, limit: cfg.Requests, window: cfg.Window}, nil
}

// Allow reports whether one more request fits in the window for key.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMicro()
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(l.seq.Add(1), 36)
	res, err := slidingWindow.Run(ctx, l.rdb, []string{keyPrefix + key},
		now, l.window.Microseconds(), l.limit, member).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("sliding window: %w", err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("sliding window: unexpected reply of length %d", len(res))
	}
	return res[0] == 1, nil
}

// Acquire blocks until a slot frees up for key or the context ends.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	for {
		ok, err := l.Allow(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Limiter) Close() error {
	return l.rdb.Close()
}
