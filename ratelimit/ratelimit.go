// Package ratelimit provides a sliding-window rate limiter keyed by caller
// identity (API key, team, user, IP). The Redis implementation performs the
// prune/count/admit cycle in a single Lua round trip so there is no race
// window between check and increment.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Limiter admits or rejects requests against a per-key sliding window.
type Limiter interface {
	// Acquire tries to admit `tokens` requests under `limit` per `window`.
	// When denied, retryAfter reports how long until the oldest admitted
	// entry falls out of the window.
	Acquire(ctx context.Context, key string, limit int, window time.Duration, tokens int) (allowed bool, retryAfter time.Duration, err error)
}

var limiterErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rate_limiter_errors_total",
	Help: "Rate limiter backing-store errors (request was failed open)",
})

// slidingWindowScript prunes entries older than the window, counts the
// remainder, and either admits `tokens` new members scored with the current
// timestamp or reports the wait until the oldest member ages out. The key
// TTL of 2x window keeps idle keys from accumulating.
const slidingWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local tokens = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local key = KEYS[1]
local min_score = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', min_score)
local cur = redis.call('ZCARD', key)

if (cur + tokens) <= limit then
    for i = 1, tokens do
        local member = tostring(now) .. "-" .. tostring(i) .. "-" .. tostring(cur + i)
        redis.call('ZADD', key, now, member)
    end
    redis.call('EXPIRE', key, ttl)
    return {1, "0"}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = min_score
if oldest and #oldest >= 2 then
    oldest_score = tonumber(oldest[2])
end
local retry_after = (oldest_score + window) - now
if retry_after < 0 then
    retry_after = 0
end
return {0, tostring(retry_after)}
`

// RedisLimiter is the shared-store Limiter. On any backing-store error it
// fails open (admits the request), counting the error instead of blocking
// traffic; set FailOpen=false to turn denials into hard errors.
type RedisLimiter struct {
	client   *redis.Client
	logger   *logrus.Logger
	failOpen bool
	script   *redis.Script
}

func NewRedisLimiter(client *redis.Client, failOpen bool, logger *logrus.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		logger:   logger,
		failOpen: failOpen,
		script:   redis.NewScript(slidingWindowScript),
	}
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string, limit int, window time.Duration, tokens int) (bool, time.Duration, error) {
	if tokens <= 0 {
		tokens = 1
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	ttl := int(window.Seconds()) * 2
	if ttl < 2 {
		ttl = 2
	}

	res, err := l.script.Run(ctx, l.client, []string{key},
		fmt.Sprintf("%f", now), fmt.Sprintf("%f", window.Seconds()), limit, tokens, ttl).Slice()
	if err != nil {
		limiterErrors.Inc()
		l.logger.WithFields(logrus.Fields{"key": key, "error": err}).
			Warn("rate limiter degraded")
		if l.failOpen {
			return true, 0, nil
		}
		return false, 0, err
	}
	if len(res) != 2 {
		limiterErrors.Inc()
		return true, 0, nil
	}

	allowed, _ := res[0].(int64)
	var retrySeconds float64
	if s, ok := res[1].(string); ok {
		fmt.Sscanf(s, "%f", &retrySeconds)
	}
	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(retrySeconds * float64(time.Second)), nil
}

// MemoryLimiter is the single-node Limiter used in tests and when Redis is
// disabled. Same window semantics, guarded by a mutex.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string][]time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Acquire(_ context.Context, key string, limit int, window time.Duration, tokens int) (bool, time.Duration, error) {
	if tokens <= 0 {
		tokens = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	entries := l.windows[key][:0]
	for _, t := range l.windows[key] {
		if t.After(cutoff) {
			entries = append(entries, t)
		}
	}

	if len(entries)+tokens <= limit {
		for i := 0; i < tokens; i++ {
			entries = append(entries, now)
		}
		l.windows[key] = entries
		return true, 0, nil
	}

	l.windows[key] = entries
	retryAfter := time.Duration(0)
	if len(entries) > 0 {
		retryAfter = entries[0].Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return false, retryAfter, nil
}
