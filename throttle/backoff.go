package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DomainBackoff tracks per-domain probe failures and converts them into a
// wait interval before the next probe to that domain. The counter decays via
// TTL; a hard-bounce-free success clears it entirely.
type DomainBackoff interface {
	// Delay returns the remaining wait before the domain may be probed again.
	Delay(ctx context.Context, domain string) time.Duration
	// Increase escalates the backoff exponentially, capped.
	Increase(ctx context.Context, domain string)
	// Clear resets the backoff after a clean probe.
	Clear(ctx context.Context, domain string)
}

const (
	backoffValueKey = "domain:backoff:"
	backoffCountKey = ":count"
)

// RedisBackoff stores the delay as a key whose TTL is the remaining wait,
// and the exponential step in a companion counter.
type RedisBackoff struct {
	client *redis.Client
	logger *logrus.Logger
	base   time.Duration
	cap    time.Duration
}

func NewRedisBackoff(client *redis.Client, base, cap time.Duration, logger *logrus.Logger) *RedisBackoff {
	if base <= 0 {
		base = 5 * time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	return &RedisBackoff{client: client, logger: logger, base: base, cap: cap}
}

func (b *RedisBackoff) Delay(ctx context.Context, domain string) time.Duration {
	ttl, err := b.client.TTL(ctx, backoffValueKey+domain).Result()
	if err != nil || ttl <= 0 {
		return 0
	}
	return ttl
}

func (b *RedisBackoff) Increase(ctx context.Context, domain string) {
	countKey := backoffValueKey + domain + backoffCountKey

	pipe := b.client.Pipeline()
	incr := pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, b.cap*2)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.WithFields(logrus.Fields{"domain": domain, "error": err}).
			Debug("backoff increase failed")
		return
	}

	count := incr.Val()
	delay := b.base << uint(count-1)
	if count > 16 || delay > b.cap || delay <= 0 {
		delay = b.cap
	}

	if err := b.client.Set(ctx, backoffValueKey+domain, int(delay.Seconds()), delay).Err(); err != nil {
		b.logger.WithFields(logrus.Fields{"domain": domain, "error": err}).
			Debug("backoff set failed")
		return
	}
	backoffIncreases.Inc()
	b.logger.WithFields(logrus.Fields{"domain": domain, "count": count, "delay": delay}).
		Info("domain backoff escalated")
}

func (b *RedisBackoff) Clear(ctx context.Context, domain string) {
	if err := b.client.Del(ctx, backoffValueKey+domain, backoffValueKey+domain+backoffCountKey).Err(); err != nil {
		b.logger.WithFields(logrus.Fields{"domain": domain, "error": err}).
			Debug("backoff clear failed")
	}
}

// MemoryBackoff is the in-process DomainBackoff for single-node runs and
// tests.
type MemoryBackoff struct {
	mu    sync.Mutex
	base  time.Duration
	cap   time.Duration
	now   func() time.Time
	state map[string]*backoffState
}

type backoffState struct {
	count int64
	until time.Time
}

func NewMemoryBackoff(base, cap time.Duration) *MemoryBackoff {
	if base <= 0 {
		base = 5 * time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	return &MemoryBackoff{
		base:  base,
		cap:   cap,
		now:   time.Now,
		state: make(map[string]*backoffState),
	}
}

func (b *MemoryBackoff) Delay(_ context.Context, domain string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[domain]
	if !ok {
		return 0
	}
	d := st.until.Sub(b.now())
	if d < 0 {
		return 0
	}
	return d
}

func (b *MemoryBackoff) Increase(_ context.Context, domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[domain]
	if !ok {
		st = &backoffState{}
		b.state[domain] = st
	}
	st.count++
	delay := b.base << uint(st.count-1)
	if st.count > 16 || delay > b.cap || delay <= 0 {
		delay = b.cap
	}
	st.until = b.now().Add(delay)
	backoffIncreases.Inc()
}

func (b *MemoryBackoff) Clear(_ context.Context, domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, domain)
}
