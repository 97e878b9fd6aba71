// Package throttle bounds the number of concurrent SMTP probes per remote
// mail domain. Aggressive probing gets an IP blacklisted, so the per-domain
// slot counter is the resource actually worth protecting.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DomainThrottle bounds concurrent probes per remote domain.
//
// Acquire returns true when a slot was granted. Release is idempotent and
// never drives the slot counter negative. Implementations backed by a shared
// store must fail open (grant the slot) when the store is unreachable and
// FailOpen is set: availability of verification must not depend on a side
// system being healthy.
type DomainThrottle interface {
	Acquire(ctx context.Context, domain string) (bool, error)
	Release(ctx context.Context, domain string)
}

// With runs fn while holding a slot for domain, releasing it on every exit
// path including panics. Returns false without calling fn when no slot was
// available.
func With(ctx context.Context, t DomainThrottle, domain string, fn func() error) (bool, error) {
	ok, err := t.Acquire(ctx, domain)
	if err != nil || !ok {
		return false, err
	}
	defer t.Release(ctx, domain)
	return true, fn()
}

// acquireScript increments the slot counter and rolls back when the domain
// is already at capacity. The TTL is a safety net so a crashed holder cannot
// leak a slot forever.
const acquireScript = `
local k = KEYS[1]
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local cur = redis.call('INCR', k)
if tonumber(cur) == 1 then
    redis.call('EXPIRE', k, ttl)
end
if tonumber(cur) > max then
    redis.call('DECR', k)
    return 0
end
return 1
`

// releaseScript decrements without ever going negative and deletes the key
// when the counter returns to zero.
const releaseScript = `
local k = KEYS[1]
if redis.call('EXISTS', k) == 0 then
    return 0
end
local cur = redis.call('DECR', k)
if tonumber(cur) <= 0 then
    redis.call('DEL', k)
end
return 1
`

// RedisThrottle is the shared-store implementation used when multiple nodes
// probe concurrently.
type RedisThrottle struct {
	client      *redis.Client
	logger      *logrus.Logger
	maxSlots    int
	slotTTL     time.Duration
	failOpen    bool
	acquireEval *redis.Script
	releaseEval *redis.Script
}

// RedisThrottleConfig carries the tuning knobs for RedisThrottle.
type RedisThrottleConfig struct {
	MaxSlots int           // DOMAIN_CONCURRENCY, per-domain cap
	SlotTTL  time.Duration // safety-net expiry for leaked slots
	FailOpen bool          // grant slots when Redis is down
}

func NewRedisThrottle(client *redis.Client, cfg RedisThrottleConfig, logger *logrus.Logger) *RedisThrottle {
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 2
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = 60 * time.Second
	}
	return &RedisThrottle{
		client:      client,
		logger:      logger,
		maxSlots:    cfg.MaxSlots,
		slotTTL:     cfg.SlotTTL,
		failOpen:    cfg.FailOpen,
		acquireEval: redis.NewScript(acquireScript),
		releaseEval: redis.NewScript(releaseScript),
	}
}

func slotKey(domain string) string {
	return "slot:" + domain
}

func (t *RedisThrottle) Acquire(ctx context.Context, domain string) (bool, error) {
	if domain == "" {
		return true, nil
	}

	res, err := t.acquireEval.Run(ctx, t.client, []string{slotKey(domain)},
		t.maxSlots, int(t.slotTTL.Seconds())).Int()
	if err != nil {
		slotAcquires.WithLabelValues("error").Inc()
		t.logger.WithFields(logrus.Fields{"domain": domain, "error": err}).
			Warn("domain throttle acquire failed, store degraded")
		if t.failOpen {
			return true, nil
		}
		return false, err
	}

	granted := res == 1
	if granted {
		slotAcquires.WithLabelValues("granted").Inc()
		slotsInUse.Inc()
	} else {
		slotAcquires.WithLabelValues("denied").Inc()
	}
	return granted, nil
}

func (t *RedisThrottle) Release(ctx context.Context, domain string) {
	if domain == "" {
		return
	}

	res, err := t.releaseEval.Run(ctx, t.client, []string{slotKey(domain)}).Int()
	if err != nil {
		slotReleases.WithLabelValues("error").Inc()
		t.logger.WithFields(logrus.Fields{"domain": domain, "error": err}).
			Warn("domain throttle release failed")
		return
	}
	recordRelease(res == 1)
}

// recordRelease keeps the gauge honest: the script returns 0 when the key
// was already gone, and a second release of the same slot must not drag
// the in-use count below the truth.
func recordRelease(released bool) {
	if !released {
		slotReleases.WithLabelValues("noop").Inc()
		return
	}
	slotReleases.WithLabelValues("ok").Inc()
	slotsInUse.Dec()
}

// MemoryThrottle is the in-process implementation for single-node
// deployments and tests.
type MemoryThrottle struct {
	mu       sync.Mutex
	slots    map[string]int
	maxSlots int
}

func NewMemoryThrottle(maxSlots int) *MemoryThrottle {
	if maxSlots <= 0 {
		maxSlots = 2
	}
	return &MemoryThrottle{
		slots:    make(map[string]int),
		maxSlots: maxSlots,
	}
}

func (t *MemoryThrottle) Acquire(_ context.Context, domain string) (bool, error) {
	if domain == "" {
		return true, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[domain] >= t.maxSlots {
		slotAcquires.WithLabelValues("denied").Inc()
		return false, nil
	}
	t.slots[domain]++
	slotAcquires.WithLabelValues("granted").Inc()
	slotsInUse.Inc()
	return true, nil
}

func (t *MemoryThrottle) Release(_ context.Context, domain string) {
	if domain == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[domain] <= 0 {
		return
	}
	t.slots[domain]--
	if t.slots[domain] == 0 {
		delete(t.slots, domain)
	}
	slotReleases.WithLabelValues("ok").Inc()
	slotsInUse.Dec()
}

// InUse reports the current slot count for a domain. Test helper.
func (t *MemoryThrottle) InUse(domain string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[domain]
}
