package verifier

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	resultKeyPrefix = "verification:result:"
	memCacheMax     = 10000
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "verification_cache_lookups_total",
	Help: "Verification result cache lookups",
}, []string{"result"}) // hit / miss

// ResultCache keeps recent verification outcomes so repeat requests for the
// same address are answered without another SMTP probe. Redis is the
// primary store; a bounded in-process map covers the no-Redis case.
type ResultCache struct {
	client *redis.Client
	logger *logrus.Logger
	ttl    time.Duration

	mu  sync.Mutex
	mem map[string]memEntry
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

func NewResultCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResultCache{
		client: client,
		logger: logger,
		ttl:    ttl,
		mem:    make(map[string]memEntry),
	}
}

func resultKey(email string) string {
	return resultKeyPrefix + strings.ToLower(strings.TrimSpace(email))
}

// Get returns the cached outcome for the address, if any. Cache errors are
// logged and treated as a miss.
func (c *ResultCache) Get(ctx context.Context, email string) (out *Outcome, hit bool) {
	defer func() {
		if hit {
			cacheLookups.WithLabelValues("hit").Inc()
		} else {
			cacheLookups.WithLabelValues("miss").Inc()
		}
	}()
	key := resultKey(email)

	var data []byte
	if c.client != nil {
		raw, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				c.logger.WithError(err).Warn("result cache read failed")
			}
			return nil, false
		}
		data = raw
	} else {
		c.mu.Lock()
		entry, ok := c.mem[key]
		if ok && time.Now().After(entry.expiresAt) {
			delete(c.mem, key)
			ok = false
		}
		c.mu.Unlock()
		if !ok {
			return nil, false
		}
		data = entry.data
	}

	var cached Outcome
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.WithError(err).Warn("result cache entry corrupt")
		return nil, false
	}
	cached.Cached = true
	return &cached, true
}

// Set stores the outcome under the normalized address.
func (c *ResultCache) Set(ctx context.Context, email string, out *Outcome) {
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.WithError(err).Warn("result cache encode failed")
		return
	}
	key := resultKey(email)

	if c.client != nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.WithError(err).Warn("result cache write failed")
		}
		return
	}

	c.mu.Lock()
	if len(c.mem) >= memCacheMax {
		// Drop an arbitrary entry to stay bounded.
		for k := range c.mem {
			delete(c.mem, k)
			break
		}
	}
	c.mem[key] = memEntry{data: data, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}
