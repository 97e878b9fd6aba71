package verifier

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	repNeutral    = 50
	repKeyPrefix  = "reputation:domain:"
	repCounterTTL = 7 * 24 * time.Hour
)

// Reputation tracks per-domain delivery history in Redis and folds it into
// a 0..100 score. With no Redis client it degrades to neutral answers.
type Reputation struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewReputation(client *redis.Client, logger *logrus.Logger) *Reputation {
	return &Reputation{client: client, logger: logger}
}

// RecordResult updates the domain's rolling good/bad counters.
func (r *Reputation) RecordResult(ctx context.Context, domain string, success bool) {
	if r.client == nil || domain == "" {
		return
	}
	field := "bad"
	if success {
		field = "good"
	}
	key := repKeyPrefix + strings.ToLower(domain)
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, repCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WithError(err).WithField("domain", domain).Warn("reputation update failed")
	}
}

// DomainScore returns the domain's reputation, 0..100 with 50 neutral.
// Domains with no recorded history stay at neutral so a single bad result
// cannot sink a fresh domain.
func (r *Reputation) DomainScore(ctx context.Context, domain string) int {
	if r.client == nil || domain == "" {
		return repNeutral
	}
	key := repKeyPrefix + strings.ToLower(domain)
	counts, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		r.logger.WithError(err).WithField("domain", domain).Warn("reputation lookup failed")
		return repNeutral
	}
	good := atoiDefault(counts["good"], 0)
	bad := atoiDefault(counts["bad"], 0)
	total := good + bad
	if total == 0 {
		return repNeutral
	}
	// Observed ratio, blended toward neutral while the sample is small.
	observed := float64(good) * 100.0 / float64(total)
	weight := float64(total) / float64(total+10)
	return int(observed*weight + repNeutral*(1-weight))
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// IPScore estimates the trustworthiness of the MX host's address, 0..100.
// Private or unresolvable hosts score very low, a resolvable public host
// starts at 60 and earns a bonus for a matching reverse DNS entry.
func IPScore(host string) int {
	if host == "" {
		return repNeutral
	}
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return 20
	}
	ip := addrs[0]
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return 10
	}
	score := 60
	if names, err := net.LookupAddr(ip.String()); err == nil && len(names) > 0 {
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score
}
