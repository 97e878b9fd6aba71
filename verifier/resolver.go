package verifier

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

type mxCacheEntry struct {
	hosts     []string
	expiresAt time.Time
}

// Resolver looks up and caches MX hosts per domain.
type Resolver struct {
	timeout  time.Duration
	cacheTTL time.Duration
	lookup   func(ctx context.Context, domain string) ([]*net.MX, error)

	mu    sync.RWMutex
	cache map[string]mxCacheEntry
}

// NewResolver returns a Resolver backed by the system DNS resolver.
func NewResolver(timeout, cacheTTL time.Duration) *Resolver {
	r := &net.Resolver{}
	return NewResolverWithLookup(timeout, cacheTTL, r.LookupMX)
}

// NewResolverWithLookup lets callers inject the MX lookup, mainly for tests.
func NewResolverWithLookup(timeout, cacheTTL time.Duration, lookup func(ctx context.Context, domain string) ([]*net.MX, error)) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Resolver{
		timeout:  timeout,
		cacheTTL: cacheTTL,
		lookup:   lookup,
		cache:    make(map[string]mxCacheEntry),
	}
}

// Resolve returns the domain's MX hosts ordered by preference (lowest
// first). An empty slice means the domain cannot receive mail: no MX
// records and no fallback, or the lookup failed outright.
func (r *Resolver) Resolve(ctx context.Context, domain string) []string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil
	}

	r.mu.RLock()
	entry, ok := r.cache[domain]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.hosts
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.lookup(ctx, domain)
	if err != nil {
		// NXDOMAIN is a definitive answer and safe to cache. Transient
		// lookup errors are not cached so the next call retries.
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return r.store(domain, nil)
		}
		return nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, mx := range records {
		host := strings.ToLower(strings.TrimSuffix(mx.Host, "."))
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return r.store(domain, hosts)
}

func (r *Resolver) store(domain string, hosts []string) []string {
	r.mu.Lock()
	r.cache[domain] = mxCacheEntry{hosts: hosts, expiresAt: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return hosts
}
