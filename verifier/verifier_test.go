package verifier

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailprobe/throttle"
)

func testService(t *testing.T, hosts map[string]*smtpStub, lookup func(ctx context.Context, domain string) ([]*net.MX, error)) *Service {
	t.Helper()
	logger := quietLogger()
	resolver := NewResolverWithLookup(time.Second, time.Minute, lookup)
	prober := testProber(t, hosts)
	svc := NewService(
		nil,
		resolver,
		prober,
		throttle.NewMemoryBackoff(time.Millisecond, 10*time.Millisecond),
		NewResultCache(nil, time.Minute, logger),
		NewReputation(nil, logger),
		ServiceConfig{MaxBackoffWait: 50 * time.Millisecond},
		logger,
	)
	svc.SetIPScorer(func(host string) int { return 50 })
	return svc
}

func noMX(ctx context.Context, domain string) ([]*net.MX, error) {
	return nil, &net.DNSError{Err: "no such host", Name: domain, IsNotFound: true}
}

func singleMX(host string) func(ctx context.Context, domain string) ([]*net.MX, error) {
	return func(ctx context.Context, domain string) ([]*net.MX, error) {
		return []*net.MX{{Host: host + ".", Pref: 10}}, nil
	}
}

func TestVerifyBadSyntax(t *testing.T) {
	svc := testService(t, nil, noMX)

	out, err := svc.Verify(context.Background(), "not-an-email", nil, "")
	require.NoError(t, err)

	assert.Equal(t, StatusInvalid, out.Status)
	assert.Equal(t, ReasonBadSyntax, out.Reason)
	assert.Equal(t, 100, out.RiskScore)
}

func TestVerifyDomainTypoSuggestsFix(t *testing.T) {
	svc := testService(t, nil, noMX)

	out, err := svc.Verify(context.Background(), "jane@gmial.com", nil, "")
	require.NoError(t, err)

	assert.Equal(t, StatusInvalid, out.Status)
	assert.Equal(t, ReasonDomainTypo, out.Reason)
	assert.Equal(t, "jane@gmail.com", out.Suggestion)
}

func TestVerifyNoMX(t *testing.T) {
	svc := testService(t, nil, noMX)

	out, err := svc.Verify(context.Background(), "jane@nodomain.example", nil, "")
	require.NoError(t, err)

	assert.Equal(t, StatusInvalid, out.Status)
	assert.Equal(t, ReasonNoMX, out.Reason)
}

func TestVerifySpamtrapShortCircuits(t *testing.T) {
	// No MX lookup, no probe: the stub would fail the test by being hit.
	stub := newSMTPStub(t, "250 OK")
	svc := testService(t, map[string]*smtpStub{"mx.spamtrap.io": stub}, singleMX("mx.spamtrap.io"))

	out, err := svc.Verify(context.Background(), "victim@spamtrap.io", nil, "")
	require.NoError(t, err)

	assert.Equal(t, StatusInvalid, out.Status)
	assert.Equal(t, 100, out.RiskScore)
	assert.Equal(t, 0, stub.connCount())
}

func TestVerifyAcceptedAddress(t *testing.T) {
	stub := newSMTPStub(t, "250 2.1.5 OK")
	svc := testService(t, map[string]*smtpStub{"mx.example.com": stub}, singleMX("mx.example.com"))

	out, err := svc.Verify(context.Background(), "Jane@Example.com", nil, "")
	require.NoError(t, err)

	assert.Equal(t, "jane@example.com", out.Email)
	assert.Equal(t, StatusValid, out.Status)
	assert.Equal(t, LevelExcellent, out.RiskLevel)
	assert.False(t, out.Cached)
}

func TestVerifyUsesCache(t *testing.T) {
	stub := newSMTPStub(t, "250 OK")
	svc := testService(t, map[string]*smtpStub{"mx.example.com": stub}, singleMX("mx.example.com"))

	first, err := svc.Verify(context.Background(), "jane@example.com", nil, "")
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := svc.Verify(context.Background(), "jane@example.com", nil, "")
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, stub.connCount())
}

func TestVerifyHardRejection(t *testing.T) {
	stub := newSMTPStub(t, "550 5.1.1 user unknown")
	svc := testService(t, map[string]*smtpStub{"mx.example.com": stub}, singleMX("mx.example.com"))

	out, err := svc.Verify(context.Background(), "ghost@example.com", nil, "")
	require.NoError(t, err)

	assert.Equal(t, StatusInvalid, out.Status)
	assert.Equal(t, 100, out.RiskScore)
	assert.Equal(t, BounceHard, out.BounceClass)
	assert.Equal(t, ActionReject, out.SuggestedAction)
}

// stubBackoff reports a fixed delay and ignores escalation.
type stubBackoff struct{ delay time.Duration }

func (b stubBackoff) Delay(ctx context.Context, domain string) time.Duration { return b.delay }
func (b stubBackoff) Increase(ctx context.Context, domain string)            {}
func (b stubBackoff) Clear(ctx context.Context, domain string)               {}

func TestVerifyDeferredByDomainBackoff(t *testing.T) {
	stub := newSMTPStub(t, "250 OK")
	logger := quietLogger()
	svc := NewService(
		nil,
		NewResolverWithLookup(time.Second, time.Minute, singleMX("mx.example.com")),
		testProber(t, map[string]*smtpStub{"mx.example.com": stub}),
		stubBackoff{delay: time.Hour},
		NewResultCache(nil, time.Minute, logger),
		NewReputation(nil, logger),
		ServiceConfig{MaxBackoffWait: 50 * time.Millisecond},
		logger,
	)
	svc.SetIPScorer(func(host string) int { return 50 })

	out, err := svc.Verify(context.Background(), "jane@example.com", nil, "")
	require.NoError(t, err)

	assert.True(t, out.Deferred)
	assert.Equal(t, StatusUnknown, out.Status)
	assert.Equal(t, ReasonDomainBackoff, out.Reason)
	assert.Equal(t, ActionRetry, out.SuggestedAction)
	assert.Equal(t, 0, stub.connCount())

	// The placeholder must not end up in the cache.
	again, err := svc.Verify(context.Background(), "jane@example.com", nil, "")
	require.NoError(t, err)
	assert.True(t, again.Deferred)
	assert.False(t, again.Cached)
}

func TestVerifyDeferredWhenThrottled(t *testing.T) {
	stub := newSMTPStub(t, "250 OK")
	th := throttle.NewMemoryThrottle(1)
	granted, err := th.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	require.True(t, granted)

	logger := quietLogger()
	svc := NewService(
		nil,
		NewResolverWithLookup(time.Second, time.Minute, singleMX("mx.example.com")),
		testProberWithThrottle(t, stub, th),
		throttle.NewMemoryBackoff(time.Millisecond, 10*time.Millisecond),
		NewResultCache(nil, time.Minute, logger),
		NewReputation(nil, logger),
		ServiceConfig{MaxBackoffWait: 50 * time.Millisecond},
		logger,
	)
	svc.SetIPScorer(func(host string) int { return 50 })

	out, err := svc.Verify(context.Background(), "jane@example.com", nil, "")
	require.NoError(t, err)

	assert.True(t, out.Deferred)
	assert.Equal(t, 0, stub.connCount())

	// Freeing the slot lets the retry reach the server and cache a real
	// verdict, so the earlier denial escalated nothing.
	th.Release(context.Background(), "example.com")
	out, err = svc.Verify(context.Background(), "jane@example.com", nil, "")
	require.NoError(t, err)
	assert.False(t, out.Deferred)
	assert.Equal(t, StatusValid, out.Status)
}
