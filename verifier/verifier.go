package verifier

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailprobe/models"
	"mailprobe/throttle"
)

// Terminal reasons for addresses that never reach the SMTP stage.
const (
	ReasonBadSyntax     = "bad_syntax"
	ReasonDomainTypo    = "domain_typo"
	ReasonNoMX          = "no_mx"
	ReasonSpamtrap      = "spamtrap_domain"
	ReasonDomainBackoff = "domain_backoff"
)

var typoDomains = map[string]string{
	"gmial.com":    "gmail.com",
	"gamil.com":    "gmail.com",
	"gmail.co":     "gmail.com",
	"gmai.com":     "gmail.com",
	"yahooo.com":   "yahoo.com",
	"yaho.com":     "yahoo.com",
	"hotmial.com":  "hotmail.com",
	"hotmil.com":   "hotmail.com",
	"outlok.com":   "outlook.com",
	"outllook.com": "outlook.com",
	"iclould.com":  "icloud.com",
}

// Outcome is the full verdict for one address.
type Outcome struct {
	Email            string       `json:"email"`
	Status           string       `json:"status"`
	RiskScore        int          `json:"risk_score"`
	RiskLevel        string       `json:"risk_level"`
	Reason           string       `json:"reason,omitempty"`
	Suggestion       string       `json:"suggestion,omitempty"`
	BounceClass      BounceClass  `json:"bounce_class,omitempty"`
	SuggestedAction  Action       `json:"suggested_action,omitempty"`
	SpamFlags        []string     `json:"spam_flags,omitempty"`
	DomainReputation int          `json:"domain_reputation"`
	IPReputation     int          `json:"ip_reputation"`
	Probe            *ProbeResult `json:"probe,omitempty"`
	Cached           bool         `json:"cached"`
	// Deferred marks a placeholder verdict: the remote was never contacted
	// because the domain was backing off or every slot was taken. Callers
	// must not bill for it and should retry later.
	Deferred bool `json:"deferred,omitempty"`
}

// ServiceConfig carries the pipeline knobs.
type ServiceConfig struct {
	MaxBackoffWait time.Duration
}

// Service runs the full verification pipeline: cached result, syntax and
// typo screens, MX resolution, domain backoff, SMTP probe, scoring and
// persistence.
type Service struct {
	db         *gorm.DB
	resolver   *Resolver
	prober     *Prober
	backoff    throttle.DomainBackoff
	cache      *ResultCache
	reputation *Reputation
	logger     *logrus.Logger
	cfg        ServiceConfig

	ipScore func(host string) int
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewService(db *gorm.DB, resolver *Resolver, prober *Prober, backoff throttle.DomainBackoff, cache *ResultCache, reputation *Reputation, cfg ServiceConfig, logger *logrus.Logger) *Service {
	if cfg.MaxBackoffWait <= 0 {
		cfg.MaxBackoffWait = 30 * time.Second
	}
	return &Service{
		db:         db,
		resolver:   resolver,
		prober:     prober,
		backoff:    backoff,
		cache:      cache,
		reputation: reputation,
		logger:     logger,
		cfg:        cfg,
		ipScore:    IPScore,
		sleep:      sleepCtx,
	}
}

// SetIPScorer replaces the MX host scoring function. Only used by tests.
func (s *Service) SetIPScorer(fn func(host string) int) { s.ipScore = fn }

// Verify runs the pipeline for one address. The returned Outcome is always
// usable even for invalid addresses; the error is reserved for context
// cancellation and other internal failures.
func (s *Service) Verify(ctx context.Context, email string, userID *uint, jobID string) (*Outcome, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	_, domain := splitAddress(email)
	log := s.logger.WithFields(logrus.Fields{"email": email, "job_id": jobID})

	if out, ok := s.cache.Get(ctx, email); ok {
		return out, nil
	}

	if err := checkmail.ValidateFormat(email); err != nil {
		return s.finish(ctx, email, userID, jobID, terminalOutcome(email, ReasonBadSyntax, 100, LevelToxic)), nil
	}
	if correct, ok := typoDomains[domain]; ok {
		out := terminalOutcome(email, ReasonDomainTypo, 95, LevelToxic)
		out.Suggestion = strings.TrimSuffix(email, domain) + correct
		return s.finish(ctx, email, userID, jobID, out), nil
	}
	if IsSpamtrapDomain(domain) {
		out := terminalOutcome(email, ReasonSpamtrap, 100, LevelToxic)
		out.SpamFlags = SpamChecks(email, "")
		return s.finish(ctx, email, userID, jobID, out), nil
	}

	mxHosts := s.resolver.Resolve(ctx, domain)
	if len(mxHosts) == 0 {
		return s.finish(ctx, email, userID, jobID, terminalOutcome(email, ReasonNoMX, 95, LevelToxic)), nil
	}

	if delay := s.backoff.Delay(ctx, domain); delay > 0 {
		if delay > s.cfg.MaxBackoffWait {
			log.WithField("delay", delay).Info("domain in backoff, deferring probe")
			out := &Outcome{
				Email:           email,
				Status:          StatusUnknown,
				RiskScore:       baseScore,
				RiskLevel:       LevelWarning,
				Reason:          ReasonDomainBackoff,
				SuggestedAction: ActionRetry,
				Deferred:        true,
			}
			return out, nil
		}
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	probe := s.prober.Probe(ctx, email, mxHosts)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch probe.SuggestedAction {
	case ActionAccept:
		s.backoff.Clear(ctx, domain)
	case ActionRetry:
		// Only reachability problems with the remote escalate the
		// backoff; a locally throttled probe never talked to it.
		if probeContacted(probe) {
			s.backoff.Increase(ctx, domain)
		}
	}

	domainRep := s.reputation.DomainScore(ctx, domain)
	ipRep := repNeutral
	if probe.MXHost != "" {
		ipRep = s.ipScore(probe.MXHost)
	}

	rs := Score(probe, domainRep, ipRep)
	out := &Outcome{
		Email:            email,
		Status:           rs.Status,
		RiskScore:        rs.RiskScore,
		RiskLevel:        rs.RiskLevel,
		BounceClass:      probe.BounceClass,
		SuggestedAction:  probe.SuggestedAction,
		SpamFlags:        probe.SpamFlags,
		DomainReputation: domainRep,
		IPReputation:     ipRep,
		Probe:            probe,
	}

	if !probeContacted(probe) {
		// Every slot was taken, so nothing was actually verified. Keep
		// the placeholder out of the cache and the result table so a
		// retry starts fresh.
		out.Deferred = true
		return out, nil
	}

	s.reputation.RecordResult(ctx, domain, out.Status == StatusValid)
	return s.finish(ctx, email, userID, jobID, out), nil
}

func probeContacted(probe *ProbeResult) bool {
	for _, att := range probe.Attempts {
		if att.Status != "throttled" {
			return true
		}
	}
	return false
}

func terminalOutcome(email, reason string, score int, level string) *Outcome {
	return &Outcome{
		Email:           email,
		Status:          StatusInvalid,
		RiskScore:       score,
		RiskLevel:       level,
		Reason:          reason,
		SuggestedAction: ActionReject,
	}
}

// finish caches and persists the outcome. Persistence failures are logged,
// not fatal: the caller still gets the verdict.
func (s *Service) finish(ctx context.Context, email string, userID *uint, jobID string, out *Outcome) *Outcome {
	s.cache.Set(ctx, email, out)

	if s.db == nil {
		return out
	}
	raw, _ := json.Marshal(out)
	record := models.VerificationResult{
		UserID:          userID,
		Email:           email,
		JobID:           jobID,
		Status:          out.Status,
		RiskScore:       out.RiskScore,
		RiskLevel:       out.RiskLevel,
		BounceClass:     string(out.BounceClass),
		SuggestedAction: string(out.SuggestedAction),
		Raw:             string(raw),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.WithError(err).WithField("email", email).Error("failed to persist verification result")
	}
	return out
}
