package verifier

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mailprobe/throttle"
)

// Suggested actions for the caller after a probe.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionRetry  Action = "retry"
)

// ProbeAttempt records one SMTP conversation with one MX host.
type ProbeAttempt struct {
	MXHost       string        `json:"mx_host"`
	Attempt      int           `json:"attempt"`
	MailFromCode int           `json:"mail_from_code,omitempty"`
	RcptCode     int           `json:"rcpt_code,omitempty"`
	RcptText     string        `json:"rcpt_text,omitempty"`
	Status       string        `json:"status"` // ok, connect_failed, session_failed, throttled
	Elapsed      time.Duration `json:"elapsed"`
}

// ProbeResult is the aggregate outcome across all attempted MX hosts.
type ProbeResult struct {
	Email           string         `json:"email"`
	Domain          string         `json:"domain"`
	MXHost          string         `json:"mx_host,omitempty"`
	Attempts        []ProbeAttempt `json:"attempts"`
	FinalRcptCode   int            `json:"final_rcpt_code,omitempty"`
	FinalRcptText   string         `json:"final_rcpt_text,omitempty"`
	BounceClass     BounceClass    `json:"bounce_class"`
	SpamFlags       []string       `json:"spam_flags,omitempty"`
	SuggestedAction Action         `json:"suggested_action"`
	Elapsed         time.Duration  `json:"elapsed"`
}

// Dialer opens a TCP connection to an SMTP host. Tests swap this out for an
// in-process listener.
type Dialer func(ctx context.Context, host string) (net.Conn, error)

// ProberConfig carries the probe knobs.
type ProberConfig struct {
	HeloDomain  string
	MailFrom    string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	Port        int
}

// Prober drives RCPT-stage SMTP probes. It never sends DATA, so no message
// is ever delivered to the target mailbox.
type Prober struct {
	cfg      ProberConfig
	throttle throttle.DomainThrottle
	logger   *logrus.Logger
	dial     Dialer
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewProber wires a Prober with sensible defaults for any zero config field.
func NewProber(cfg ProberConfig, th throttle.DomainThrottle, logger *logrus.Logger) *Prober {
	if cfg.HeloDomain == "" {
		cfg.HeloDomain = "verifier.local"
	}
	if cfg.MailFrom == "" {
		cfg.MailFrom = "probe@" + cfg.HeloDomain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.Port <= 0 {
		cfg.Port = 25
	}
	p := &Prober{cfg: cfg, throttle: th, logger: logger, sleep: sleepCtx}
	p.dial = func(ctx context.Context, host string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.Timeout}
		return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, cfg.Port))
	}
	return p
}

// SetDialer replaces the TCP dialer. Only used by tests.
func (p *Prober) SetDialer(dial Dialer) { p.dial = dial }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Probe walks the MX hosts in preference order until it gets a conclusive
// answer for the address.
//
// A 2xx RCPT accepts and stops. A 5xx rejects and stops: the first
// authoritative rejection stands, later hosts are not consulted. A 4xx or
// unparsable reply is classified and retried on the same host with
// exponential backoff while the retry budget lasts, then the next host is
// tried. A connection failure skips straight to the next host without
// consuming the retry budget. If no host answers conclusively the result
// suggests a retry.
func (p *Prober) Probe(ctx context.Context, email string, mxHosts []string) *ProbeResult {
	start := time.Now()
	_, domain := splitAddress(email)
	result := &ProbeResult{
		Email:           email,
		Domain:          domain,
		BounceClass:     BounceUnknown,
		SuggestedAction: ActionRetry,
	}
	defer func() {
		result.Elapsed = time.Since(start)
		result.SpamFlags = SpamChecks(email, result.FinalRcptText)
	}()

	ok, err := p.throttle.Acquire(ctx, domain)
	if err != nil {
		p.logger.WithError(err).WithField("domain", domain).Warn("domain throttle acquire failed")
	}
	if !ok {
		result.Attempts = append(result.Attempts, ProbeAttempt{Status: "throttled"})
		return result
	}
	defer p.throttle.Release(context.WithoutCancel(ctx), domain)

hosts:
	for _, host := range mxHosts {
		for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
			if ctx.Err() != nil {
				return result
			}
			att := p.attempt(ctx, host, email, attempt)
			result.Attempts = append(result.Attempts, att)

			if att.Status == "connect_failed" {
				continue hosts
			}

			code, text := att.RcptCode, att.RcptText
			if code == 0 {
				code, text = att.MailFromCode, att.RcptText
			}

			switch {
			case code >= 200 && code < 300:
				result.MXHost = host
				result.FinalRcptCode = att.RcptCode
				result.FinalRcptText = att.RcptText
				result.SuggestedAction = ActionAccept
				return result
			case code >= 500 && code < 600:
				result.MXHost = host
				result.FinalRcptCode = code
				result.FinalRcptText = text
				result.BounceClass = ClassifyBounce(code, text)
				result.SuggestedAction = ActionReject
				return result
			default:
				class := ClassifyBounce(code, text)
				result.MXHost = host
				result.FinalRcptCode = code
				result.FinalRcptText = text
				result.BounceClass = class
				if class == BounceHard {
					// "user unknown" on an ambiguous code is still final.
					result.SuggestedAction = ActionReject
					return result
				}
				if attempt < p.cfg.MaxRetries {
					delay := p.cfg.BaseBackoff << (attempt - 1)
					if err := p.sleep(ctx, delay); err != nil {
						return result
					}
					continue
				}
				continue hosts
			}
		}
	}
	return result
}

// attempt runs a single EHLO/MAIL/RCPT exchange against one host.
func (p *Prober) attempt(ctx context.Context, host, email string, attempt int) (att ProbeAttempt) {
	start := time.Now()
	att = ProbeAttempt{MXHost: host, Attempt: attempt}
	defer func() { att.Elapsed = time.Since(start) }()

	log := p.logger.WithFields(logrus.Fields{"mx_host": host, "email": email, "attempt": attempt})

	conn, err := p.dial(ctx, host)
	if err != nil {
		log.WithError(err).Debug("SMTP connect failed")
		att.Status = "connect_failed"
		att.RcptText = err.Error()
		return att
	}
	conn.SetDeadline(time.Now().Add(p.cfg.Timeout))

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		log.WithError(err).Debug("SMTP greeting failed")
		att.Status = "connect_failed"
		att.RcptText = err.Error()
		return att
	}
	defer client.Close()

	if err := client.Hello(p.cfg.HeloDomain); err != nil {
		att.Status = "session_failed"
		att.MailFromCode, att.RcptText = smtpError(err)
		return att
	}
	if err := client.Mail(p.cfg.MailFrom); err != nil {
		att.Status = "session_failed"
		att.MailFromCode, att.RcptText = smtpError(err)
		return att
	}
	att.MailFromCode = 250

	if err := client.Rcpt(email); err != nil {
		att.Status = "ok"
		att.RcptCode, att.RcptText = smtpError(err)
		client.Quit()
		return att
	}
	att.Status = "ok"
	att.RcptCode = 250
	att.RcptText = "accepted"
	client.Quit()
	return att
}

// smtpError pulls the numeric code and text out of a server reply. A reply
// that does not parse as an SMTP error yields code 0 and the raw text.
func smtpError(err error) (int, string) {
	if tpErr, ok := err.(*textproto.Error); ok {
		return tpErr.Code, strings.TrimSpace(tpErr.Msg)
	}
	return 0, err.Error()
}
