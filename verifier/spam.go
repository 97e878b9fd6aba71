package verifier

import (
	"regexp"
	"strings"
)

// Spam flags attached to a verification result.
const (
	FlagRoleAccount      = "role_account"
	FlagSpamtrapDomain   = "known_spamtrap_domain"
	FlagDisposableDomain = "disposable_domain"
	FlagSMTPSpamtrapHint = "smtp_spamtrap_hint"
	FlagSMTPSpamHint     = "smtp_spam_hint"
	FlagSuspiciousFormat = "suspicious_format"
)

var roleKeywords = map[string]struct{}{
	"abuse": {}, "admin": {}, "billing": {}, "compliance": {}, "contact": {},
	"devnull": {}, "dns": {}, "ftp": {}, "help": {}, "hostmaster": {},
	"info": {}, "inoc": {}, "ispfeedback": {}, "ispsupport": {}, "jobs": {},
	"list": {}, "list-request": {}, "maildaemon": {}, "marketing": {},
	"media": {}, "news": {}, "noc": {}, "noreply": {}, "no-reply": {},
	"null": {}, "office": {}, "phish": {}, "phishing": {}, "postmaster": {},
	"privacy": {}, "registrar": {}, "root": {}, "sales": {}, "security": {},
	"service": {}, "spam": {}, "support": {}, "sysadmin": {}, "tech": {},
	"undisclosed-recipients": {}, "unsubscribe": {}, "usenet": {}, "uucp": {},
	"webmaster": {}, "www": {},
}

var spamtrapDomains = map[string]struct{}{
	"spamtrap.io":       {},
	"honeypot.org":      {},
	"spam-trap.net":     {},
	"trapmail.org":      {},
	"blackhole.mx":      {},
	"spamgourmet.com":   {},
	"donotmailthis.com": {},
}

var disposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"guerrillamail.com": {},
	"10minutemail.com":  {},
	"tempmail.com":      {},
	"temp-mail.org":     {},
	"throwawaymail.com": {},
	"yopmail.com":       {},
	"trashmail.com":     {},
	"getnada.com":       {},
	"maildrop.cc":       {},
	"fakeinbox.com":     {},
	"sharklasers.com":   {},
	"dispostable.com":   {},
	"mintemail.com":     {},
	"mytemp.email":      {},
	"mohmal.com":        {},
	"emailondeck.com":   {},
	"tempail.com":       {},
	"burnermail.io":     {},
	"spamex.com":        {},
	"mailnesia.com":     {},
	"tempinbox.com":     {},
	"discard.email":     {},
	"mailcatch.com":     {},
	"anonymbox.com":     {},
}

var disposablePatterns = compilePatterns([]string{
	`^temp`,
	`^trash`,
	`^throwaway`,
	`^disposable`,
	`minutemail`,
	`^fake`,
	`^burner`,
})

var smtpSpamtrapHints = compilePatterns([]string{
	`spamtrap`,
	`spam trap`,
	`honeypot`,
	`blacklisted sender`,
})

var smtpSpamHints = compilePatterns([]string{
	`blocked using`,
	`listed in\s`,
	`spamhaus`,
	`barracuda`,
	`poor reputation`,
	`spam detected`,
})

var suspiciousLocalRe = regexp.MustCompile(`^[a-z0-9]{20,}$|\d{8,}`)

// leadingRepeatedRune reports whether s begins with a single non-newline rune
// repeated at least n times, the check RE2 cannot express as `^(.)\1{n-1,}`.
func leadingRepeatedRune(s string, n int) bool {
	runes := []rune(s)
	if len(runes) < n || runes[0] == '\n' {
		return false
	}
	for i := 1; i < n; i++ {
		if runes[i] != runes[0] {
			return false
		}
	}
	return true
}

// IsDisposableDomain reports whether the domain is a known or pattern-matched
// disposable provider.
func IsDisposableDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if _, ok := disposableDomains[domain]; ok {
		return true
	}
	return matchAny(disposablePatterns, domain)
}

// IsSpamtrapDomain reports whether the domain is a known spamtrap operator.
func IsSpamtrapDomain(domain string) bool {
	_, ok := spamtrapDomains[strings.ToLower(strings.TrimSpace(domain))]
	return ok
}

// IsRoleAccount reports whether the local part is a functional role address
// rather than a personal one.
func IsRoleAccount(localPart string) bool {
	_, ok := roleKeywords[strings.ToLower(localPart)]
	return ok
}

func splitAddress(email string) (local, domain string) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// SpamChecks runs every heuristic against the address and the final SMTP
// response text, returning the matched flag names in stable order.
func SpamChecks(email, smtpText string) []string {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain := splitAddress(email)

	var flags []string
	if IsRoleAccount(local) {
		flags = append(flags, FlagRoleAccount)
	}
	if IsSpamtrapDomain(domain) {
		flags = append(flags, FlagSpamtrapDomain)
	}
	if IsDisposableDomain(domain) {
		flags = append(flags, FlagDisposableDomain)
	}
	if matchAny(smtpSpamtrapHints, smtpText) {
		flags = append(flags, FlagSMTPSpamtrapHint)
	}
	if matchAny(smtpSpamHints, smtpText) {
		flags = append(flags, FlagSMTPSpamHint)
	}
	if suspiciousLocalRe.MatchString(local) || leadingRepeatedRune(local, 7) {
		flags = append(flags, FlagSuspiciousFormat)
	}
	return flags
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}
