package verifier

import "regexp"

// BounceClass categorizes an SMTP rejection.
type BounceClass string

const (
	BounceHard      BounceClass = "hard"
	BounceSoft      BounceClass = "soft"
	BounceAcceptAll BounceClass = "accept_all"
	BounceUnknown   BounceClass = "unknown"
)

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile("(?i)"+p))
	}
	return out
}

// hardOverridePatterns name the mailbox itself as missing. They outrank the
// numeric code: "user unknown" is a hard bounce even on an ambiguous 4xx.
var hardOverridePatterns = compilePatterns([]string{
	`user unknown`,
	`unknown user`,
	`no such user`,
	`recipient not found`,
	`account does not exist`,
	`invalid recipient`,
	`recipient address rejected`,
	`no mailbox here`,
})

var hardBouncePatterns = compilePatterns([]string{
	`mailbox unavailable`,
	`address rejected`,
	`does not like recipient`,
	`5\.1\.\d`,
	`5\.2\.\d`,
	`550 permanent failure`,
})

var softBouncePatterns = compilePatterns([]string{
	`greylist`,
	`temporar(y|ily)`,
	`try again later`,
	`mailbox full`,
	`over quota`,
	`server busy`,
	`rate limited`,
	`resources temporarily unavailable`,
	`4\.2\.\d`,
	`4\.3\.\d`,
	`temporary failure`,
	`connection timed out`,
})

var acceptAllPatterns = compilePatterns([]string{
	`accept all`,
	`accepting all addresses`,
	`catch[- ]?all`,
	`undetermined users accepted`,
})

// Provider-specific rules observed in the wild.
var (
	gmailHardPatterns   = compilePatterns([]string{`550-5\.1\.1`, `gmail user not found`})
	outlookSoftPatterns = compilePatterns([]string{`421 4\.3\.2`, `service not available`})
	yahooTempPatterns   = compilePatterns([]string{`421 4\.7\.0`, `temporarily deferred`})
	zohoBlockPatterns   = compilePatterns([]string{`mail rejected .* zoho`, `not authorized to connect`})
)

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if text == "" {
		return false
	}
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// ClassifyBounce maps an SMTP response to a bounce class. Pass code 0 when
// no numeric code is available.
//
// Precedence: a hard-override phrase ("user unknown" and friends) wins over
// everything, then the numeric code (5xx hard, 4xx soft), then provider
// rules, accept-all heuristics and the generic phrase tables.
func ClassifyBounce(code int, text string) BounceClass {
	if matchAny(hardOverridePatterns, text) {
		return BounceHard
	}

	if code >= 500 && code < 600 {
		return BounceHard
	}
	if code >= 400 && code < 500 {
		return BounceSoft
	}

	if matchAny(gmailHardPatterns, text) || matchAny(zohoBlockPatterns, text) {
		return BounceHard
	}
	if matchAny(outlookSoftPatterns, text) || matchAny(yahooTempPatterns, text) {
		return BounceSoft
	}

	if matchAny(acceptAllPatterns, text) {
		return BounceAcceptAll
	}
	if matchAny(hardBouncePatterns, text) {
		return BounceHard
	}
	if matchAny(softBouncePatterns, text) {
		return BounceSoft
	}

	return BounceUnknown
}
