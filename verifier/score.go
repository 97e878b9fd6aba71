package verifier

// Verification statuses.
const (
	StatusValid   = "valid"
	StatusRisky   = "risky"
	StatusInvalid = "invalid"
	StatusUnknown = "unknown"
)

// Risk levels.
const (
	LevelExcellent = "excellent"
	LevelGood      = "good"
	LevelWarning   = "warning"
	LevelDangerous = "dangerous"
	LevelToxic     = "toxic"
)

const (
	baseScore         = 50
	validBonus        = 40
	hardRejectPenalty = 45
	greylistPenalty   = 15
	disposablePenalty = 25
	rolePenalty       = 10
	bounceHardWeight  = 30
	bounceSoftWeight  = 10
	bounceCatchWeight = 15
)

// RiskScore is the scored verdict for one address.
type RiskScore struct {
	Status    string `json:"status"`
	RiskScore int    `json:"risk_score"`
	RiskLevel string `json:"risk_level"`
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func statusFor(score int) string {
	switch {
	case score >= 90:
		return StatusInvalid
	case score >= 70:
		return StatusRisky
	case score <= 25:
		return StatusValid
	default:
		return StatusUnknown
	}
}

func levelFor(score int) string {
	switch {
	case score <= 20:
		return LevelExcellent
	case score <= 40:
		return LevelGood
	case score <= 70:
		return LevelWarning
	case score <= 90:
		return LevelDangerous
	default:
		return LevelToxic
	}
}

// Score turns a probe result and reputation inputs into a risk verdict.
//
// The scale runs 0 (certainly deliverable) to 100 (certainly not). Scoring
// starts at a neutral 50 and accumulates adjustments in a fixed order so the
// same inputs always produce the same verdict. A spamtrap or known-bad
// domain short-circuits to 100 regardless of what the SMTP probe said.
// domainRep and ipRep are 0..100 with 50 meaning neutral.
func Score(probe *ProbeResult, domainRep, ipRep int) RiskScore {
	score := baseScore

	code := probe.FinalRcptCode
	switch {
	case code >= 200 && code < 300:
		score -= validBonus
	case code >= 500 && code < 600:
		score += hardRejectPenalty
	case code == 450 || code == 451:
		score += greylistPenalty
	}

	if hasFlag(probe.SpamFlags, FlagSpamtrapDomain) || hasFlag(probe.SpamFlags, FlagSMTPSpamtrapHint) {
		return RiskScore{Status: StatusInvalid, RiskScore: 100, RiskLevel: LevelToxic}
	}

	if hasFlag(probe.SpamFlags, FlagDisposableDomain) {
		score += disposablePenalty
	}
	if hasFlag(probe.SpamFlags, FlagRoleAccount) {
		score += rolePenalty
	}

	switch probe.BounceClass {
	case BounceHard:
		score += bounceHardWeight
	case BounceSoft:
		score += bounceSoftWeight
	case BounceAcceptAll:
		score += bounceCatchWeight
	}

	// Blend sender-side reputation: 60% domain, 40% MX IP. Reputation above
	// neutral pulls the risk down, below neutral pushes it up, at most ±20.
	combined := float64(domainRep)*0.6 + float64(ipRep)*0.4
	score -= int((combined - 50.0) * 20.0 / 50.0)

	score = clampScore(score)
	return RiskScore{Status: statusFor(score), RiskScore: score, RiskLevel: levelFor(score)}
}
