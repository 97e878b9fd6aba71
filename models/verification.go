package models

import (
	"time"

	"gorm.io/gorm"
)

// BulkJob tracks a bulk verification run. Reservations, results and
// progress events are correlated through JobID.
type BulkJob struct {
	gorm.Model
	JobID  string `gorm:"size:128;not null;uniqueIndex" json:"job_id"`
	UserID *uint  `gorm:"index" json:"user_id,omitempty"`
	TeamID *uint  `gorm:"index" json:"team_id,omitempty"`

	Status       string     `gorm:"size:32;default:'queued';index" json:"status"` // queued, running, finished, failed
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Deduplicated input addresses, newline separated. Kept so a crashed
	// job can be inspected or resubmitted.
	Emails string `gorm:"type:text" json:"-"`

	Total     int `gorm:"default:0" json:"total"`
	Processed int `gorm:"default:0" json:"processed"`
	Valid     int `gorm:"default:0" json:"valid"`
	Invalid   int `gorm:"default:0" json:"invalid"`

	// Relations
	Results []VerificationResult `gorm:"foreignKey:JobID;references:JobID" json:"results,omitempty"`
}

// VerificationResult stores one verified address for audit and caching,
// keyed by lowercased email.
type VerificationResult struct {
	gorm.Model
	UserID *uint  `gorm:"index" json:"user_id,omitempty"`
	JobID  string `gorm:"size:128;index" json:"job_id,omitempty"`

	Email     string `gorm:"not null;index" json:"email"`
	Status    string `gorm:"size:32;not null" json:"status"` // valid, risky, invalid, unknown
	RiskScore int    `gorm:"not null;default:50" json:"risk_score"`
	RiskLevel string `gorm:"size:32" json:"risk_level"`

	BounceClass     string `gorm:"size:32" json:"bounce_class,omitempty"`
	SuggestedAction string `gorm:"size:32" json:"suggested_action,omitempty"`

	// Raw outcome JSON (attempts, spam flags, reputation) for debugging.
	Raw string `gorm:"type:text" json:"raw,omitempty"`
}
