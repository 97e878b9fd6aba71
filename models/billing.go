package models

import (
	"time"

	"gorm.io/gorm"
)

// CreditReservation is a locked, not-yet-settled claim against a user or
// team balance. Exactly one of UserID/TeamID is set. A reservation is
// terminated exactly once: captured (charged), released (no charge), or
// released by the expiry sweep.
type CreditReservation struct {
	gorm.Model
	UserID *uint `gorm:"index" json:"user_id,omitempty"`
	TeamID *uint `gorm:"index" json:"team_id,omitempty"`

	Amount int64  `gorm:"not null" json:"amount"`
	JobID  string `gorm:"size:128;index" json:"job_id,omitempty"`

	// Locked reservations count against the owner's available balance.
	// Capture and release both re-check locked=true before mutating, so a
	// reservation can never be settled twice.
	Locked    bool       `gorm:"not null;default:true;index" json:"locked"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	Reference string     `gorm:"size:255" json:"reference,omitempty"`

	// Relations
	User *User `json:"-"`
	Team *Team `json:"-"`
}

// CreditTransaction is an immutable ledger row for a user pool. Amount is
// signed: positive for top-ups and refunds, negative for charges.
// BalanceAfter equals the user's balance immediately before this row plus
// Amount; rows are append-only and never updated or deleted.
type CreditTransaction struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Amount       int64  `gorm:"not null" json:"amount"`
	BalanceAfter int64  `gorm:"not null" json:"balance_after"`
	Type         string `gorm:"size:50;not null" json:"type"` // top_up, charge, refund
	Reference    string `gorm:"size:255" json:"reference,omitempty"`

	// Relations
	User User `json:"-"`
}

// TeamCreditTransaction is the team-pool twin of CreditTransaction with
// identical semantics.
type TeamCreditTransaction struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	Amount       int64  `gorm:"not null" json:"amount"`
	BalanceAfter int64  `gorm:"not null" json:"balance_after"`
	Type         string `gorm:"size:50;not null" json:"type"`
	Reference    string `gorm:"size:255" json:"reference,omitempty"`

	// Relations
	Team Team `json:"-"`
}
