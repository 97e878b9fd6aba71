package models

import "gorm.io/gorm"

// User owns an individual verification credit pool. The Credits column is a
// cache of the latest CreditTransaction.BalanceAfter for this user; the
// transaction ledger is the source of truth.
type User struct {
	gorm.Model
	Email string `gorm:"not null;uniqueIndex" json:"email"`
	Name  string `json:"name"`

	// Cached credit balance. Mutated only by the credit ledger under a
	// row lock; must always equal the newest transaction's balance_after.
	Credits int64 `gorm:"not null;default:0" json:"credits"`

	TeamID *uint `gorm:"index" json:"team_id,omitempty"`

	// Relations
	Team         *Team               `json:"team,omitempty"`
	Transactions []CreditTransaction `gorm:"foreignKey:UserID" json:"-"`
	Reservations []CreditReservation `gorm:"foreignKey:UserID" json:"-"`
}
