package models

import "gorm.io/gorm"

// Team represents a shared credit pool with the same ledger semantics as an
// individual user pool.
type Team struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Cached credit balance, mirroring the newest team transaction's
	// balance_after. See User.Credits.
	Credits int64 `gorm:"not null;default:0" json:"credits"`

	// Relations
	Members      []TeamMember            `gorm:"foreignKey:TeamID" json:"members,omitempty"`
	Transactions []TeamCreditTransaction `gorm:"foreignKey:TeamID" json:"-"`
	Reservations []CreditReservation     `gorm:"foreignKey:TeamID" json:"-"`
}

// TeamMember links users to teams and their roles.
type TeamMember struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`
	UserID uint `gorm:"not null;index" json:"user_id"`

	Role string `gorm:"default:'member'" json:"role"` // owner, admin, member

	// Relations
	Team Team `json:"-"`
	User User `json:"-"`
}
