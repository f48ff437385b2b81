package models

import (
	"strings"
	"time"
)

const systemAccountPrefix = "system:"

// Pseudo-accounts owned by the platform. They take the other side of charges and
// grants so every operation stays double-entry.
const (
	RevenueAccountID  = systemAccountPrefix + "revenue"
	TreasuryAccountID = systemAccountPrefix + "treasury"
)

// Account holds the committed coin balance of one user.
type Account struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"` // smallest coin unit, never negative for users
	Version   int64     `json:"version" db:"version"` // bumped on every committed change
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsSystemAccount reports whether id names a platform pseudo-account.
func IsSystemAccount(id string) bool {
	return strings.HasPrefix(id, systemAccountPrefix)
}
