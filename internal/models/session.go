package models

import "time"

// SessionState is the lifecycle position of a paid session.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionAccepted  SessionState = "accepted"
	SessionActive    SessionState = "active"
	SessionEnded     SessionState = "ended"
	SessionCancelled SessionState = "cancelled"
	SessionRejected  SessionState = "rejected"
)

// Terminal reports whether no further transition is possible from s.
func (s SessionState) Terminal() bool {
	return s == SessionEnded || s == SessionCancelled || s == SessionRejected
}

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case SessionPending, SessionAccepted, SessionActive, SessionEnded, SessionCancelled, SessionRejected:
		return true
	}
	return false
}

// Reasons recorded on terminal sessions.
const (
	EndReasonCompleted = "completed"
	EndReasonCancelled = "cancelled"
	EndReasonRejected  = "rejected"
	EndReasonExpired   = "expired"
)

// Session is one requested, active, or finished paid interaction between an
// initiator (who pays) and a counterparty.
type Session struct {
	ID             string       `json:"id" db:"id"`
	InitiatorID    string       `json:"initiator_id" db:"initiator_id"`
	CounterpartyID string       `json:"counterparty_id" db:"counterparty_id"`
	State          SessionState `json:"state" db:"state"`
	RatePerMinute  int64        `json:"rate_per_minute" db:"rate_per_minute"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time    `json:"expires_at" db:"expires_at"` // pending requests are rejected after this
	AcceptedAt     *time.Time   `json:"accepted_at,omitempty" db:"accepted_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty" db:"started_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty" db:"ended_at"`

	// Billing. ComputedCost is fixed by the terminal transition; AccruedCost and
	// UncollectableAmount are written once by settlement.
	ComputedCost        int64   `json:"computed_cost" db:"computed_cost"`
	AccruedCost         int64   `json:"accrued_cost" db:"accrued_cost"`
	UncollectableAmount int64   `json:"uncollectable_amount" db:"uncollectable_amount"`
	ChargeReferenceID   *string `json:"charge_reference_id,omitempty" db:"charge_reference_id"`
	Settled             bool    `json:"settled" db:"settled"`

	EndReason string    `json:"end_reason,omitempty" db:"end_reason"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsParticipant reports whether userID is the initiator or the counterparty.
func (s Session) IsParticipant(userID string) bool {
	return userID != "" && (s.InitiatorID == userID || s.CounterpartyID == userID)
}

// NeedsSettlement reports whether the session reached a terminal state but its
// charge has not been finalized.
func (s Session) NeedsSettlement() bool {
	return s.State.Terminal() && !s.Settled
}
