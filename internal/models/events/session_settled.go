package events

import "time"

// SessionSettled is emitted once a terminal session's charge is final. A
// non-zero UncollectableAmount needs manual reconciliation.
type SessionSettled struct {
	SessionID           string    `json:"session_id"`
	InitiatorID         string    `json:"initiator_id"`
	CounterpartyID      string    `json:"counterparty_id"`
	State               string    `json:"state"`
	EndReason           string    `json:"end_reason"`
	ComputedCost        int64     `json:"computed_cost"`
	AccruedCost         int64     `json:"accrued_cost"`
	UncollectableAmount int64     `json:"uncollectable_amount"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// Key is the partitioning key for the event.
func (e SessionSettled) Key() string { return e.SessionID }
