package events

import "time"

// Topics events are published on.
const (
	TopicTransactionCompleted = "transaction_completed"
	TopicSessionSettled       = "session_settled"
)

// TransactionCompleted is emitted after a ledger operation commits.
type TransactionCompleted struct {
	ReferenceID         string           `json:"reference_id"`
	Kind                string           `json:"kind"`
	OriginalReferenceID string           `json:"original_reference_id,omitempty"`
	Deltas              map[string]int64 `json:"deltas"`
	Amount              int64            `json:"amount"`
	OccurredAt          time.Time        `json:"occurred_at"`
}

// Key is the partitioning key for the event.
func (e TransactionCompleted) Key() string { return e.ReferenceID }
