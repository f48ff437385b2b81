package models

import "time"

// EntryKind classifies the logical event that produced a ledger entry.
type EntryKind string

const (
	EntryKindTransfer      EntryKind = "transfer"
	EntryKindSessionCharge EntryKind = "session_charge"
	EntryKindRefund        EntryKind = "refund"
	EntryKindGrant         EntryKind = "grant"
)

// Valid reports whether k is one of the known entry kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryKindTransfer, EntryKindSessionCharge, EntryKindRefund, EntryKindGrant:
		return true
	}
	return false
}

// LedgerEntry represents a single immutable balance change of one account.
// Entries are only ever appended; the entries of one committed operation share
// a ReferenceID and their deltas sum to zero.
type LedgerEntry struct {
	ID                  string    `json:"id" db:"id"`                                                 // unique identifier
	AccountID           string    `json:"account_id" db:"account_id"`                                 // account whose balance changed
	Delta               int64     `json:"delta" db:"delta"`                                           // signed amount in coins
	Kind                EntryKind `json:"kind" db:"kind"`                                             // transfer, session_charge, refund, grant
	ReferenceID         string    `json:"reference_id" db:"reference_id"`                             // idempotency token of the operation
	OriginalReferenceID string    `json:"original_reference_id,omitempty" db:"original_reference_id"` // refunded operation
	Description         string    `json:"description,omitempty" db:"description"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}
