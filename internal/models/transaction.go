package models

import "time"

// BalanceOp is one signed balance change requested as part of an atomic operation.
type BalanceOp struct {
	AccountID string
	Delta     int64
	// AllowNegative lets the account end below zero. Only the treasury uses it.
	AllowNegative bool
}

// CommitResult describes a committed (or replayed) atomic operation.
type CommitResult struct {
	ReferenceID string           `json:"reference_id"`
	Kind        EntryKind        `json:"kind"`
	Entries     []LedgerEntry    `json:"entries"`
	Versions    map[string]int64 `json:"versions,omitempty"` // account versions after the commit
	Balances    map[string]int64 `json:"balances,omitempty"` // account balances after the commit
	Replayed    bool             `json:"replayed"`           // true when the reference was already committed
	CommittedAt time.Time        `json:"committed_at"`
}

// Amount returns the total credited by the operation, i.e. the sum of its
// positive deltas.
func (r CommitResult) Amount() int64 {
	var total int64
	for _, e := range r.Entries {
		if e.Delta > 0 {
			total += e.Delta
		}
	}
	return total
}

// DeltaFor returns the net change the operation applied to accountID.
func (r CommitResult) DeltaFor(accountID string) int64 {
	var total int64
	for _, e := range r.Entries {
		if e.AccountID == accountID {
			total += e.Delta
		}
	}
	return total
}
