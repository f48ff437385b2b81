// Package storage holds the posting rules shared by every LedgerStore
// implementation: validating the deltas of an operation and turning them into
// ledger entries.
package storage

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

// SortedAccounts returns the lock set of op in the global lock order.
func SortedAccounts(op interfaces.Operation) []string {
	ids := op.LockAccounts()
	sort.Strings(ids)
	return ids
}

// ValidateOperation checks what can be checked before any lock is taken.
func ValidateOperation(op interfaces.Operation) error {
	if op.ReferenceID == "" {
		return fmt.Errorf("operation: reference id is required")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("operation %s: unknown kind %q", op.ReferenceID, op.Kind)
	}
	ids := op.LockAccounts()
	if len(ids) == 0 {
		return fmt.Errorf("operation %s: no accounts", op.ReferenceID)
	}
	for _, id := range ids {
		if id == "" {
			return models.ErrInvalidAccount
		}
	}
	if op.Plan == nil {
		return ValidateOps(op.ReferenceID, op.Ops, nil)
	}
	return nil
}

// ValidateOps enforces double entry: non-zero deltas summing to zero. When locked
// is non-nil every op must target a locked account.
func ValidateOps(referenceID string, ops []models.BalanceOp, locked map[string]bool) error {
	var sum int64
	for _, o := range ops {
		if o.AccountID == "" {
			return models.ErrInvalidAccount
		}
		if o.Delta == 0 {
			return fmt.Errorf("operation %s: zero delta for %s", referenceID, o.AccountID)
		}
		if locked != nil && !locked[o.AccountID] {
			return fmt.Errorf("operation %s: account %s is not locked", referenceID, o.AccountID)
		}
		sum += o.Delta
	}
	if sum != 0 {
		return fmt.Errorf("operation %s: deltas sum to %d, want 0", referenceID, sum)
	}
	return nil
}

// NextBalances applies ops to the current balances and rejects any result that
// would leave a non-overdraft account negative.
func NextBalances(current map[string]int64, ops []models.BalanceOp) (map[string]int64, error) {
	next := make(map[string]int64, len(current))
	for id, bal := range current {
		next[id] = bal
	}
	allowNegative := make(map[string]bool)
	for _, o := range ops {
		bal := next[o.AccountID]
		if o.Delta > 0 && bal > 0 && bal > math.MaxInt64-o.Delta {
			return nil, fmt.Errorf("balance overflow for %s", o.AccountID)
		}
		next[o.AccountID] = bal + o.Delta
		if o.AllowNegative {
			allowNegative[o.AccountID] = true
		}
	}
	for _, o := range ops {
		if next[o.AccountID] < 0 && !allowNegative[o.AccountID] {
			return nil, fmt.Errorf("account %s: balance %d, change %d: %w",
				o.AccountID, current[o.AccountID], next[o.AccountID]-current[o.AccountID], models.ErrInsufficientFunds)
		}
	}
	return next, nil
}

// BuildEntries turns validated ops into ledger entries sharing op's reference.
func BuildEntries(op interfaces.Operation, ops []models.BalanceOp, at time.Time) []models.LedgerEntry {
	entries := make([]models.LedgerEntry, 0, len(ops))
	for _, o := range ops {
		entries = append(entries, models.LedgerEntry{
			ID:                  uuid.NewString(),
			AccountID:           o.AccountID,
			Delta:               o.Delta,
			Kind:                op.Kind,
			ReferenceID:         op.ReferenceID,
			OriginalReferenceID: op.OriginalReferenceID,
			Description:         op.Description,
			CreatedAt:           at,
		})
	}
	return entries
}

// RefundCredit returns the credit a refund entry contributes to the bound of
// its original reference.
func RefundCredit(e models.LedgerEntry) int64 {
	if e.Kind == models.EntryKindRefund && e.OriginalReferenceID != "" && e.Delta > 0 {
		return e.Delta
	}
	return 0
}
