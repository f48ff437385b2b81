package interfaces

import (
	"context"

	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

// LedgerStore owns accounts and the append-only entry log.
type LedgerStore interface {
	// GetAccount returns models.ErrAccountNotFound when the user never had a
	// balance-affecting event.
	GetAccount(ctx context.Context, userID string) (models.Account, error)

	// ApplyAtomic applies every delta of op or none of them. Account locks are
	// taken in ascending id order and bounded by the store's lock timeout. A
	// plan that yields no deltas still commits op. A replay returns the entries,
	// balances and versions of the first commit.
	ApplyAtomic(ctx context.Context, op Operation) (models.CommitResult, error)

	GetEntriesByReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error)
	GetEntriesByAccount(ctx context.Context, accountID string, filter models.EntryFilter) ([]models.LedgerEntry, error)
	SumEntries(ctx context.Context, accountID string) (int64, error)
	GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error)
}

// Operation is one logical balance-changing event.
type Operation struct {
	ReferenceID         string // idempotency token; committed at most once
	Kind                models.EntryKind
	OriginalReferenceID string // refunds only
	Description         string

	// Ops are the deltas to apply. They are ignored when Plan is set.
	Ops []models.BalanceOp

	// Accounts lists the accounts to lock before Plan runs.
	Accounts []string

	// Plan computes the deltas while the account locks are held, so it sees
	// post-lock balances. It may only touch accounts listed in Accounts.
	Plan func(ctx context.Context, view LockedView) ([]models.BalanceOp, error)

	// ExpectedVersions, when set, must match the locked account versions or the
	// operation fails with models.ErrConflict.
	ExpectedVersions map[string]int64
}

// LockAccounts returns the deduplicated set of accounts the operation locks.
func (op Operation) LockAccounts() []string {
	seen := make(map[string]struct{}, len(op.Accounts)+len(op.Ops))
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range op.Accounts {
		add(id)
	}
	if op.Plan == nil {
		for _, o := range op.Ops {
			add(o.AccountID)
		}
	}
	return ids
}

// LockedView is the read access a Plan gets while locks are held.
type LockedView interface {
	// Balance returns the post-lock balance of a locked account.
	Balance(accountID string) (int64, bool)
	// RefundedAmount sums the refund credits already committed against an
	// original reference.
	RefundedAmount(ctx context.Context, originalReferenceID string) (int64, error)
}
