package ledger

import (
	"context"
	"errors"

	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

// Reconciliation compares a stored balance with the sum of its entries.
type Reconciliation struct {
	AccountID     string `json:"account_id"`
	StoredBalance int64  `json:"stored_balance"`
	EntriesTotal  int64  `json:"entries_total"`
	Consistent    bool   `json:"consistent"`
}

// Reconcile rebuilds accountID's balance from the append-only log.
func (l *Ledger) Reconcile(ctx context.Context, accountID string) (Reconciliation, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil && !errors.Is(err, models.ErrAccountNotFound) {
		return Reconciliation{}, err
	}
	total, err := l.store.SumEntries(ctx, accountID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		AccountID:     accountID,
		StoredBalance: acct.Balance,
		EntriesTotal:  total,
		Consistent:    acct.Balance == total,
	}, nil
}

// AuditReport summarizes a full scan of the log.
type AuditReport struct {
	Entries              int      `json:"entries"`
	Operations           int      `json:"operations"`
	NetTotal             int64    `json:"net_total"`             // zero when every operation balanced
	UnbalancedReferences []string `json:"unbalanced_references"` // operations whose deltas do not sum to zero
}

// Audit checks the double-entry invariant across every committed operation.
func (l *Ledger) Audit(ctx context.Context) (AuditReport, error) {
	entries, err := l.store.GetLedgerEntries(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	sums := make(map[string]int64)
	order := make([]string, 0)
	report := AuditReport{Entries: len(entries), UnbalancedReferences: []string{}}
	for _, e := range entries {
		if _, seen := sums[e.ReferenceID]; !seen {
			order = append(order, e.ReferenceID)
		}
		sums[e.ReferenceID] += e.Delta
		report.NetTotal += e.Delta
	}
	report.Operations = len(order)
	for _, ref := range order {
		if sums[ref] != 0 {
			report.UnbalancedReferences = append(report.UnbalancedReferences, ref)
		}
	}
	return report, nil
}
