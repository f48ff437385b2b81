package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/metrics"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models/events"
	"github.com/sirupsen/logrus"
)

// Ledger is the transfer engine. Every balance change goes through the store's
// ApplyAtomic as one double-entry operation keyed by a reference id, so a
// retried call is applied at most once.
type Ledger struct {
	store     interfaces.LedgerStore
	publisher interfaces.EventPublisher
	log       logrus.FieldLogger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sets where committed operations are announced.
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLedger creates a Ledger on top of a storage implementation.
func NewLedger(store interfaces.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TransferRequest moves coins between two users.
type TransferRequest struct {
	FromAccount string
	ToAccount   string
	Amount      int64
	ReferenceID string // idempotency key; generated when empty
	Description string
}

// Transfer debits FromAccount and credits ToAccount by Amount.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (models.CommitResult, error) {
	if req.Amount <= 0 {
		return models.CommitResult{}, models.ErrInvalidAmount
	}
	if req.FromAccount == "" || req.ToAccount == "" {
		return models.CommitResult{}, models.ErrInvalidAccount
	}
	if req.FromAccount == req.ToAccount {
		return models.CommitResult{}, models.ErrSameAccount
	}

	return l.post(ctx, interfaces.Operation{
		ReferenceID: referenceOrNew(req.ReferenceID),
		Kind:        models.EntryKindTransfer,
		Description: req.Description,
		Ops: []models.BalanceOp{
			{AccountID: req.FromAccount, Delta: -req.Amount},
			{AccountID: req.ToAccount, Delta: req.Amount},
		},
	})
}

// Charge debits accountID by amount into the revenue account. It fails with
// models.ErrInsufficientFunds rather than charging partially.
func (l *Ledger) Charge(ctx context.Context, accountID string, amount int64, referenceID string) (models.CommitResult, error) {
	if err := validateCharge(accountID, amount); err != nil {
		return models.CommitResult{}, err
	}

	return l.post(ctx, interfaces.Operation{
		ReferenceID: referenceOrNew(referenceID),
		Kind:        models.EntryKindSessionCharge,
		Ops: []models.BalanceOp{
			{AccountID: accountID, Delta: -amount},
			{AccountID: models.RevenueAccountID, Delta: amount},
		},
	})
}

// ChargeResult reports how much of a requested charge was collected.
type ChargeResult struct {
	Result    models.CommitResult
	Requested int64
	Charged   int64
	Shortfall int64
}

// ChargeUpTo charges at most amount, capped at the balance accountID holds once
// its lock is taken. The uncharged remainder is returned as Shortfall. A replay
// reports what the first call charged.
func (l *Ledger) ChargeUpTo(ctx context.Context, accountID string, amount int64, referenceID string) (ChargeResult, error) {
	if amount == 0 {
		return ChargeResult{}, nil
	}
	if err := validateCharge(accountID, amount); err != nil {
		return ChargeResult{}, err
	}

	result, err := l.post(ctx, interfaces.Operation{
		ReferenceID: referenceOrNew(referenceID),
		Kind:        models.EntryKindSessionCharge,
		Accounts:    []string{accountID, models.RevenueAccountID},
		Plan: func(_ context.Context, view interfaces.LockedView) ([]models.BalanceOp, error) {
			balance, _ := view.Balance(accountID)
			charge := amount
			if balance < charge {
				charge = balance
			}
			if charge <= 0 {
				return nil, nil
			}
			return []models.BalanceOp{
				{AccountID: accountID, Delta: -charge},
				{AccountID: models.RevenueAccountID, Delta: charge},
			}, nil
		},
	})
	if err != nil {
		return ChargeResult{}, err
	}

	charged := -result.DeltaFor(accountID)
	shortfall := amount - charged
	if shortfall < 0 {
		shortfall = 0
	}
	return ChargeResult{Result: result, Requested: amount, Charged: charged, Shortfall: shortfall}, nil
}

func validateCharge(accountID string, amount int64) error {
	if amount <= 0 {
		return models.ErrInvalidAmount
	}
	if accountID == "" {
		return models.ErrInvalidAccount
	}
	if models.IsSystemAccount(accountID) {
		return fmt.Errorf("%s is a system account: %w", accountID, models.ErrInvalidAccount)
	}
	return nil
}

// RefundRequest returns part or all of an earlier transfer or charge.
type RefundRequest struct {
	OriginalReferenceID string
	Amount              int64
	ReferenceID         string // idempotency key of the refund itself
	Reason              string
}

// Refund credits the account debited by the original operation and debits the
// account it credited. Cumulative refunds never exceed the original amount.
func (l *Ledger) Refund(ctx context.Context, req RefundRequest) (models.CommitResult, error) {
	if req.Amount <= 0 {
		return models.CommitResult{}, models.ErrInvalidAmount
	}
	if req.OriginalReferenceID == "" {
		return models.CommitResult{}, models.ErrReferenceNotFound
	}

	original, err := l.store.GetEntriesByReference(ctx, req.OriginalReferenceID)
	if err != nil {
		return models.CommitResult{}, err
	}
	payer, payee, originalAmount, err := refundParties(req.OriginalReferenceID, original)
	if err != nil {
		return models.CommitResult{}, err
	}
	if req.Amount > originalAmount {
		return models.CommitResult{}, fmt.Errorf("refund %d of %d: %w", req.Amount, originalAmount, models.ErrRefundExceedsOriginal)
	}

	return l.post(ctx, interfaces.Operation{
		ReferenceID:         referenceOrNew(req.ReferenceID),
		Kind:                models.EntryKindRefund,
		OriginalReferenceID: req.OriginalReferenceID,
		Description:         req.Reason,
		Accounts:            []string{payer, payee},
		Plan: func(ctx context.Context, view interfaces.LockedView) ([]models.BalanceOp, error) {
			refunded, err := view.RefundedAmount(ctx, req.OriginalReferenceID)
			if err != nil {
				return nil, err
			}
			if refunded+req.Amount > originalAmount {
				return nil, fmt.Errorf("refund %d after %d already refunded of %d: %w",
					req.Amount, refunded, originalAmount, models.ErrRefundExceedsOriginal)
			}
			return []models.BalanceOp{
				{AccountID: payer, Delta: req.Amount},
				{AccountID: payee, Delta: -req.Amount},
			}, nil
		},
	})
}

// refundParties finds who paid and who received in a refundable operation.
func refundParties(referenceID string, entries []models.LedgerEntry) (payer, payee string, amount int64, err error) {
	if len(entries) == 0 {
		return "", "", 0, fmt.Errorf("reference %s: %w", referenceID, models.ErrReferenceNotFound)
	}
	kind := entries[0].Kind
	if kind != models.EntryKindTransfer && kind != models.EntryKindSessionCharge {
		return "", "", 0, fmt.Errorf("%s operation %s: %w", kind, referenceID, models.ErrNotRefundable)
	}
	for _, e := range entries {
		switch {
		case e.Delta < 0:
			payer = e.AccountID
			amount = -e.Delta
		case e.Delta > 0:
			payee = e.AccountID
		}
	}
	if payer == "" || payee == "" {
		return "", "", 0, fmt.Errorf("reference %s is not a two-sided operation: %w", referenceID, models.ErrNotRefundable)
	}
	return payer, payee, amount, nil
}

// Grant issues coins to accountID from the treasury.
func (l *Ledger) Grant(ctx context.Context, accountID string, amount int64, referenceID, description string) (models.CommitResult, error) {
	if err := validateCharge(accountID, amount); err != nil {
		return models.CommitResult{}, err
	}

	return l.post(ctx, interfaces.Operation{
		ReferenceID: referenceOrNew(referenceID),
		Kind:        models.EntryKindGrant,
		Description: description,
		Ops: []models.BalanceOp{
			{AccountID: models.TreasuryAccountID, Delta: -amount, AllowNegative: true},
			{AccountID: accountID, Delta: amount},
		},
	})
}

// GetBalance returns the committed balance; accounts without history hold 0.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// post submits op to the store and handles the bookkeeping around it.
func (l *Ledger) post(ctx context.Context, op interfaces.Operation) (models.CommitResult, error) {
	start := time.Now()
	log := l.log.WithFields(logrus.Fields{
		"reference_id": op.ReferenceID,
		"kind":         op.Kind,
	})

	if models.IsSessionChargeReference(op.ReferenceID) && op.Kind != models.EntryKindSessionCharge {
		return models.CommitResult{}, fmt.Errorf("%s reference %s: %w", op.Kind, op.ReferenceID, models.ErrInvalidReference)
	}

	result, err := l.store.ApplyAtomic(ctx, op)
	if err != nil {
		metrics.RecordLedgerOperation(string(op.Kind), outcome(err), time.Since(start))
		if models.IsRetryable(err) {
			log.WithError(err).Warn("ledger operation not applied, safe to retry")
		} else {
			log.WithError(err).Debug("ledger operation rejected")
		}
		return models.CommitResult{}, err
	}

	if result.Replayed {
		metrics.RecordLedgerOperation(string(op.Kind), "replayed", time.Since(start))
		if result.Kind != op.Kind {
			return models.CommitResult{}, fmt.Errorf("reference %s is a %s: %w", op.ReferenceID, result.Kind, models.ErrDuplicateReference)
		}
		if !sameOperation(op, result) {
			return models.CommitResult{}, fmt.Errorf("reference %s was committed with other accounts or amounts: %w", op.ReferenceID, models.ErrDuplicateReference)
		}
		log.Debug("ledger operation replayed")
		return result, nil
	}

	metrics.RecordLedgerOperation(string(op.Kind), "committed", time.Since(start))
	if len(result.Entries) == 0 {
		return result, nil
	}
	log.WithField("amount", result.Amount()).Info("ledger operation committed")
	l.announce(ctx, op, result)
	return result, nil
}

// sameOperation reports whether a replayed result could have come from op.
// Fixed operations must match delta for delta; planned ones may only have
// touched the accounts op locks.
func sameOperation(op interfaces.Operation, result models.CommitResult) bool {
	if op.Plan != nil {
		allowed := make(map[string]bool, len(op.Accounts))
		for _, id := range op.Accounts {
			allowed[id] = true
		}
		for _, e := range result.Entries {
			if !allowed[e.AccountID] || e.OriginalReferenceID != op.OriginalReferenceID {
				return false
			}
		}
		return true
	}

	want := make(map[string]int64, len(op.Ops))
	for _, o := range op.Ops {
		want[o.AccountID] += o.Delta
	}
	got := make(map[string]int64, len(result.Entries))
	for _, e := range result.Entries {
		got[e.AccountID] += e.Delta
	}
	if len(got) != len(want) {
		return false
	}
	for id, delta := range want {
		if got[id] != delta {
			return false
		}
	}
	return true
}

// announce publishes a committed operation. The commit stands even when the
// broker is unavailable.
func (l *Ledger) announce(ctx context.Context, op interfaces.Operation, result models.CommitResult) {
	if l.publisher == nil {
		return
	}
	deltas := make(map[string]int64, len(result.Entries))
	for _, e := range result.Entries {
		deltas[e.AccountID] += e.Delta
	}
	event := events.TransactionCompleted{
		ReferenceID:         result.ReferenceID,
		Kind:                string(result.Kind),
		OriginalReferenceID: op.OriginalReferenceID,
		Deltas:              deltas,
		Amount:              result.Amount(),
		OccurredAt:          result.CommittedAt,
	}
	if err := l.publisher.Publish(ctx, events.TopicTransactionCompleted, event); err != nil {
		l.log.WithError(err).WithField("reference_id", result.ReferenceID).Error("publish transaction_completed")
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrTimeout):
		return "timeout"
	case errors.Is(err, models.ErrRefundExceedsOriginal):
		return "refund_exceeds_original"
	default:
		return "error"
	}
}

func referenceOrNew(referenceID string) string {
	if referenceID != "" {
		return referenceID
	}
	return uuid.NewString()
}
