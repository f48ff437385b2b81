package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models/events"
	"github.com/sheikh-saqib/coins-ledger-system/internal/storage/memory"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.events...)
}

func newTestLedger(t *testing.T) (*Ledger, *memory.MemoryLedgerStore, *recordingPublisher) {
	t.Helper()
	store := memory.NewMemoryLedgerStore()
	pub := &recordingPublisher{}
	logger, _ := test.NewNullLogger()
	return NewLedger(store, WithPublisher(pub), WithLogger(logger)), store, pub
}

func grant(t *testing.T, l *Ledger, account string, amount int64) {
	t.Helper()
	_, err := l.Grant(context.Background(), account, amount, "grant-"+account, "welcome bonus")
	require.NoError(t, err)
}

func balance(t *testing.T, l *Ledger, account string) int64 {
	t.Helper()
	b, err := l.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func TestTransferValidation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  TransferRequest
		want error
	}{
		{"zero amount", TransferRequest{FromAccount: "a", ToAccount: "b", Amount: 0}, models.ErrInvalidAmount},
		{"negative amount", TransferRequest{FromAccount: "a", ToAccount: "b", Amount: -3}, models.ErrInvalidAmount},
		{"same account", TransferRequest{FromAccount: "a", ToAccount: "a", Amount: 1}, models.ErrSameAccount},
		{"missing account", TransferRequest{FromAccount: "", ToAccount: "b", Amount: 1}, models.ErrInvalidAccount},
		{"unfunded", TransferRequest{FromAccount: "a", ToAccount: "b", Amount: 1}, models.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Transfer(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTransferIsIdempotent(t *testing.T) {
	l, store, pub := newTestLedger(t)
	grant(t, l, "alice", 10)

	req := TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 4, ReferenceID: "tip-1", Description: "nice profile"}
	first, err := l.Transfer(context.Background(), req)
	require.NoError(t, err)
	second, err := l.Transfer(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, int64(6), balance(t, l, "alice"))
	assert.Equal(t, int64(4), balance(t, l, "bob"))

	entries, err := store.GetEntriesByReference(context.Background(), "tip-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "nice profile", entries[0].Description)

	// grant + first transfer; the replay is not announced again.
	assert.Len(t, pub.published(), 2)
}

func TestTransferGeneratesReference(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 10)

	a, err := l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 1})
	require.NoError(t, err)
	b, err := l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ReferenceID)
	assert.NotEqual(t, a.ReferenceID, b.ReferenceID)
	assert.Equal(t, int64(8), balance(t, l, "alice"))
}

func TestReferenceReuseAcrossKindsIsRejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 10)

	_, err := l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 1, ReferenceID: "grant-alice"})
	assert.ErrorIs(t, err, models.ErrDuplicateReference)
	assert.Equal(t, int64(10), balance(t, l, "alice"))
}

func TestReplayOfDifferentOperationIsRejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 10)
	grant(t, l, "carol", 10)

	_, err := l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 4, ReferenceID: "tip-1"})
	require.NoError(t, err)

	_, err = l.Transfer(context.Background(), TransferRequest{FromAccount: "carol", ToAccount: "bob", Amount: 4, ReferenceID: "tip-1"})
	assert.ErrorIs(t, err, models.ErrDuplicateReference)
	_, err = l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 5, ReferenceID: "tip-1"})
	assert.ErrorIs(t, err, models.ErrDuplicateReference)

	assert.Equal(t, int64(6), balance(t, l, "alice"))
	assert.Equal(t, int64(10), balance(t, l, "carol"))
}

func TestSessionChargeReferencesAreReserved(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 10)
	ref := models.SessionChargeReference("s1")

	_, err := l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 1, ReferenceID: ref})
	assert.ErrorIs(t, err, models.ErrInvalidReference)
	_, err = l.Grant(context.Background(), "alice", 1, ref, "")
	assert.ErrorIs(t, err, models.ErrInvalidReference)

	res, err := l.ChargeUpTo(context.Background(), "alice", 4, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Charged)
	assert.Equal(t, int64(6), balance(t, l, "alice"))
}

func TestChargeIsAllOrNothing(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 3)

	_, err := l.Charge(context.Background(), "alice", 5, "c1")
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	assert.Equal(t, int64(3), balance(t, l, "alice"))

	_, err = l.Charge(context.Background(), "alice", 3, "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance(t, l, "alice"))
	assert.Equal(t, int64(3), balance(t, l, models.RevenueAccountID))
}

func TestChargeUpToCapsAtBalance(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 3)

	res, err := l.ChargeUpTo(context.Background(), "alice", 5, "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Requested)
	assert.Equal(t, int64(3), res.Charged)
	assert.Equal(t, int64(2), res.Shortfall)
	assert.Equal(t, int64(0), balance(t, l, "alice"))

	// A retry replays the first charge even though the balance changed since.
	_, err = l.Grant(context.Background(), "alice", 1, "topup", "")
	require.NoError(t, err)
	replay, err := l.ChargeUpTo(context.Background(), "alice", 5, "session-1")
	require.NoError(t, err)
	assert.True(t, replay.Result.Replayed)
	assert.Equal(t, int64(3), replay.Charged)
	assert.Equal(t, int64(1), balance(t, l, "alice"))
}

func TestChargeUpToEmptyWallet(t *testing.T) {
	l, store, _ := newTestLedger(t)

	res, err := l.ChargeUpTo(context.Background(), "alice", 5, "session-1")
	require.NoError(t, err)
	assert.Zero(t, res.Charged)
	assert.Equal(t, int64(5), res.Shortfall)

	entries, err := store.GetEntriesByReference(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The empty charge is committed, so a top-up does not turn a retry into a
	// real charge.
	_, err = l.Grant(context.Background(), "alice", 10, "topup", "")
	require.NoError(t, err)
	replay, err := l.ChargeUpTo(context.Background(), "alice", 5, "session-1")
	require.NoError(t, err)
	assert.True(t, replay.Result.Replayed)
	assert.Zero(t, replay.Charged)
	assert.Equal(t, int64(5), replay.Shortfall)
	assert.Equal(t, int64(10), balance(t, l, "alice"))

	zero, err := l.ChargeUpTo(context.Background(), "alice", 0, "session-2")
	require.NoError(t, err)
	assert.Zero(t, zero.Charged)
}

func TestChargeRejectsSystemAccounts(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.ChargeUpTo(context.Background(), models.TreasuryAccountID, 5, "x")
	assert.ErrorIs(t, err, models.ErrInvalidAccount)
	_, err = l.Grant(context.Background(), models.RevenueAccountID, 5, "y", "")
	assert.ErrorIs(t, err, models.ErrInvalidAccount)
}

func TestRefundReversesTransfer(t *testing.T) {
	l, store, _ := newTestLedger(t)
	grant(t, l, "alice", 10)
	_, err := l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 6, ReferenceID: "tip"})
	require.NoError(t, err)

	result, err := l.Refund(context.Background(), RefundRequest{OriginalReferenceID: "tip", Amount: 4, ReferenceID: "refund-1", Reason: "sent twice"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.DeltaFor("alice"))
	assert.Equal(t, int64(-4), result.DeltaFor("bob"))
	for _, e := range result.Entries {
		assert.Equal(t, models.EntryKindRefund, e.Kind)
		assert.Equal(t, "tip", e.OriginalReferenceID)
		assert.Equal(t, "sent twice", e.Description)
	}
	assert.Equal(t, int64(8), balance(t, l, "alice"))
	assert.Equal(t, int64(2), balance(t, l, "bob"))

	// Cumulative refunds are bounded by the original amount.
	_, err = l.Refund(context.Background(), RefundRequest{OriginalReferenceID: "tip", Amount: 3, ReferenceID: "refund-2"})
	assert.ErrorIs(t, err, models.ErrRefundExceedsOriginal)
	assert.Equal(t, int64(8), balance(t, l, "alice"))
	assert.Equal(t, int64(2), balance(t, l, "bob"))

	entries, err := store.GetEntriesByReference(context.Background(), "refund-2")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = l.Refund(context.Background(), RefundRequest{OriginalReferenceID: "tip", Amount: 2, ReferenceID: "refund-3"})
	assert.NoError(t, err)
}

func TestRefundErrors(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 10)
	ctx := context.Background()

	_, err := l.Refund(ctx, RefundRequest{OriginalReferenceID: "nope", Amount: 1})
	assert.ErrorIs(t, err, models.ErrReferenceNotFound)

	_, err = l.Refund(ctx, RefundRequest{OriginalReferenceID: "grant-alice", Amount: 1})
	assert.ErrorIs(t, err, models.ErrNotRefundable)

	_, err = l.Refund(ctx, RefundRequest{OriginalReferenceID: "grant-alice", Amount: 0})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = l.Transfer(ctx, TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 5, ReferenceID: "tip"})
	require.NoError(t, err)
	_, err = l.Refund(ctx, RefundRequest{OriginalReferenceID: "tip", Amount: 6})
	assert.ErrorIs(t, err, models.ErrRefundExceedsOriginal)

	// bob spent the coins, so the refund cannot be taken back from him.
	_, err = l.Transfer(ctx, TransferRequest{FromAccount: "bob", ToAccount: "carol", Amount: 5})
	require.NoError(t, err)
	_, err = l.Refund(ctx, RefundRequest{OriginalReferenceID: "tip", Amount: 5})
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
}

func TestConcurrentRefundsRespectBound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 100)
	_, err := l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 10, ReferenceID: "tip"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Refund(context.Background(), RefundRequest{OriginalReferenceID: "tip", Amount: 3, ReferenceID: fmt.Sprintf("r%d", i)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrRefundExceedsOriginal)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, int64(99), balance(t, l, "alice"))
	assert.Equal(t, int64(1), balance(t, l, "bob"))
}

func TestGrantComesFromTreasury(t *testing.T) {
	l, _, pub := newTestLedger(t)
	grant(t, l, "alice", 25)

	assert.Equal(t, int64(25), balance(t, l, "alice"))
	assert.Equal(t, int64(-25), balance(t, l, models.TreasuryAccountID))
	assert.Zero(t, balance(t, l, "nobody"))

	published := pub.published()
	require.Len(t, published, 1)
	event, ok := published[0].(events.TransactionCompleted)
	require.True(t, ok)
	assert.Equal(t, "grant", event.Kind)
	assert.Equal(t, int64(25), event.Amount)
	assert.Equal(t, int64(25), event.Deltas["alice"])
}

func TestPublishFailureDoesNotUndoCommit(t *testing.T) {
	store := memory.NewMemoryLedgerStore()
	logger, hook := test.NewNullLogger()
	l := NewLedger(store, WithPublisher(&recordingPublisher{err: errors.New("broker down")}), WithLogger(logger))

	_, err := l.Grant(context.Background(), "alice", 5, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance(t, l, "alice"))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestReconcileAndAudit(t *testing.T) {
	l, _, _ := newTestLedger(t)
	grant(t, l, "alice", 10)
	_, err := l.Transfer(context.Background(), TransferRequest{FromAccount: "alice", ToAccount: "bob", Amount: 4})
	require.NoError(t, err)
	_, err = l.ChargeUpTo(context.Background(), "bob", 9, "s1")
	require.NoError(t, err)

	rec, err := l.Reconcile(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, int64(6), rec.StoredBalance)

	unknown, err := l.Reconcile(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, unknown.Consistent)

	report, err := l.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Operations)
	assert.Equal(t, 6, report.Entries)
	assert.Zero(t, report.NetTotal)
	assert.Empty(t, report.UnbalancedReferences)
}
