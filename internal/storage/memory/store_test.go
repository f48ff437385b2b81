package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grantOp(ref, account string, amount int64) interfaces.Operation {
	return interfaces.Operation{
		ReferenceID: ref,
		Kind:        models.EntryKindGrant,
		Ops: []models.BalanceOp{
			{AccountID: models.TreasuryAccountID, Delta: -amount, AllowNegative: true},
			{AccountID: account, Delta: amount},
		},
	}
}

func transferOp(ref, from, to string, amount int64) interfaces.Operation {
	return interfaces.Operation{
		ReferenceID: ref,
		Kind:        models.EntryKindTransfer,
		Ops: []models.BalanceOp{
			{AccountID: from, Delta: -amount},
			{AccountID: to, Delta: amount},
		},
	}
}

func fund(t *testing.T, store *MemoryLedgerStore, account string, amount int64) {
	t.Helper()
	_, err := store.ApplyAtomic(context.Background(), grantOp("grant-"+account, account, amount))
	require.NoError(t, err)
}

func balanceOf(t *testing.T, store *MemoryLedgerStore, account string) int64 {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), account)
	require.NoError(t, err)
	return acct.Balance
}

func TestApplyAtomicTransfer(t *testing.T) {
	store := NewMemoryLedgerStore()
	fund(t, store, "alice", 10)

	result, err := store.ApplyAtomic(context.Background(), transferOp("t1", "alice", "bob", 4))
	require.NoError(t, err)

	assert.False(t, result.Replayed)
	assert.Len(t, result.Entries, 2)
	assert.Equal(t, int64(6), result.Balances["alice"])
	assert.Equal(t, int64(4), result.Balances["bob"])
	assert.Equal(t, int64(2), result.Versions["alice"])
	assert.Equal(t, int64(1), result.Versions["bob"])
	for _, e := range result.Entries {
		assert.Equal(t, "t1", e.ReferenceID)
		assert.Equal(t, models.EntryKindTransfer, e.Kind)
		assert.NotEmpty(t, e.ID)
	}
}

func TestApplyAtomicStampsEntriesWithClock(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	store := NewMemoryLedgerStore(WithClock(func() time.Time { return at }))
	fund(t, store, "alice", 10)

	result, err := store.ApplyAtomic(context.Background(), transferOp("t1", "alice", "bob", 1))
	require.NoError(t, err)
	assert.Equal(t, at, result.CommittedAt)
	for _, e := range result.Entries {
		assert.Equal(t, at, e.CreatedAt)
	}

	acct, err := store.GetAccount(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, at, acct.CreatedAt)
}

func TestApplyAtomicInsufficientFundsLeavesNoTrace(t *testing.T) {
	store := NewMemoryLedgerStore()
	fund(t, store, "alice", 3)

	_, err := store.ApplyAtomic(context.Background(), transferOp("t1", "alice", "bob", 5))
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	assert.Equal(t, int64(3), balanceOf(t, store, "alice"))
	_, err = store.GetAccount(context.Background(), "bob")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	entries, err := store.GetEntriesByReference(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The failed reference was not consumed.
	fund(t, store, "carol", 10)
	_, err = store.ApplyAtomic(context.Background(), transferOp("t1", "carol", "bob", 5))
	assert.NoError(t, err)
}

func TestApplyAtomicReplay(t *testing.T) {
	store := NewMemoryLedgerStore()
	fund(t, store, "alice", 10)

	first, err := store.ApplyAtomic(context.Background(), transferOp("t1", "alice", "bob", 4))
	require.NoError(t, err)
	second, err := store.ApplyAtomic(context.Background(), transferOp("t1", "alice", "bob", 4))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entries, second.Entries)
	assert.Equal(t, first.Balances, second.Balances)
	assert.Equal(t, first.Versions, second.Versions)
	assert.Equal(t, int64(6), balanceOf(t, store, "alice"))

	entries, err := store.GetEntriesByReference(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestApplyAtomicRejectsUnbalancedOps(t *testing.T) {
	store := NewMemoryLedgerStore()
	op := interfaces.Operation{
		ReferenceID: "bad",
		Kind:        models.EntryKindTransfer,
		Ops: []models.BalanceOp{
			{AccountID: "alice", Delta: -5},
			{AccountID: "bob", Delta: 4},
		},
	}
	_, err := store.ApplyAtomic(context.Background(), op)
	assert.Error(t, err)

	op.ReferenceID = ""
	_, err = store.ApplyAtomic(context.Background(), op)
	assert.Error(t, err)
}

func TestApplyAtomicPlanSeesLockedBalances(t *testing.T) {
	store := NewMemoryLedgerStore()
	fund(t, store, "alice", 3)

	op := interfaces.Operation{
		ReferenceID: "charge",
		Kind:        models.EntryKindSessionCharge,
		Accounts:    []string{"alice", models.RevenueAccountID},
		Plan: func(_ context.Context, view interfaces.LockedView) ([]models.BalanceOp, error) {
			bal, ok := view.Balance("alice")
			require.True(t, ok)
			_, ok = view.Balance("mallory")
			require.False(t, ok)
			return []models.BalanceOp{
				{AccountID: "alice", Delta: -bal},
				{AccountID: models.RevenueAccountID, Delta: bal},
			}, nil
		},
	}
	result, err := store.ApplyAtomic(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), result.DeltaFor("alice"))
	assert.Equal(t, int64(0), balanceOf(t, store, "alice"))
	assert.Equal(t, int64(3), balanceOf(t, store, models.RevenueAccountID))
}

func TestApplyAtomicEmptyPlanSpendsReference(t *testing.T) {
	store := NewMemoryLedgerStore()
	charge := func(ctx context.Context, view interfaces.LockedView) ([]models.BalanceOp, error) {
		bal, _ := view.Balance("carol")
		if bal == 0 {
			return nil, nil
		}
		return []models.BalanceOp{
			{AccountID: "carol", Delta: -bal},
			{AccountID: models.RevenueAccountID, Delta: bal},
		}, nil
	}
	op := interfaces.Operation{
		ReferenceID: "session:x",
		Kind:        models.EntryKindSessionCharge,
		Accounts:    []string{"carol", models.RevenueAccountID},
		Plan:        charge,
	}

	first, err := store.ApplyAtomic(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Empty(t, first.Entries)

	fund(t, store, "carol", 10)
	again, err := store.ApplyAtomic(context.Background(), op)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, models.EntryKindSessionCharge, again.Kind)
	assert.Empty(t, again.Entries)
	assert.Equal(t, int64(10), balanceOf(t, store, "carol"))
}

func TestApplyAtomicPlanCannotTouchUnlockedAccounts(t *testing.T) {
	store := NewMemoryLedgerStore()
	fund(t, store, "alice", 3)

	_, err := store.ApplyAtomic(context.Background(), interfaces.Operation{
		ReferenceID: "sneaky",
		Kind:        models.EntryKindTransfer,
		Accounts:    []string{"alice"},
		Plan: func(context.Context, interfaces.LockedView) ([]models.BalanceOp, error) {
			return []models.BalanceOp{
				{AccountID: "alice", Delta: -1},
				{AccountID: "bob", Delta: 1},
			}, nil
		},
	})
	assert.Error(t, err)
	assert.Equal(t, int64(3), balanceOf(t, store, "alice"))
}

func TestApplyAtomicExpectedVersions(t *testing.T) {
	store := NewMemoryLedgerStore()
	fund(t, store, "alice", 10)

	op := transferOp("t1", "alice", "bob", 1)
	op.ExpectedVersions = map[string]int64{"alice": 7}
	_, err := store.ApplyAtomic(context.Background(), op)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.True(t, models.IsRetryable(err))

	op.ExpectedVersions = map[string]int64{"alice": 1, "bob": 0}
	_, err = store.ApplyAtomic(context.Background(), op)
	assert.NoError(t, err)
}

func TestApplyAtomicLockTimeout(t *testing.T) {
	store := NewMemoryLedgerStore(WithLockTimeout(50 * time.Millisecond))
	fund(t, store, "alice", 10)

	lock := store.getAccountLock("bob")
	lock <- struct{}{}

	start := time.Now()
	_, err := store.ApplyAtomic(context.Background(), transferOp("t1", "alice", "bob", 1))
	require.ErrorIs(t, err, models.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// alice's lock was released on the way out.
	<-lock
	_, err = store.ApplyAtomic(context.Background(), transferOp("t2", "alice", "bob", 1))
	assert.NoError(t, err)
	assert.Equal(t, int64(9), balanceOf(t, store, "alice"))
}

func TestApplyAtomicOppositeTransfersDoNotDeadlock(t *testing.T) {
	store := NewMemoryLedgerStore(WithLockTimeout(5 * time.Second))
	fund(t, store, "a", 1000)
	fund(t, store, "b", 1000)

	var wg sync.WaitGroup
	errs := make(chan error, 400)
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := store.ApplyAtomic(context.Background(), transferOp(fmt.Sprintf("ab-%d", i), "a", "b", 5))
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := store.ApplyAtomic(context.Background(), transferOp(fmt.Sprintf("ba-%d", i), "b", "a", 3))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1000-200*5+200*3), balanceOf(t, store, "a"))
	assert.Equal(t, int64(1000+200*5-200*3), balanceOf(t, store, "b"))
}

func TestApplyAtomicConservesCoinsUnderContention(t *testing.T) {
	store := NewMemoryLedgerStore(WithLockTimeout(5 * time.Second))
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, u := range users {
		fund(t, store, u, 50)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 200; i++ {
				from := users[rng.Intn(len(users))]
				to := users[rng.Intn(len(users))]
				if from == to {
					continue
				}
				_, err := store.ApplyAtomic(context.Background(),
					transferOp(fmt.Sprintf("w%d-%d", w, i), from, to, int64(rng.Intn(20)+1)))
				if err != nil {
					assert.ErrorIs(t, err, models.ErrInsufficientFunds)
				}
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for _, acct := range store.Accounts() {
		if acct.UserID != models.TreasuryAccountID {
			assert.GreaterOrEqual(t, acct.Balance, int64(0), acct.UserID)
		}
		total += acct.Balance

		sum, err := store.SumEntries(context.Background(), acct.UserID)
		require.NoError(t, err)
		assert.Equal(t, acct.Balance, sum, acct.UserID)
	}
	assert.Zero(t, total)
}

func TestGetEntriesByAccountPaging(t *testing.T) {
	store := NewMemoryLedgerStore()
	fund(t, store, "alice", 100)
	for i := 0; i < 30; i++ {
		_, err := store.ApplyAtomic(context.Background(), transferOp(fmt.Sprintf("t%02d", i), "alice", "bob", 1))
		require.NoError(t, err)
	}

	firstPage, err := store.GetEntriesByAccount(context.Background(), "alice", models.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, firstPage, models.DefaultPageSize)
	assert.Equal(t, "t29", firstPage[0].ReferenceID)

	rest, err := store.GetEntriesByAccount(context.Background(), "alice", models.EntryFilter{
		Page: models.Page{Limit: 25, Offset: 25},
	})
	require.NoError(t, err)
	assert.Len(t, rest, 6)
	assert.Equal(t, "grant-alice", rest[len(rest)-1].ReferenceID)

	grants, err := store.GetEntriesByAccount(context.Background(), "alice", models.EntryFilter{Kind: models.EntryKindGrant})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(100), grants[0].Delta)
}

func TestApplyAtomicHonoursCancelledContext(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.ApplyAtomic(ctx, grantOp("g", "alice", 1))
	assert.ErrorIs(t, err, context.Canceled)
}
