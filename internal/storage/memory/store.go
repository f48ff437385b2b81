package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
	"github.com/sheikh-saqib/coins-ledger-system/internal/storage"
)

const defaultLockTimeout = 2 * time.Second

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// Account rows are serialized by per-account locks held for the whole operation;
// mu only guards the maps and the entry log for short critical sections.
type MemoryLedgerStore struct {
	mu          sync.RWMutex
	accounts    map[string]models.Account
	entries     []models.LedgerEntry           // append-only log
	byAccount   map[string][]int               // account id -> indexes into entries
	byReference map[string][]int               // reference id -> indexes into entries
	operations  map[string]models.CommitResult // reference id -> committed result
	refunded    map[string]int64               // original reference id -> refunded amount

	locksMu     sync.Mutex
	locks       map[string]chan struct{} // one slot per account, held while an operation runs
	lockTimeout time.Duration
	now         func() time.Time
}

// Option configures a MemoryLedgerStore.
type Option func(*MemoryLedgerStore)

// WithLockTimeout bounds how long ApplyAtomic waits for account locks.
func WithLockTimeout(d time.Duration) Option {
	return func(m *MemoryLedgerStore) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryLedgerStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryLedgerStore creates and returns a new MemoryLedgerStore instance
func NewMemoryLedgerStore(opts ...Option) *MemoryLedgerStore {
	m := &MemoryLedgerStore{
		accounts:    make(map[string]models.Account),
		entries:     make([]models.LedgerEntry, 0),
		byAccount:   make(map[string][]int),
		byReference: make(map[string][]int),
		operations:  make(map[string]models.CommitResult),
		refunded:    make(map[string]int64),
		locks:       make(map[string]chan struct{}),
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryLedgerStore) getAccountLock(accountID string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if _, exists := m.locks[accountID]; !exists {
		m.locks[accountID] = make(chan struct{}, 1)
	}
	return m.locks[accountID]
}

// lockAccounts takes the locks of ids, which must already be sorted. The whole
// acquisition shares one timeout.
func (m *MemoryLedgerStore) lockAccounts(ctx context.Context, ids []string) (func(), error) {
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	held := make([]chan struct{}, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, id := range ids {
		lock := m.getAccountLock(id)
		select {
		case lock <- struct{}{}:
			held = append(held, lock)
		case <-timer.C:
			release()
			return nil, fmt.Errorf("lock account %s: %w", id, models.ErrTimeout)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (m *MemoryLedgerStore) committed(referenceID string) (models.CommitResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prior, ok := m.operations[referenceID]
	if !ok {
		return models.CommitResult{}, false
	}
	prior.Entries = append([]models.LedgerEntry(nil), prior.Entries...)
	prior.Versions = maps.Clone(prior.Versions)
	prior.Balances = maps.Clone(prior.Balances)
	prior.Replayed = true
	return prior, true
}

// ApplyAtomic implements interfaces.LedgerStore.
func (m *MemoryLedgerStore) ApplyAtomic(ctx context.Context, op interfaces.Operation) (models.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return models.CommitResult{}, err
	}
	if err := storage.ValidateOperation(op); err != nil {
		return models.CommitResult{}, err
	}

	// Fast path for retries of an already committed reference.
	if prior, ok := m.committed(op.ReferenceID); ok {
		return prior, nil
	}

	ids := storage.SortedAccounts(op)
	release, err := m.lockAccounts(ctx, ids)
	if err != nil {
		return models.CommitResult{}, err
	}
	defer release()

	// A concurrent retry may have committed while we waited for the locks.
	if prior, ok := m.committed(op.ReferenceID); ok {
		return prior, nil
	}

	view := m.snapshot(ids)
	for id, want := range op.ExpectedVersions {
		if got := view.versions[id]; got != want {
			return models.CommitResult{}, fmt.Errorf("account %s at version %d, expected %d: %w", id, got, want, models.ErrConflict)
		}
	}

	ops := op.Ops
	if op.Plan != nil {
		ops, err = op.Plan(ctx, view)
		if err != nil {
			return models.CommitResult{}, err
		}
		if err := storage.ValidateOps(op.ReferenceID, ops, view.locked); err != nil {
			return models.CommitResult{}, err
		}
	}

	// An empty plan is still committed, so the reference is spent and a retry
	// replays "nothing charged" instead of charging later.
	next, err := storage.NextBalances(view.balances, ops)
	if err != nil {
		return models.CommitResult{}, err
	}

	return m.commit(op, ops, next)
}

func (m *MemoryLedgerStore) commit(op interfaces.Operation, ops []models.BalanceOp, next map[string]int64) (models.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	entries := storage.BuildEntries(op, ops, now)
	result := models.CommitResult{
		ReferenceID: op.ReferenceID,
		Kind:        op.Kind,
		Entries:     entries,
		Versions:    make(map[string]int64),
		Balances:    make(map[string]int64),
		CommittedAt: now,
	}

	touched := make(map[string]bool, len(ops))
	for _, o := range ops {
		touched[o.AccountID] = true
	}
	for id := range touched {
		acct, ok := m.accounts[id]
		if !ok {
			acct = models.Account{UserID: id, CreatedAt: now}
		}
		acct.Balance = next[id]
		acct.Version++
		acct.UpdatedAt = now
		m.accounts[id] = acct
		result.Versions[id] = acct.Version
		result.Balances[id] = acct.Balance
	}

	for _, e := range entries {
		idx := len(m.entries)
		m.entries = append(m.entries, e)
		m.byAccount[e.AccountID] = append(m.byAccount[e.AccountID], idx)
		m.byReference[e.ReferenceID] = append(m.byReference[e.ReferenceID], idx)
		if credit := storage.RefundCredit(e); credit > 0 {
			m.refunded[e.OriginalReferenceID] += credit
		}
	}

	stored := result
	stored.Entries = append([]models.LedgerEntry(nil), entries...)
	stored.Versions = maps.Clone(result.Versions)
	stored.Balances = maps.Clone(result.Balances)
	m.operations[op.ReferenceID] = stored
	return result, nil
}

// lockedView is what a Plan sees: balances of the locked accounts as of lock time.
type lockedView struct {
	store    *MemoryLedgerStore
	locked   map[string]bool
	balances map[string]int64
	versions map[string]int64
}

func (m *MemoryLedgerStore) snapshot(ids []string) *lockedView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := &lockedView{
		store:    m,
		locked:   make(map[string]bool, len(ids)),
		balances: make(map[string]int64, len(ids)),
		versions: make(map[string]int64, len(ids)),
	}
	for _, id := range ids {
		v.locked[id] = true
		acct := m.accounts[id]
		v.balances[id] = acct.Balance
		v.versions[id] = acct.Version
	}
	return v
}

func (v *lockedView) Balance(accountID string) (int64, bool) {
	if !v.locked[accountID] {
		return 0, false
	}
	return v.balances[accountID], true
}

func (v *lockedView) RefundedAmount(_ context.Context, originalReferenceID string) (int64, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return v.store.refunded[originalReferenceID], nil
}

// GetAccount implements interfaces.LedgerStore.
func (m *MemoryLedgerStore) GetAccount(ctx context.Context, userID string) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return models.Account{}, models.ErrAccountNotFound
	}
	return acct, nil
}

// GetEntriesByReference returns the entries of one operation in commit order.
func (m *MemoryLedgerStore) GetEntriesByReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	idxs := m.byReference[referenceID]
	result := make([]models.LedgerEntry, 0, len(idxs))
	for _, i := range idxs {
		result = append(result, m.entries[i])
	}
	return result, nil
}

// GetEntriesByAccount lists an account's entries newest first.
func (m *MemoryLedgerStore) GetEntriesByAccount(ctx context.Context, accountID string, filter models.EntryFilter) ([]models.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page := filter.Page.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	idxs := m.byAccount[accountID]
	result := make([]models.LedgerEntry, 0, page.Limit)
	skipped := 0
	for i := len(idxs) - 1; i >= 0 && len(result) < page.Limit; i-- {
		e := m.entries[idxs[i]]
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// SumEntries adds up every delta ever posted to accountID.
func (m *MemoryLedgerStore) SumEntries(ctx context.Context, accountID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, i := range m.byAccount[accountID] {
		sum += m.entries[i].Delta
	}
	return sum, nil
}

// GetLedgerEntries returns a copy of the whole log in commit order.
func (m *MemoryLedgerStore) GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	copied := make([]models.LedgerEntry, len(m.entries))
	copy(copied, m.entries)
	return copied, nil
}

// Accounts returns every account sorted by id.
func (m *MemoryLedgerStore) Accounts() []models.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
