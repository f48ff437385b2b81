package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces" // interface LedgerStore
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
	"github.com/sheikh-saqib/coins-ledger-system/internal/storage"
)

const defaultLockTimeout = 2 * time.Second

const entryColumns = `id, account_id, delta, kind, reference_id, original_reference_id, description, created_at`

type PostgresLedgerStore struct {
	db          *sqlx.DB
	lockTimeout time.Duration
	now         func() time.Time
}

// Option configures a PostgresLedgerStore.
type Option func(*PostgresLedgerStore)

// WithLockTimeout sets the per-transaction lock_timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(p *PostgresLedgerStore) {
		if d > 0 {
			p.lockTimeout = d
		}
	}
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *PostgresLedgerStore) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPostgresLedgerStore(db *sql.DB, opts ...Option) *PostgresLedgerStore {
	p := &PostgresLedgerStore{
		db:          sqlx.NewDb(db, "postgres"),
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ApplyAtomic claims the reference, locks the accounts in ascending id order
// with SELECT ... FOR UPDATE, then writes balances and entries in one
// transaction.
func (p *PostgresLedgerStore) ApplyAtomic(ctx context.Context, op interfaces.Operation) (result models.CommitResult, err error) {
	if err := storage.ValidateOperation(op); err != nil {
		return models.CommitResult{}, err
	}

	dbTx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.CommitResult{}, err
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
			err = mapError(err)
		}
	}()

	if _, err = dbTx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, p.lockTimeout.Milliseconds())); err != nil {
		return models.CommitResult{}, err
	}

	now := p.now().UTC()

	// Claiming the reference first makes a concurrent retry wait on the unique
	// index and then observe the committed operation.
	claimed, err := dbTx.ExecContext(ctx, `INSERT INTO ledger_operations (reference_id, kind, original_reference_id, created_at)
	VALUES ($1, $2, $3, $4) ON CONFLICT (reference_id) DO NOTHING`,
		op.ReferenceID, string(op.Kind), op.OriginalReferenceID, now)
	if err != nil {
		return models.CommitResult{}, err
	}
	if n, _ := claimed.RowsAffected(); n == 0 {
		dbTx.Rollback()
		return p.replay(ctx, op)
	}

	ids := storage.SortedAccounts(op)
	view := &lockedView{
		tx:       dbTx,
		locked:   make(map[string]bool, len(ids)),
		balances: make(map[string]int64, len(ids)),
		versions: make(map[string]int64, len(ids)),
	}
	for _, id := range ids {
		if _, err = dbTx.ExecContext(ctx, `INSERT INTO accounts (user_id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 0, $2, $2) ON CONFLICT (user_id) DO NOTHING`, id, now); err != nil {
			return models.CommitResult{}, err
		}
		var acct models.Account
		if err = dbTx.GetContext(ctx, &acct, `SELECT user_id, balance, version, created_at, updated_at
		FROM accounts WHERE user_id = $1 FOR UPDATE`, id); err != nil {
			return models.CommitResult{}, err
		}
		view.locked[id] = true
		view.balances[id] = acct.Balance
		view.versions[id] = acct.Version
	}

	for id, want := range op.ExpectedVersions {
		if got := view.versions[id]; got != want {
			err = fmt.Errorf("account %s at version %d, expected %d: %w", id, got, want, models.ErrConflict)
			return models.CommitResult{}, err
		}
	}

	ops := op.Ops
	if op.Plan != nil {
		if ops, err = op.Plan(ctx, view); err != nil {
			return models.CommitResult{}, err
		}
		if err = storage.ValidateOps(op.ReferenceID, ops, view.locked); err != nil {
			return models.CommitResult{}, err
		}
	}

	// An empty plan still commits the claim row, so the reference is spent.
	next, err := storage.NextBalances(view.balances, ops)
	if err != nil {
		return models.CommitResult{}, err
	}

	result = models.CommitResult{
		ReferenceID: op.ReferenceID,
		Kind:        op.Kind,
		Versions:    make(map[string]int64),
		Balances:    make(map[string]int64),
		CommittedAt: now,
	}
	for _, id := range ids {
		if !opsTouch(ops, id) {
			continue
		}
		bal := next[id]
		var updated sql.Result
		updated, err = dbTx.ExecContext(ctx, `UPDATE accounts SET balance = $2, version = version + 1, updated_at = $3
		WHERE user_id = $1 AND version = $4`, id, bal, now, view.versions[id])
		if err != nil {
			return models.CommitResult{}, err
		}
		if n, _ := updated.RowsAffected(); n != 1 {
			err = fmt.Errorf("account %s changed while locked: %w", id, models.ErrConflict)
			return models.CommitResult{}, err
		}
		result.Versions[id] = view.versions[id] + 1
		result.Balances[id] = bal
	}

	result.Entries = storage.BuildEntries(op, ops, now)
	for _, e := range result.Entries {
		if _, err = dbTx.ExecContext(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.AccountID, e.Delta, string(e.Kind), e.ReferenceID, e.OriginalReferenceID, e.Description, e.CreatedAt); err != nil {
			return models.CommitResult{}, err
		}
	}

	if err = saveResult(ctx, dbTx, result); err != nil {
		return models.CommitResult{}, err
	}

	if err = dbTx.Commit(); err != nil {
		return models.CommitResult{}, err
	}
	return result, nil
}

// saveResult stores the post-commit balances and versions on the claim row so a
// replay answers with the same result as the first call.
func saveResult(ctx context.Context, tx *sqlx.Tx, result models.CommitResult) error {
	balances, err := json.Marshal(result.Balances)
	if err != nil {
		return err
	}
	versions, err := json.Marshal(result.Versions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE ledger_operations SET balances = $2, versions = $3 WHERE reference_id = $1`,
		result.ReferenceID, string(balances), string(versions))
	return err
}

func opsTouch(ops []models.BalanceOp, id string) bool {
	for _, o := range ops {
		if o.AccountID == id {
			return true
		}
	}
	return false
}

type operationRow struct {
	Kind      string    `db:"kind"`
	CreatedAt time.Time `db:"created_at"`
	Balances  []byte    `db:"balances"`
	Versions  []byte    `db:"versions"`
}

// replay rebuilds the result of an already committed reference.
func (p *PostgresLedgerStore) replay(ctx context.Context, op interfaces.Operation) (models.CommitResult, error) {
	var row operationRow
	err := p.db.GetContext(ctx, &row, `SELECT kind, created_at, balances, versions FROM ledger_operations WHERE reference_id = $1`, op.ReferenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CommitResult{}, fmt.Errorf("reference %s claimed but not committed: %w", op.ReferenceID, models.ErrConflict)
	}
	if err != nil {
		return models.CommitResult{}, err
	}

	entries, err := p.GetEntriesByReference(ctx, op.ReferenceID)
	if err != nil {
		return models.CommitResult{}, err
	}
	result := models.CommitResult{
		ReferenceID: op.ReferenceID,
		Kind:        models.EntryKind(row.Kind),
		Entries:     entries,
		Replayed:    true,
		CommittedAt: row.CreatedAt.UTC(),
	}
	if err := json.Unmarshal(row.Balances, &result.Balances); err != nil {
		return models.CommitResult{}, fmt.Errorf("decode balances of %s: %w", op.ReferenceID, err)
	}
	if err := json.Unmarshal(row.Versions, &result.Versions); err != nil {
		return models.CommitResult{}, fmt.Errorf("decode versions of %s: %w", op.ReferenceID, err)
	}
	return result, nil
}

type lockedView struct {
	tx       *sqlx.Tx
	locked   map[string]bool
	balances map[string]int64
	versions map[string]int64
}

func (v *lockedView) Balance(accountID string) (int64, bool) {
	if !v.locked[accountID] {
		return 0, false
	}
	return v.balances[accountID], true
}

func (v *lockedView) RefundedAmount(ctx context.Context, originalReferenceID string) (int64, error) {
	var total int64
	err := v.tx.GetContext(ctx, &total, `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries
	WHERE original_reference_id = $1 AND kind = $2 AND delta > 0`, originalReferenceID, string(models.EntryKindRefund))
	return total, err
}

func (p *PostgresLedgerStore) GetAccount(ctx context.Context, userID string) (models.Account, error) {
	const query = `SELECT user_id, balance, version, created_at, updated_at FROM accounts WHERE user_id = $1`

	var acct models.Account
	err := p.db.GetContext(ctx, &acct, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, models.ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, err
	}
	return acct, nil
}

func (p *PostgresLedgerStore) GetEntriesByReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries
	WHERE reference_id = $1 ORDER BY seq`

	entries := []models.LedgerEntry{}
	if err := p.db.SelectContext(ctx, &entries, query, referenceID); err != nil {
		return nil, err
	}
	return entries, nil
}

func (p *PostgresLedgerStore) GetEntriesByAccount(ctx context.Context, accountID string, filter models.EntryFilter) ([]models.LedgerEntry, error) {
	page := filter.Page.Normalize()
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries
	WHERE account_id = $1 AND ($2 = '' OR kind = $2)
	ORDER BY seq DESC LIMIT $3 OFFSET $4`

	entries := []models.LedgerEntry{}
	if err := p.db.SelectContext(ctx, &entries, query, accountID, string(filter.Kind), page.Limit, page.Offset); err != nil {
		return nil, err
	}
	return entries, nil
}

func (p *PostgresLedgerStore) SumEntries(ctx context.Context, accountID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = $1`

	var sum int64
	if err := p.db.GetContext(ctx, &sum, query, accountID); err != nil {
		return 0, err
	}
	return sum, nil
}

func (p *PostgresLedgerStore) GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries ORDER BY seq`

	entries := []models.LedgerEntry{}
	if err := p.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, err
	}
	return entries, nil
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
