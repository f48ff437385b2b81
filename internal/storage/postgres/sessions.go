package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

const sessionColumns = `id, initiator_id, counterparty_id, state, rate_per_minute, created_at, expires_at,
	accepted_at, started_at, ended_at, computed_cost, accrued_cost, uncollectable_amount,
	charge_reference_id, settled, end_reason, version, updated_at`

type PostgresSessionStore struct {
	db *sqlx.DB
}

func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{
		db: sqlx.NewDb(db, "postgres"),
	}
}

func (p *PostgresSessionStore) CreateSession(ctx context.Context, s models.Session) error {
	const query = `INSERT INTO sessions (` + sessionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := p.db.ExecContext(ctx, query,
		s.ID, s.InitiatorID, s.CounterpartyID, string(s.State), s.RatePerMinute, s.CreatedAt, s.ExpiresAt,
		s.AcceptedAt, s.StartedAt, s.EndedAt, s.ComputedCost, s.AccruedCost, s.UncollectableAmount,
		s.ChargeReferenceID, s.Settled, s.EndReason, s.Version, s.UpdatedAt)
	return mapError(err)
}

func (p *PostgresSessionStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	var s models.Session
	err := p.db.GetContext(ctx, &s, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, models.ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	return s, nil
}

// UpdateSession writes every mutable column guarded by the expected version.
func (p *PostgresSessionStore) UpdateSession(ctx context.Context, s models.Session) (models.Session, error) {
	const query = `UPDATE sessions SET state = $2, accepted_at = $3, started_at = $4, ended_at = $5,
	computed_cost = $6, accrued_cost = $7, uncollectable_amount = $8, charge_reference_id = $9,
	settled = $10, end_reason = $11, updated_at = $12, version = version + 1
	WHERE id = $1 AND version = $13`

	res, err := p.db.ExecContext(ctx, query,
		s.ID, string(s.State), s.AcceptedAt, s.StartedAt, s.EndedAt,
		s.ComputedCost, s.AccruedCost, s.UncollectableAmount, s.ChargeReferenceID,
		s.Settled, s.EndReason, s.UpdatedAt, s.Version)
	if err != nil {
		return models.Session{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		s.Version++
		return s, nil
	}

	var current int64
	err = p.db.GetContext(ctx, &current, `SELECT version FROM sessions WHERE id = $1`, s.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, models.ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	return models.Session{}, fmt.Errorf("session %s at version %d, expected %d: %w", s.ID, current, s.Version, models.ErrConflict)
}

func (p *PostgresSessionStore) ListSessionsByParticipant(ctx context.Context, userID string, filter models.SessionFilter) ([]models.Session, error) {
	page := filter.Page.Normalize()
	const query = `SELECT ` + sessionColumns + ` FROM sessions
	WHERE (initiator_id = $1 OR counterparty_id = $1) AND ($2 = '' OR state = $2)
	ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`

	sessions := []models.Session{}
	if err := p.db.SelectContext(ctx, &sessions, query, userID, string(filter.State), page.Limit, page.Offset); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *PostgresSessionStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions
	WHERE state = $1 AND expires_at <= $2 ORDER BY expires_at LIMIT $3`

	sessions := []models.Session{}
	if err := p.db.SelectContext(ctx, &sessions, query, string(models.SessionPending), now, limit); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *PostgresSessionStore) ListUnsettled(ctx context.Context, endedBefore time.Time, limit int) ([]models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions
	WHERE settled = FALSE AND ended_at < $1 ORDER BY ended_at LIMIT $2`

	sessions := []models.Session{}
	if err := p.db.SelectContext(ctx, &sessions, query, endedBefore, limit); err != nil {
		return nil, err
	}
	return sessions, nil
}

var _ interfaces.SessionStore = (*PostgresSessionStore)(nil)
