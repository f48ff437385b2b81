// Package session implements the paid-session state machine and its billing.
//
// A session moves pending -> accepted -> active -> ended, may be rejected while
// pending, and cancelled before it ends. Leaving the active state fixes the
// session's cost; the charge is then collected exactly once under the session
// id as the ledger reference, capped at what the initiator holds.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/ledger"
	"github.com/sheikh-saqib/coins-ledger-system/internal/metrics"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models/events"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPendingTTL  = 2 * time.Minute
	DefaultCancelGrace = 10 * time.Second
	DefaultSettleAfter = time.Minute

	maxUpdateAttempts = 3
	sweepBatchSize    = 100
	hintTolerance     = 5 * time.Second
)

// Charger collects a session's cost.
type Charger interface {
	ChargeUpTo(ctx context.Context, accountID string, amount int64, referenceID string) (ledger.ChargeResult, error)
}

// Config holds the session policy knobs.
type Config struct {
	PendingTTL  time.Duration // unanswered requests are rejected after this
	CancelGrace time.Duration // cancelling an active session within this window is free
	SettleAfter time.Duration // the sweeper settles interrupted charges older than this
	Now         func() time.Time
}

// Manager is the only writer of sessions.
type Manager struct {
	store     interfaces.SessionStore
	charger   Charger
	publisher interfaces.EventPublisher
	log       logrus.FieldLogger
	cfg       Config
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets where settled sessions are announced.
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager creates a Manager that charges finished sessions through charger.
// A zero PendingTTL or SettleAfter falls back to the package default.
func NewManager(store interfaces.SessionStore, charger Charger, cfg Config, opts ...Option) *Manager {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.CancelGrace < 0 {
		cfg.CancelGrace = 0
	}
	if cfg.SettleAfter <= 0 {
		cfg.SettleAfter = DefaultSettleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		store:   store,
		charger: charger,
		log:     logrus.StandardLogger(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) now() time.Time {
	return m.cfg.Now().UTC()
}

// Request creates a pending session paid by initiatorID.
func (m *Manager) Request(ctx context.Context, initiatorID, counterpartyID string, ratePerMinute int64) (models.Session, error) {
	if ratePerMinute <= 0 {
		return models.Session{}, models.ErrInvalidRate
	}
	if initiatorID == "" || counterpartyID == "" {
		return models.Session{}, models.ErrInvalidAccount
	}
	if initiatorID == counterpartyID {
		return models.Session{}, models.ErrSameAccount
	}

	now := m.now()
	s := models.Session{
		ID:             uuid.NewString(),
		InitiatorID:    initiatorID,
		CounterpartyID: counterpartyID,
		State:          models.SessionPending,
		RatePerMinute:  ratePerMinute,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.PendingTTL),
		UpdatedAt:      now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return models.Session{}, err
	}
	m.log.WithFields(logrus.Fields{
		"session_id":      s.ID,
		"initiator_id":    initiatorID,
		"counterparty_id": counterpartyID,
		"rate_per_minute": ratePerMinute,
	}).Info("session requested")
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (models.Session, error) {
	return m.store.GetSession(ctx, id)
}

// Accept moves a pending session to accepted. A request past its expiry is
// rejected instead and models.ErrSessionExpired is returned.
func (m *Manager) Accept(ctx context.Context, id string) (models.Session, error) {
	s, err := m.transition(ctx, id, func(s *models.Session, now time.Time) (bool, error) {
		if s.State == models.SessionRejected && s.EndReason == models.EndReasonExpired {
			return false, models.ErrSessionExpired
		}
		if s.State != models.SessionPending {
			return false, invalidTransition(s.State, models.SessionAccepted)
		}
		if m.expired(*s, now) {
			finish(s, now, models.SessionRejected, models.EndReasonExpired, 0)
			return true, nil
		}
		s.State = models.SessionAccepted
		s.AcceptedAt = &now
		return true, nil
	})
	if err != nil {
		return models.Session{}, err
	}
	if s.State == models.SessionRejected {
		return s, models.ErrSessionExpired
	}
	return s, nil
}

// Reject is the counterparty declining a pending request.
func (m *Manager) Reject(ctx context.Context, id string) (models.Session, error) {
	return m.transition(ctx, id, func(s *models.Session, now time.Time) (bool, error) {
		switch s.State {
		case models.SessionRejected:
			return false, nil
		case models.SessionPending:
			finish(s, now, models.SessionRejected, models.EndReasonRejected, 0)
			return true, nil
		}
		return false, invalidTransition(s.State, models.SessionRejected)
	})
}

// Start moves an accepted session to active and starts the billing clock.
func (m *Manager) Start(ctx context.Context, id string) (models.Session, error) {
	return m.transition(ctx, id, func(s *models.Session, now time.Time) (bool, error) {
		if s.State != models.SessionAccepted {
			return false, invalidTransition(s.State, models.SessionActive)
		}
		s.State = models.SessionActive
		s.StartedAt = &now
		return true, nil
	})
}

// End finishes an active session and charges the initiator. endTimeHint is only
// compared with the server clock for logging; billing always uses the server
// clock. Ending an ended session returns it unchanged.
func (m *Manager) End(ctx context.Context, id string, endTimeHint *time.Time) (models.Session, error) {
	s, err := m.transition(ctx, id, func(s *models.Session, now time.Time) (bool, error) {
		switch s.State {
		case models.SessionEnded:
			return false, nil
		case models.SessionActive:
			finish(s, now, models.SessionEnded, models.EndReasonCompleted, Cost(now.Sub(*s.StartedAt), s.RatePerMinute))
			return true, nil
		}
		return false, invalidTransition(s.State, models.SessionEnded)
	})
	if err != nil {
		return models.Session{}, err
	}

	if endTimeHint != nil && s.EndedAt != nil {
		if drift := s.EndedAt.Sub(*endTimeHint); drift > hintTolerance || drift < -hintTolerance {
			m.log.WithFields(logrus.Fields{
				"session_id": s.ID,
				"hint":       endTimeHint.UTC(),
				"ended_at":   *s.EndedAt,
			}).Warn("client end time disagrees with server clock, billing on server clock")
		}
	}
	return m.settle(ctx, s)
}

// Cancel aborts a session that has not ended. An active session is billed for
// the time used unless it is cancelled within the grace window.
func (m *Manager) Cancel(ctx context.Context, id string) (models.Session, error) {
	s, err := m.transition(ctx, id, func(s *models.Session, now time.Time) (bool, error) {
		switch s.State {
		case models.SessionCancelled:
			return false, nil
		case models.SessionPending, models.SessionAccepted:
			finish(s, now, models.SessionCancelled, models.EndReasonCancelled, 0)
			return true, nil
		case models.SessionActive:
			var cost int64
			if elapsed := now.Sub(*s.StartedAt); elapsed > m.cfg.CancelGrace {
				cost = Cost(elapsed, s.RatePerMinute)
			}
			finish(s, now, models.SessionCancelled, models.EndReasonCancelled, cost)
			return true, nil
		}
		return false, invalidTransition(s.State, models.SessionCancelled)
	})
	if err != nil {
		return models.Session{}, err
	}
	return m.settle(ctx, s)
}

// finish puts s in a terminal state with its cost fixed. Sessions with nothing
// to charge are settled on the spot.
func finish(s *models.Session, now time.Time, state models.SessionState, reason string, cost int64) {
	s.State = state
	s.EndReason = reason
	s.EndedAt = &now
	s.ComputedCost = cost
	s.Settled = cost == 0
}

// settle collects the cost of a terminal session once. The ledger reference is
// derived from the session id in a namespace clients cannot post under, so
// repeating settle after a crash or a lost update replays the original charge
// instead of charging again.
func (m *Manager) settle(ctx context.Context, s models.Session) (models.Session, error) {
	if !s.NeedsSettlement() {
		return s, nil
	}

	ref := models.SessionChargeReference(s.ID)
	charge, err := m.charger.ChargeUpTo(ctx, s.InitiatorID, s.ComputedCost, ref)
	if err != nil {
		return s, fmt.Errorf("charge session %s: %w", s.ID, err)
	}

	settledNow := false
	saved, err := m.transition(ctx, s.ID, func(cur *models.Session, _ time.Time) (bool, error) {
		settledNow = false
		if !cur.NeedsSettlement() {
			return false, nil
		}
		cur.AccruedCost = charge.Charged
		cur.UncollectableAmount = cur.ComputedCost - charge.Charged
		if charge.Charged > 0 {
			cur.ChargeReferenceID = &ref
		}
		cur.Settled = true
		settledNow = true
		return true, nil
	})
	if err != nil {
		return s, err
	}
	if settledNow {
		m.settled(ctx, saved)
	}
	return saved, nil
}

func (m *Manager) settled(ctx context.Context, s models.Session) {
	log := m.log.WithFields(logrus.Fields{
		"session_id":    s.ID,
		"initiator_id":  s.InitiatorID,
		"computed_cost": s.ComputedCost,
		"accrued_cost":  s.AccruedCost,
	})
	if s.UncollectableAmount > 0 {
		metrics.AddUncollectable(s.UncollectableAmount)
		log.WithField("uncollectable_amount", s.UncollectableAmount).Warn("session cost partially uncollectable, needs manual reconciliation")
	} else {
		log.Info("session settled")
	}

	if m.publisher == nil {
		return
	}
	event := events.SessionSettled{
		SessionID:           s.ID,
		InitiatorID:         s.InitiatorID,
		CounterpartyID:      s.CounterpartyID,
		State:               string(s.State),
		EndReason:           s.EndReason,
		ComputedCost:        s.ComputedCost,
		AccruedCost:         s.AccruedCost,
		UncollectableAmount: s.UncollectableAmount,
		OccurredAt:          s.UpdatedAt,
	}
	if err := m.publisher.Publish(ctx, events.TopicSessionSettled, event); err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Error("publish session_settled")
	}
}

func (m *Manager) expired(s models.Session, now time.Time) bool {
	return s.State == models.SessionPending && !now.Before(s.ExpiresAt)
}

// ExpirePending rejects pending requests whose expiry has passed and returns
// how many it rejected.
func (m *Manager) ExpirePending(ctx context.Context) (int, error) {
	due, err := m.store.ListExpiredPending(ctx, m.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range due {
		changed := false
		_, err := m.transition(ctx, candidate.ID, func(s *models.Session, now time.Time) (bool, error) {
			changed = m.expired(*s, now)
			if changed {
				finish(s, now, models.SessionRejected, models.EndReasonExpired, 0)
			}
			return changed, nil
		})
		if err != nil {
			m.log.WithError(err).WithField("session_id", candidate.ID).Warn("expire session")
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// SettlePending finishes charges interrupted after a terminal transition.
func (m *Manager) SettlePending(ctx context.Context) (int, error) {
	due, err := m.store.ListUnsettled(ctx, m.now().Add(-m.cfg.SettleAfter), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, s := range due {
		if _, err := m.settle(ctx, s); err != nil {
			m.log.WithError(err).WithField("session_id", s.ID).Warn("settle session")
			continue
		}
		settled++
	}
	return settled, nil
}

// transition loads the session, lets fn mutate a copy, and writes it back with
// an optimistic version check. fn returning false leaves the session as is. A
// version conflict reloads and re-runs fn against the fresh row.
func (m *Manager) transition(ctx context.Context, id string, fn func(s *models.Session, now time.Time) (bool, error)) (models.Session, error) {
	for attempt := 1; ; attempt++ {
		current, err := m.store.GetSession(ctx, id)
		if err != nil {
			return models.Session{}, err
		}

		now := m.now()
		next := current
		write, err := fn(&next, now)
		if err != nil {
			return models.Session{}, err
		}
		if !write {
			return current, nil
		}

		next.UpdatedAt = now
		saved, err := m.store.UpdateSession(ctx, next)
		if errors.Is(err, models.ErrConflict) && attempt < maxUpdateAttempts {
			continue
		}
		if err != nil {
			return models.Session{}, err
		}

		if current.State != saved.State {
			metrics.RecordSessionTransition(string(current.State), string(saved.State))
			m.log.WithFields(logrus.Fields{
				"session_id": saved.ID,
				"from":       current.State,
				"to":         saved.State,
			}).Info("session transition")
		}
		return saved, nil
	}
}

func invalidTransition(from, to models.SessionState) error {
	return fmt.Errorf("%s -> %s: %w", from, to, models.ErrInvalidTransition)
}
