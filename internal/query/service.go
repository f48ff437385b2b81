// Package query serves read-only views of balances, entries and sessions.
package query

import (
	"context"
	"errors"

	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

type Service struct {
	ledger   interfaces.LedgerStore
	sessions interfaces.SessionStore
}

func NewService(ledger interfaces.LedgerStore, sessions interfaces.SessionStore) *Service {
	return &Service{ledger: ledger, sessions: sessions}
}

// Balance is a user's committed balance.
type Balance struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Version int64  `json:"version"`
}

// GetBalance returns the committed balance; users without history hold 0.
func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, models.ErrInvalidAccount
	}
	acct, err := s.ledger.GetAccount(ctx, userID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return Balance{UserID: userID}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return Balance{UserID: acct.UserID, Balance: acct.Balance, Version: acct.Version}, nil
}

// ListEntries pages through a user's entries, newest first.
func (s *Service) ListEntries(ctx context.Context, userID string, filter models.EntryFilter) ([]models.LedgerEntry, error) {
	if userID == "" {
		return nil, models.ErrInvalidAccount
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, models.ErrInvalidKind
	}
	filter.Page = filter.Page.Normalize()
	entries, err := s.ledger.GetEntriesByAccount(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return entries, nil
}

// GetEntries returns every entry of one operation.
func (s *Service) GetEntries(ctx context.Context, referenceID string) ([]models.LedgerEntry, error) {
	entries, err := s.ledger.GetEntriesByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, models.ErrReferenceNotFound
	}
	return entries, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (models.Session, error) {
	return s.sessions.GetSession(ctx, id)
}

// ListSessions pages through sessions userID takes part in, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string, filter models.SessionFilter) ([]models.Session, error) {
	if userID == "" {
		return nil, models.ErrInvalidAccount
	}
	if filter.State != "" && !filter.State.Valid() {
		return nil, models.ErrInvalidState
	}
	filter.Page = filter.Page.Normalize()
	sessions, err := s.sessions.ListSessionsByParticipant(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return sessions, nil
}
