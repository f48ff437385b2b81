package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

// MemorySessionStore keeps sessions in a map guarded by a RWMutex.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]models.Session),
	}
}

func (m *MemorySessionStore) CreateSession(ctx context.Context, s models.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists: %w", s.ID, models.ErrConflict)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemorySessionStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return models.Session{}, models.ErrSessionNotFound
	}
	return s, nil
}

// UpdateSession is a compare-and-set on Version.
func (m *MemorySessionStore) UpdateSession(ctx context.Context, s models.Session) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.ID]
	if !ok {
		return models.Session{}, models.ErrSessionNotFound
	}
	if current.Version != s.Version {
		return models.Session{}, fmt.Errorf("session %s at version %d, expected %d: %w", s.ID, current.Version, s.Version, models.ErrConflict)
	}
	s.Version++
	m.sessions[s.ID] = s
	return s, nil
}

// ListSessionsByParticipant lists sessions newest first.
func (m *MemorySessionStore) ListSessionsByParticipant(ctx context.Context, userID string, filter models.SessionFilter) ([]models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page := filter.Page.Normalize()

	m.mu.RLock()
	matches := make([]models.Session, 0)
	for _, s := range m.sessions {
		if !s.IsParticipant(userID) {
			continue
		}
		if filter.State != "" && s.State != filter.State {
			continue
		}
		matches = append(matches, s)
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return window(matches, page), nil
}

// ListExpiredPending returns pending sessions whose expiry is at or before now,
// oldest first.
func (m *MemorySessionStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	return m.collect(ctx, limit, func(s models.Session) bool {
		return s.State == models.SessionPending && !s.ExpiresAt.After(now)
	}, func(s models.Session) time.Time { return s.ExpiresAt })
}

// ListUnsettled returns terminal sessions that ended before endedBefore and were
// never settled, oldest first.
func (m *MemorySessionStore) ListUnsettled(ctx context.Context, endedBefore time.Time, limit int) ([]models.Session, error) {
	return m.collect(ctx, limit, func(s models.Session) bool {
		return s.NeedsSettlement() && s.EndedAt != nil && s.EndedAt.Before(endedBefore)
	}, func(s models.Session) time.Time { return *s.EndedAt })
}

func (m *MemorySessionStore) collect(ctx context.Context, limit int, match func(models.Session) bool, orderBy func(models.Session) time.Time) ([]models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	result := make([]models.Session, 0)
	for _, s := range m.sessions {
		if match(s) {
			result = append(result, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return orderBy(result[i]).Before(orderBy(result[j])) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func window(sessions []models.Session, page models.Page) []models.Session {
	if page.Offset >= len(sessions) {
		return []models.Session{}
	}
	end := page.Offset + page.Limit
	if end > len(sessions) {
		end = len(sessions)
	}
	return sessions[page.Offset:end]
}

var _ interfaces.SessionStore = (*MemorySessionStore)(nil)
