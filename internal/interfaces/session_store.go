package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

// SessionStore persists sessions. UpdateSession is an optimistic compare-and-set
// on Version.
type SessionStore interface {
	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, id string) (models.Session, error)
	// UpdateSession writes s if the stored version equals s.Version and returns
	// the stored row with the bumped version, or models.ErrConflict.
	UpdateSession(ctx context.Context, s models.Session) (models.Session, error)
	ListSessionsByParticipant(ctx context.Context, userID string, filter models.SessionFilter) ([]models.Session, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Session, error)
	ListUnsettled(ctx context.Context, endedBefore time.Time, limit int) ([]models.Session, error)
}
