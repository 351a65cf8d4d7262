package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/hound/internal/models"
)

// ErrNotFound is returned by Load when no session is stored under the id.
var ErrNotFound = errors.New("session not found")

// ErrCorrupt is returned by Load when the stored projection cannot be
// decoded. The row is a cache, so Mutate rebuilds it rather than failing.
var ErrCorrupt = errors.New("corrupt session snapshot")

// SessionSummary is one row of ListSessions.
type SessionSummary struct {
	ID           string
	TargetURL    string
	RepoPath     string
	Status       models.SessionStatus
	CurrentPhase string
	Total        int
	Completed    int
	Failed       int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists the session projection. It is a cache: every row can be
// rebuilt from the session's audit log.
type Store interface {
	Load(ctx context.Context, id string) (*models.Session, error)
	Save(ctx context.Context, s *models.Session) error
	// Mutate loads the session, applies fn and saves the result while holding
	// the session's mutex. A missing or corrupt session is passed to fn as
	// an empty Session carrying only its ID.
	Mutate(ctx context.Context, id string, fn func(s *models.Session) error) (*models.Session, error)
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	Delete(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
