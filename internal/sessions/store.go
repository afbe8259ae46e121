// Package sessions persists watch-party sessions and their action logs and serves the session HTTP API.
package sessions

import (
	"context"

	"github.com/aura-watchparty/backend/internal/models"
)

// Store is the durable session store. Implementations return models.ErrNotFound for unknown or inactive
// sessions, models.ErrDuplicateSession on id conflicts and *models.PersistenceError for I/O failures.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdatePlayback(ctx context.Context, id string, playedSeconds float64, paused bool) error
	EndSession(ctx context.Context, id string) error
	// AppendAction records a. A zero Timestamp is assigned by the store and written back.
	AppendAction(ctx context.Context, a *models.Action) error
	// ListActions returns a session's actions in append order.
	ListActions(ctx context.Context, sessionID string) ([]models.Action, error)
}
