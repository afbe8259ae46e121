package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-watchparty/backend/internal/models"
)

const pgForeignKeyViolation = "23503"

// Repository is the PostgreSQL session store.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

// NewRepository creates a PostgreSQL session store.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSession inserts an active, paused session at position 0.
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (session_id, video_ref, is_active, played_seconds, paused)
		VALUES ($1, $2, TRUE, 0, TRUE)
		ON CONFLICT (session_id) DO NOTHING
		RETURNING created_at`
	err := r.pool.QueryRow(ctx, q, s.ID, s.VideoRef).Scan(&s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrDuplicateSession
	}
	if err != nil {
		return models.Persistence("create session", err)
	}
	s.IsActive = true
	s.PlayedSeconds = 0
	s.Paused = true
	return nil
}

// GetSession returns an active session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	const q = `SELECT session_id, video_ref, is_active, played_seconds, paused, created_at
		FROM sessions WHERE session_id = $1 AND is_active`
	var s models.Session
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.VideoRef, &s.IsActive, &s.PlayedSeconds, &s.Paused, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.Persistence("get session", err)
	}
	return &s, nil
}

// UpdatePlayback stores the last known position and paused flag.
func (r *Repository) UpdatePlayback(ctx context.Context, id string, playedSeconds float64, paused bool) error {
	const q = `UPDATE sessions SET played_seconds = $1, paused = $2, updated_at = NOW() WHERE session_id = $3`
	tag, err := r.pool.Exec(ctx, q, playedSeconds, paused, id)
	if err != nil {
		return models.Persistence("update playback", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// EndSession marks an active session inactive.
func (r *Repository) EndSession(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET is_active = FALSE, updated_at = NOW() WHERE session_id = $1 AND is_active`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return models.Persistence("end session", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AppendAction inserts an action. The timestamp defaults to NOW() when a.Timestamp is zero.
func (r *Repository) AppendAction(ctx context.Context, a *models.Action) error {
	const q = `INSERT INTO actions (session_id, kind, played_seconds, created_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()))
		RETURNING created_at`
	var ts *time.Time
	if !a.Timestamp.IsZero() {
		t := a.Timestamp
		ts = &t
	}
	err := r.pool.QueryRow(ctx, q, a.SessionID, string(a.Kind), a.PlayedSeconds, ts).Scan(&a.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return models.ErrNotFound
		}
		return models.Persistence("append action", err)
	}
	return nil
}

// ListActions returns the session's actions in append order.
func (r *Repository) ListActions(ctx context.Context, sessionID string) ([]models.Action, error) {
	const q = `SELECT kind, played_seconds, created_at FROM actions WHERE session_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, models.Persistence("list actions", err)
	}
	defer rows.Close()
	list := []models.Action{}
	for rows.Next() {
		a := models.Action{SessionID: sessionID}
		var kind string
		if err := rows.Scan(&kind, &a.PlayedSeconds, &a.Timestamp); err != nil {
			return nil, models.Persistence("scan action", err)
		}
		a.Kind = models.ActionKind(kind)
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("list actions", err)
	}
	return list, nil
}
