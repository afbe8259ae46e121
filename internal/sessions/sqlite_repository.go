package sessions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/aura-watchparty/backend/internal/models"
)

// SQLiteRepository is the SQLite session store used for single-node deployments and tests.
// Timestamps are stored as Unix milliseconds.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a SQLite session store. The schema must already be migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateSession inserts an active, paused session at position 0.
func (r *SQLiteRepository) CreateSession(ctx context.Context, s *models.Session) error {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, video_ref, is_active, played_seconds, paused, created_at, updated_at)
		 VALUES (?, ?, 1, 0, 1, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		s.ID, s.VideoRef, toMillis(now), toMillis(now))
	if err != nil {
		return models.Persistence("create session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Persistence("create session", err)
	}
	if n == 0 {
		return models.ErrDuplicateSession
	}
	s.IsActive = true
	s.PlayedSeconds = 0
	s.Paused = true
	s.CreatedAt = fromMillis(toMillis(now))
	return nil
}

// GetSession returns an active session by id.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var (
		s       models.Session
		active  int
		paused  int
		created int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT session_id, video_ref, is_active, played_seconds, paused, created_at
		 FROM sessions WHERE session_id = ? AND is_active = 1`, id,
	).Scan(&s.ID, &s.VideoRef, &active, &s.PlayedSeconds, &paused, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.Persistence("get session", err)
	}
	s.IsActive = active != 0
	s.Paused = paused != 0
	s.CreatedAt = fromMillis(created)
	return &s, nil
}

// UpdatePlayback stores the last known position and paused flag.
func (r *SQLiteRepository) UpdatePlayback(ctx context.Context, id string, playedSeconds float64, paused bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET played_seconds = ?, paused = ?, updated_at = ? WHERE session_id = ?`,
		playedSeconds, boolToInt(paused), toMillis(r.now()), id)
	return affectedOne("update playback", res, err)
}

// EndSession marks an active session inactive.
func (r *SQLiteRepository) EndSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0, updated_at = ? WHERE session_id = ? AND is_active = 1`,
		toMillis(r.now()), id)
	return affectedOne("end session", res, err)
}

// AppendAction inserts an action, stamping it with the current time when a.Timestamp is zero.
func (r *SQLiteRepository) AppendAction(ctx context.Context, a *models.Action) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO actions (session_id, kind, played_seconds, created_at) VALUES (?, ?, ?, ?)`,
		a.SessionID, string(a.Kind), a.PlayedSeconds, toMillis(a.Timestamp))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return models.ErrNotFound
		}
		return models.Persistence("append action", err)
	}
	a.Timestamp = fromMillis(toMillis(a.Timestamp))
	return nil
}

// ListActions returns the session's actions in append order.
func (r *SQLiteRepository) ListActions(ctx context.Context, sessionID string) ([]models.Action, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT kind, played_seconds, created_at FROM actions WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, models.Persistence("list actions", err)
	}
	defer rows.Close()
	list := []models.Action{}
	for rows.Next() {
		var (
			kind string
			ms   int64
		)
		a := models.Action{SessionID: sessionID}
		if err := rows.Scan(&kind, &a.PlayedSeconds, &ms); err != nil {
			return nil, models.Persistence("scan action", err)
		}
		a.Kind = models.ActionKind(kind)
		a.Timestamp = fromMillis(ms)
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Persistence("list actions", err)
	}
	return list, nil
}

func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return models.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Persistence(op, err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
