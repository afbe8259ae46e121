package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-watchparty/backend/internal/models"
	"github.com/aura-watchparty/backend/pkg/database"
)

func newTestSQLiteStore(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.MigrateSQLite(ctx, db))
	return NewSQLiteRepository(db)
}

func TestSQLite_CreateAndGetSession(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "abc", VideoRef: "https://youtu.be/x"}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.True(t, sess.IsActive)
	assert.True(t, sess.Paused)
	assert.False(t, sess.CreatedAt.IsZero())

	got, err := s.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "https://youtu.be/x", got.VideoRef)
	assert.Zero(t, got.PlayedSeconds)
	assert.True(t, got.Paused)
	assert.True(t, got.IsActive)
}

func TestSQLite_CreateDuplicate(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "abc", VideoRef: "first"}))
	require.NoError(t, s.UpdatePlayback(ctx, "abc", 33, false))

	err := s.CreateSession(ctx, &models.Session{ID: "abc", VideoRef: "second"})
	require.ErrorIs(t, err, models.ErrDuplicateSession)

	got, err := s.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "first", got.VideoRef)
	assert.Equal(t, 33.0, got.PlayedSeconds)
	assert.False(t, got.Paused)
}

func TestSQLite_GetSessionNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSQLite_EndSession(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "abc", VideoRef: "v"}))

	require.NoError(t, s.EndSession(ctx, "abc"))
	_, err := s.GetSession(ctx, "abc")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, s.EndSession(ctx, "abc"), models.ErrNotFound)
}

func TestSQLite_UpdatePlaybackUnknown(t *testing.T) {
	s := newTestSQLiteStore(t)
	err := s.UpdatePlayback(context.Background(), "nope", 1, true)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSQLite_ActionsRoundTripInAppendOrder(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "abc", VideoRef: "v"}))

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	in := []models.Action{
		{SessionID: "abc", Kind: models.ActionPlay, PlayedSeconds: 0, Timestamp: base},
		{SessionID: "abc", Kind: models.ActionPause, PlayedSeconds: 12.75, Timestamp: base.Add(1500 * time.Millisecond)},
		// same timestamp as the previous one
		{SessionID: "abc", Kind: models.ActionPlay, PlayedSeconds: 12.75, Timestamp: base.Add(1500 * time.Millisecond)},
		{SessionID: "abc", Kind: "seek", PlayedSeconds: 90.125, Timestamp: base.Add(3 * time.Second)},
	}
	for i := range in {
		a := in[i]
		require.NoError(t, s.AppendAction(ctx, &a))
	}

	got, err := s.ListActions(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, got, len(in))
	for i := range in {
		assert.Equal(t, in[i].Kind, got[i].Kind, "kind %d", i)
		assert.Equal(t, in[i].PlayedSeconds, got[i].PlayedSeconds, "position %d", i)
		assert.True(t, in[i].Timestamp.Equal(got[i].Timestamp), "timestamp %d", i)
	}
}

func TestSQLite_AppendActionAssignsTimestamp(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "abc", VideoRef: "v"}))

	a := &models.Action{SessionID: "abc", Kind: models.ActionPlay, PlayedSeconds: 1}
	require.NoError(t, s.AppendAction(ctx, a))
	assert.True(t, fixed.Equal(a.Timestamp))
}

func TestSQLite_AppendActionUnknownSession(t *testing.T) {
	s := newTestSQLiteStore(t)
	err := s.AppendAction(context.Background(), &models.Action{SessionID: "ghost", Kind: models.ActionPlay})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSQLite_ListActionsEmpty(t *testing.T) {
	s := newTestSQLiteStore(t)
	got, err := s.ListActions(context.Background(), "nothing")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
