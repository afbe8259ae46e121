package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-watchparty/backend/internal/coordinator"
	"github.com/aura-watchparty/backend/internal/models"
	"github.com/aura-watchparty/backend/internal/registry"
	"github.com/aura-watchparty/backend/internal/sessions"
	"github.com/aura-watchparty/backend/pkg/database"
)

type wsFixture struct {
	url   string
	store sessions.Store
	reg   *registry.Registry
}

func newWSFixture(t *testing.T, limit ProgressLimit) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())

	db, err := database.OpenSQLite(ctx, ":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, database.MigrateSQLite(ctx, db))
	store := sessions.NewSQLiteRepository(db)

	reg := registry.New()
	hub := NewHub(nil, nil, nil)
	coord := coordinator.New(reg, store, hub, coordinator.Config{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = coord.Run(ctx)
	}()

	r := gin.New()
	r.GET("/ws", ServeWs(hub, coord, limit, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-stopped
		db.Close()
	})
	return &wsFixture{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", store: store, reg: reg}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(WSMessage{Event: event, Data: raw}))
}

// expect reads until a message with the given event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", event)
		if msg.Event == event {
			return msg.Data
		}
	}
}

func TestWS_JoinUnknownSession(t *testing.T) {
	f := newWSFixture(t, ProgressLimit{})
	conn := f.dial(t)

	send(t, conn, "join", map[string]string{"sessionId": "nope"})
	var e coordinator.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, "error"), &e))
	assert.Equal(t, coordinator.CodeNotFound, e.Code)
}

func TestWS_ActionRoundTrip(t *testing.T) {
	f := newWSFixture(t, ProgressLimit{})
	require.NoError(t, f.store.CreateSession(context.Background(), &models.Session{ID: "party", VideoRef: "https://youtu.be/v"}))

	a, b := f.dial(t), f.dial(t)
	send(t, a, "join", map[string]string{"sessionId": "party"})
	expect(t, a, "sessionDetails")
	send(t, b, "join", map[string]string{"sessionId": "party"})
	var joined models.SessionDetails
	require.NoError(t, json.Unmarshal(expect(t, b, "sessionDetails"), &joined))
	assert.Equal(t, 2, joined.Viewers)

	send(t, a, "action", map[string]interface{}{
		"sessionId": "party",
		"state":     map[string]interface{}{"videoRef": "https://youtu.be/v", "playedSeconds": 42.5, "paused": false},
		"kind":      "play",
	})
	var got models.SessionDetails
	require.NoError(t, json.Unmarshal(expect(t, b, "sessionDetails"), &got))
	assert.Equal(t, models.PlaybackState{VideoRef: "https://youtu.be/v", PlayedSeconds: 42.5, Paused: false}, got.PlaybackState)

	require.Eventually(t, func() bool {
		actions, err := f.store.ListActions(context.Background(), "party")
		return err == nil && len(actions) == 1 && actions[0].Kind == models.ActionPlay && actions[0].PlayedSeconds == 42.5
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	var msg string
	require.NoError(t, json.Unmarshal(expect(t, b, "message"), &msg))
	assert.Equal(t, coordinator.LeftMessage, msg)
	require.Eventually(t, func() bool {
		live, err := f.reg.Get("party")
		return err == nil && live.Viewers == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWS_ExplicitDisconnect(t *testing.T) {
	f := newWSFixture(t, ProgressLimit{})
	require.NoError(t, f.store.CreateSession(context.Background(), &models.Session{ID: "party", VideoRef: "v"}))

	a, b := f.dial(t), f.dial(t)
	send(t, a, "join", map[string]string{"sessionId": "party"})
	expect(t, a, "sessionDetails")
	send(t, b, "join", map[string]string{"sessionId": "party"})
	expect(t, b, "sessionDetails")

	send(t, a, "disconnect", nil)
	expect(t, b, "message")
}

func TestWS_UnknownEventAndBadPayload(t *testing.T) {
	f := newWSFixture(t, ProgressLimit{})
	conn := f.dial(t)

	send(t, conn, "dance", nil)
	var e coordinator.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, "error"), &e))
	assert.Equal(t, coordinator.CodeBadRequest, e.Code)

	require.NoError(t, conn.WriteJSON(WSMessage{Event: "join", Data: json.RawMessage(`"not-an-object"`)}))
	require.NoError(t, json.Unmarshal(expect(t, conn, "error"), &e))
	assert.Equal(t, coordinator.CodeBadRequest, e.Code)
}

func TestWS_ProgressIsRateLimited(t *testing.T) {
	f := newWSFixture(t, ProgressLimit{PerSecond: 0.001, Burst: 1})
	require.NoError(t, f.store.CreateSession(context.Background(), &models.Session{ID: "party", VideoRef: "v"}))

	conn := f.dial(t)
	send(t, conn, "join", map[string]string{"sessionId": "party"})
	expect(t, conn, "sessionDetails")

	send(t, conn, "progress", map[string]interface{}{"sessionId": "party", "state": map[string]interface{}{"playedSeconds": 10, "paused": false}})
	send(t, conn, "progress", map[string]interface{}{"sessionId": "party", "state": map[string]interface{}{"playedSeconds": 20, "paused": false}})
	// join again to get a reply ordered after both reports
	send(t, conn, "join", map[string]string{"sessionId": "party"})
	var d models.SessionDetails
	require.NoError(t, json.Unmarshal(expect(t, conn, "sessionDetails"), &d))
	assert.Equal(t, 10.0, d.PlayedSeconds)
}

func TestWS_Replay(t *testing.T) {
	f := newWSFixture(t, ProgressLimit{})
	ctx := context.Background()
	require.NoError(t, f.store.CreateSession(ctx, &models.Session{ID: "party", VideoRef: "v"}))
	base := time.Now().Add(-time.Minute)
	for i, a := range []models.Action{
		{Kind: models.ActionPlay, PlayedSeconds: 0},
		{Kind: models.ActionPause, PlayedSeconds: 7},
	} {
		a.SessionID = "party"
		a.Timestamp = base.Add(time.Duration(i) * 20 * time.Millisecond)
		require.NoError(t, f.store.AppendAction(ctx, &a))
	}

	conn := f.dial(t)
	send(t, conn, "replay", map[string]string{"sessionId": "party"})
	var started coordinator.ReplayStartedPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, "replayStarted"), &started))
	assert.Equal(t, 1, started.Steps)

	var seek coordinator.ReplaySeekPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, "replaySeek"), &seek))
	assert.Equal(t, 7.0, seek.PlayedSeconds)
	var paused coordinator.ReplayPausedPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, "replayPaused"), &paused))
	assert.True(t, paused.Paused)
	var ended coordinator.ReplayEndedPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, "replayEnded"), &ended))
	assert.Empty(t, ended.Error)
}
