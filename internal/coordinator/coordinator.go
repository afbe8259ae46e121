// Package coordinator runs the watch-party sync protocol: it owns every mutation of the session registry,
// persists user actions and decides which room members see which playback changes.
package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aura-watchparty/backend/internal/models"
	"github.com/aura-watchparty/backend/internal/registry"
	"github.com/aura-watchparty/backend/internal/sessions"
)

// ErrStopped is returned by calls that need the event loop after it has exited.
var ErrStopped = errors.New("coordinator stopped")

// Broadcaster delivers events to connections and keeps room membership.
type Broadcaster interface {
	SendToClient(clientID, event string, payload interface{})
	// BroadcastToSession sends to every member of the session's room except exceptClientID (may be empty).
	BroadcastToSession(sessionID, event string, payload interface{}, exceptClientID string)
	JoinRoom(sessionID, clientID string)
	LeaveRoom(sessionID, clientID string)
}

// Archiver schedules the upload of a session's action log.
type Archiver interface {
	EnqueueArchive(ctx context.Context, sessionID string) error
}

// Config tunes queue sizes and session lifecycle.
type Config struct {
	EventQueueSize   int
	PersistQueueSize int
	// IdleTTL is how long a session with no viewers stays live.
	IdleTTL       time.Duration
	EvictInterval time.Duration
	StoreTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = 1024
	}
	if c.PersistQueueSize <= 0 {
		c.PersistQueueSize = 1024
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithArchiver enables archiving of evicted and ended sessions.
func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

// WithClock overrides the time source for action timestamps and eviction.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type clientState struct {
	sessionID string // joined session
	pending   string // session being loaded for a join
	replay    *replayRun
}

// Coordinator serializes every protocol event through a single goroutine. Store reads happen off the loop
// and come back as events; writes go to a background persister in submission order.
type Coordinator struct {
	registry *registry.Registry
	store    sessions.Store
	out      Broadcaster
	archiver Archiver
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	events  chan interface{}
	persist chan persistJob
	stopped chan struct{}

	// owned by the loop
	clients map[string]*clientState
	pending map[string][]string
	nextRun uint64
	runCtx  context.Context

	persistFailures atomic.Int64
}

// New creates a coordinator. Call Run to start it.
func New(reg *registry.Registry, store sessions.Store, out Broadcaster, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		registry: reg,
		store:    store,
		out:      out,
		logger:   zap.NewNop(),
		cfg:      cfg,
		now:      time.Now,
		events:   make(chan interface{}, cfg.EventQueueSize),
		persist:  make(chan persistJob, cfg.PersistQueueSize),
		stopped:  make(chan struct{}),
		clients:  make(map[string]*clientState),
		pending:  make(map[string][]string),
		runCtx:   context.Background(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes events until ctx is done. On the way out it cancels running replays, flushes the playback
// state of every live session and waits for queued writes to drain.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		c.persistLoop()
	}()

	ticker := time.NewTicker(c.cfg.EvictInterval)
	defer ticker.Stop()

	c.logger.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			close(c.persist)
			<-persistDone
			close(c.stopped)
			c.logger.Info("coordinator stopped", zap.Int64("persist_failures", c.persistFailures.Load()))
			return nil
		case ev := <-c.events:
			c.handle(ev)
		case <-ticker.C:
			c.evictIdle()
		}
	}
}

// PersistFailures returns how many store writes have failed since start.
func (c *Coordinator) PersistFailures() int64 {
	return c.persistFailures.Load()
}

// Join asks for clientID to be joined to sessionID.
func (c *Coordinator) Join(clientID, sessionID string) {
	c.submit(joinEvent{clientID: clientID, sessionID: sessionID})
}

// Action records a user-initiated playback change from clientID.
func (c *Coordinator) Action(clientID, sessionID string, state models.PlaybackState, kind models.ActionKind) {
	c.submit(actionEvent{clientID: clientID, sessionID: sessionID, state: state, kind: kind})
}

// Progress records a periodic position report from clientID.
func (c *Coordinator) Progress(clientID, sessionID string, state models.PlaybackState) {
	c.submit(progressEvent{clientID: clientID, sessionID: sessionID, state: state})
}

// Disconnect forgets clientID.
func (c *Coordinator) Disconnect(clientID string) {
	c.submit(disconnectEvent{clientID: clientID})
}

// StartReplay replays sessionID's action log to clientID.
func (c *Coordinator) StartReplay(clientID, sessionID string) {
	c.submit(replayStartEvent{clientID: clientID, sessionID: sessionID})
}

// StopReplay cancels clientID's running replay.
func (c *Coordinator) StopReplay(clientID string) {
	c.submit(replayStopEvent{clientID: clientID})
}

// RemoteState applies a playback state broadcast by another instance to the local registry entry, if any.
func (c *Coordinator) RemoteState(sessionID string, state models.PlaybackState) {
	c.submit(remoteStateEvent{sessionID: sessionID, state: state})
}

// EndSession drops the live entry of a session ended in the store and tells its room. It returns once the
// loop has handled the request.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) error {
	done := make(chan struct{})
	select {
	case c.events <- endSessionEvent{sessionID: sessionID, done: done}:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) submit(ev interface{}) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Coordinator) handle(ev interface{}) {
	switch e := ev.(type) {
	case joinEvent:
		c.handleJoin(e)
	case hydratedEvent:
		c.handleHydrated(e)
	case actionEvent:
		c.handleAction(e)
	case progressEvent:
		c.handleProgress(e)
	case disconnectEvent:
		c.handleDisconnect(e)
	case remoteStateEvent:
		c.handleRemoteState(e)
	case endSessionEvent:
		c.handleEndSession(e)
	case replayStartEvent:
		c.handleReplayStart(e)
	case replayStopEvent:
		c.handleReplayStop(e)
	case replayLoadedEvent:
		c.handleReplayLoaded(e)
	case replayFinishedEvent:
		c.handleReplayFinished(e)
	default:
		c.logger.Warn("unknown coordinator event", zap.Any("event", ev))
	}
}

func (c *Coordinator) client(id string) *clientState {
	cs, ok := c.clients[id]
	if !ok {
		cs = &clientState{}
		c.clients[id] = cs
	}
	return cs
}

func (c *Coordinator) sendError(clientID, code, msg string) {
	c.out.SendToClient(clientID, EventError, ErrorPayload{Code: code, Message: msg})
}

func (c *Coordinator) handleJoin(e joinEvent) {
	if e.sessionID == "" {
		c.sendError(e.clientID, CodeBadRequest, "sessionId required")
		return
	}
	cs := c.client(e.clientID)
	if cs.sessionID == e.sessionID {
		if live, err := c.registry.Get(e.sessionID); err == nil {
			c.out.SendToClient(e.clientID, EventSessionDetails, live.Details())
		}
		return
	}
	if cs.pending == e.sessionID {
		return
	}
	// a newer join supersedes any load still in flight for this client
	cs.pending = ""
	if cs.sessionID != "" {
		c.leave(e.clientID, cs)
	}
	if _, err := c.registry.Get(e.sessionID); err == nil {
		c.completeJoin(e.clientID, cs, e.sessionID)
		return
	}

	cs.pending = e.sessionID
	waiting := c.pending[e.sessionID]
	c.pending[e.sessionID] = append(waiting, e.clientID)
	if len(waiting) == 0 {
		go c.hydrate(c.runCtx, e.sessionID, c.registry.Mark())
	}
}

func (c *Coordinator) hydrate(ctx context.Context, sessionID string, mark registry.LoadMark) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	s, err := c.store.GetSession(ctx, sessionID)
	c.submit(hydratedEvent{sessionID: sessionID, mark: mark, session: s, err: err})
}

func (c *Coordinator) handleHydrated(e hydratedEvent) {
	waiting := c.pending[e.sessionID]
	delete(c.pending, e.sessionID)

	if e.err == nil {
		if _, fresh, err := c.registry.Restore(models.LiveFromSession(e.session, c.now()), e.mark); !fresh {
			c.logger.Debug("discarding stale store read", zap.String("session_id", e.sessionID), zap.Error(err))
		}
	} else if !errors.Is(e.err, models.ErrNotFound) {
		c.logger.Error("load session", zap.String("session_id", e.sessionID), zap.Error(e.err))
	}

	for _, id := range waiting {
		cs, ok := c.clients[id]
		if !ok || cs.pending != e.sessionID {
			continue
		}
		cs.pending = ""
		if _, err := c.registry.Get(e.sessionID); err == nil {
			if cs.sessionID != "" {
				c.leave(id, cs)
			}
			c.completeJoin(id, cs, e.sessionID)
			continue
		}
		if e.err == nil || errors.Is(e.err, models.ErrNotFound) {
			c.sendError(id, CodeNotFound, "session "+e.sessionID+" not found")
		} else {
			c.sendError(id, CodeUnavailable, "session store unavailable")
		}
	}
}

func (c *Coordinator) completeJoin(clientID string, cs *clientState, sessionID string) {
	viewers, err := c.registry.IncrementViewers(sessionID)
	if err != nil {
		c.sendError(clientID, CodeNotFound, "session "+sessionID+" not found")
		return
	}
	c.out.JoinRoom(sessionID, clientID)
	cs.sessionID = sessionID
	live, _ := c.registry.Get(sessionID)
	c.out.SendToClient(clientID, EventSessionDetails, live.Details())
	c.logger.Debug("client joined session",
		zap.String("client_id", clientID), zap.String("session_id", sessionID), zap.Int("viewers", viewers))
}

func (c *Coordinator) handleAction(e actionEvent) {
	cs := c.clients[e.clientID]
	if cs == nil || cs.sessionID == "" || cs.sessionID != e.sessionID {
		c.sendError(e.clientID, CodeNotJoined, "join session "+e.sessionID+" first")
		return
	}
	if !models.ValidPosition(e.state.PlayedSeconds) {
		c.sendError(e.clientID, CodeInvalidState, "playedSeconds must be a finite, non-negative number")
		return
	}
	if !e.kind.Valid() {
		c.sendError(e.clientID, CodeInvalidKind, "invalid action kind")
		return
	}
	live, err := c.registry.UpdateState(e.sessionID, e.state.PlayedSeconds, e.state.Paused)
	if err != nil {
		c.sendError(e.clientID, CodeNotFound, "session "+e.sessionID+" not found")
		return
	}

	state := live.State()
	c.enqueuePersist(persistJob{
		sessionID: e.sessionID,
		action: &models.Action{
			SessionID:     e.sessionID,
			Kind:          e.kind,
			PlayedSeconds: e.state.PlayedSeconds,
			Timestamp:     c.now(),
		},
		playback: &state,
	})
	c.out.BroadcastToSession(e.sessionID, EventSessionDetails, models.SessionDetails{PlaybackState: state}, e.clientID)
}

func (c *Coordinator) handleProgress(e progressEvent) {
	cs := c.clients[e.clientID]
	if cs == nil || !models.ValidPosition(e.state.PlayedSeconds) {
		return
	}
	if cs.replay != nil && cs.replay.sessionID == e.sessionID {
		cs.replay.player.report(e.state.PlayedSeconds)
		return
	}
	if cs.sessionID == "" || cs.sessionID != e.sessionID {
		return
	}
	_, _ = c.registry.UpdateState(e.sessionID, e.state.PlayedSeconds, e.state.Paused)
}

func (c *Coordinator) handleDisconnect(e disconnectEvent) {
	cs, ok := c.clients[e.clientID]
	if !ok {
		return
	}
	delete(c.clients, e.clientID)
	if cs.replay != nil {
		cs.replay.cancel()
	}
	if cs.sessionID != "" {
		c.leave(e.clientID, cs)
	}
}

// leave takes clientID out of its session's room; the last one out flushes the playback state.
func (c *Coordinator) leave(clientID string, cs *clientState) {
	sessionID := cs.sessionID
	cs.sessionID = ""
	c.out.LeaveRoom(sessionID, clientID)
	viewers, err := c.registry.DecrementViewers(sessionID)
	if err != nil {
		return
	}
	c.out.BroadcastToSession(sessionID, EventMessage, LeftMessage, "")
	if viewers > 0 {
		return
	}
	if live, err := c.registry.Get(sessionID); err == nil {
		state := live.State()
		c.enqueuePersist(persistJob{sessionID: sessionID, playback: &state})
	}
}

func (c *Coordinator) handleRemoteState(e remoteStateEvent) {
	if !models.ValidPosition(e.state.PlayedSeconds) {
		return
	}
	_, _ = c.registry.UpdateState(e.sessionID, e.state.PlayedSeconds, e.state.Paused)
}

func (c *Coordinator) handleEndSession(e endSessionEvent) {
	defer close(e.done)
	live, ok := c.registry.Remove(e.sessionID)
	c.out.BroadcastToSession(e.sessionID, EventSessionEnded, SessionEndedPayload{SessionID: e.sessionID}, "")
	for id, cs := range c.clients {
		if cs.sessionID == e.sessionID {
			cs.sessionID = ""
			c.out.LeaveRoom(e.sessionID, id)
		}
	}
	job := persistJob{sessionID: e.sessionID, archive: true}
	if ok {
		state := live.State()
		job.playback = &state
	}
	c.enqueuePersist(job)
	c.logger.Info("session ended", zap.String("session_id", e.sessionID))
}

func (c *Coordinator) evictIdle() {
	cutoff := c.now().Add(-c.cfg.IdleTTL)
	for _, live := range c.registry.EvictIdle(cutoff) {
		state := live.State()
		c.enqueuePersist(persistJob{sessionID: live.ID, playback: &state, archive: true})
		c.logger.Info("evicted idle session",
			zap.String("session_id", live.ID), zap.Time("last_activity", live.LastActivity))
	}
}

func (c *Coordinator) shutdown() {
	for _, cs := range c.clients {
		if cs.replay != nil {
			cs.replay.cancel()
		}
	}
	// the loop has stopped; wait for queue space so the final state lands
	for _, live := range c.registry.Snapshot() {
		state := live.State()
		c.persist <- persistJob{sessionID: live.ID, playback: &state}
	}
}
