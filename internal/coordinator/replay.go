package coordinator

import (
	"context"
	"errors"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aura-watchparty/backend/internal/replay"
)

type replayRun struct {
	id        uint64
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	player    *remotePlayer
}

// remotePlayer is the requesting connection seen as a passive player: its progress reports are the
// position, and commands go back to it as events.
type remotePlayer struct {
	clientID string
	out      Broadcaster
	pos      atomic.Uint64
}

var _ replay.Player = (*remotePlayer)(nil)

func (p *remotePlayer) Position() float64 {
	return math.Float64frombits(p.pos.Load())
}

func (p *remotePlayer) report(seconds float64) {
	p.pos.Store(math.Float64bits(seconds))
}

func (p *remotePlayer) Seek(seconds float64) {
	p.report(seconds)
	p.out.SendToClient(p.clientID, EventReplaySeek, ReplaySeekPayload{PlayedSeconds: seconds})
}

func (p *remotePlayer) SetPaused(paused bool) {
	p.out.SendToClient(p.clientID, EventReplayPaused, ReplayPausedPayload{Paused: paused})
}

func (c *Coordinator) handleReplayStart(e replayStartEvent) {
	if e.sessionID == "" {
		c.sendError(e.clientID, CodeBadRequest, "sessionId required")
		return
	}
	cs := c.client(e.clientID)
	if cs.replay != nil {
		cs.replay.cancel()
	}
	c.nextRun++
	ctx, cancel := context.WithCancel(c.runCtx)
	run := &replayRun{
		id:        c.nextRun,
		sessionID: e.sessionID,
		ctx:       ctx,
		cancel:    cancel,
		player:    &remotePlayer{clientID: e.clientID, out: c.out},
	}
	cs.replay = run
	go c.loadReplay(run, e.clientID)
}

func (c *Coordinator) loadReplay(run *replayRun, clientID string) {
	ctx, cancel := context.WithTimeout(run.ctx, c.cfg.StoreTimeout)
	defer cancel()
	actions, err := c.store.ListActions(ctx, run.sessionID)
	c.submit(replayLoadedEvent{clientID: clientID, run: run.id, actions: actions, err: err})
}

func (c *Coordinator) currentRun(clientID string, run uint64) (*clientState, bool) {
	cs, ok := c.clients[clientID]
	if !ok || cs.replay == nil || cs.replay.id != run {
		return nil, false
	}
	return cs, true
}

func (c *Coordinator) handleReplayLoaded(e replayLoadedEvent) {
	cs, ok := c.currentRun(e.clientID, e.run)
	if !ok {
		return
	}
	run := cs.replay
	if e.err != nil {
		cs.replay = nil
		run.cancel()
		c.logger.Error("load replay", zap.String("session_id", run.sessionID), zap.Error(e.err))
		c.out.SendToClient(e.clientID, EventReplayEnded, ReplayEndedPayload{Error: "session store unavailable"})
		return
	}

	steps, schedErr := replay.BuildSchedule(e.actions)
	c.out.SendToClient(e.clientID, EventReplayStarted, ReplayStartedPayload{SessionID: run.sessionID, Steps: len(steps)})
	c.logger.Debug("replay started",
		zap.String("client_id", e.clientID), zap.String("session_id", run.sessionID), zap.Int("steps", len(steps)))

	runner := replay.NewRunner(run.player, replay.WithLogger(c.logger))
	go func() {
		err := runner.Run(run.ctx, steps)
		if err == nil {
			err = schedErr
		}
		c.submit(replayFinishedEvent{clientID: e.clientID, run: run.id, err: err})
	}()
}

func (c *Coordinator) handleReplayFinished(e replayFinishedEvent) {
	cs, ok := c.currentRun(e.clientID, e.run)
	if !ok {
		return
	}
	cs.replay.cancel()
	cs.replay = nil
	var payload ReplayEndedPayload
	if e.err != nil && !errors.Is(e.err, context.Canceled) {
		payload.Error = e.err.Error()
	}
	c.out.SendToClient(e.clientID, EventReplayEnded, payload)
}

func (c *Coordinator) handleReplayStop(e replayStopEvent) {
	cs, ok := c.clients[e.clientID]
	if !ok || cs.replay == nil {
		return
	}
	cs.replay.cancel()
	cs.replay = nil
	c.out.SendToClient(e.clientID, EventReplayEnded, ReplayEndedPayload{})
}
