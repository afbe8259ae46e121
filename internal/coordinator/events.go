package coordinator

import (
	"github.com/aura-watchparty/backend/internal/models"
	"github.com/aura-watchparty/backend/internal/registry"
)

// Event names sent to clients.
const (
	EventSessionDetails = "sessionDetails"
	EventMessage        = "message"
	EventError          = "error"
	EventSessionEnded   = "sessionEnded"
	EventReplayStarted  = "replayStarted"
	EventReplaySeek     = "replaySeek"
	EventReplayPaused   = "replayPaused"
	EventReplayEnded    = "replayEnded"
)

// Error codes carried by EventError.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeNotJoined    = "NOT_JOINED"
	CodeInvalidState = "INVALID_STATE"
	CodeInvalidKind  = "INVALID_KIND"
	CodeUnavailable  = "UNAVAILABLE"
	CodeBadRequest   = "BAD_REQUEST"
)

// LeftMessage is broadcast to a room when one of its viewers disconnects.
const LeftMessage = "One user has left the room"

// ErrorPayload is the data of an EventError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionEndedPayload is the data of an EventSessionEnded.
type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
}

// ReplayStartedPayload is the data of an EventReplayStarted.
type ReplayStartedPayload struct {
	SessionID string `json:"sessionId"`
	Steps     int    `json:"steps"`
}

// ReplaySeekPayload is the data of an EventReplaySeek.
type ReplaySeekPayload struct {
	PlayedSeconds float64 `json:"playedSeconds"`
}

// ReplayPausedPayload is the data of an EventReplayPaused.
type ReplayPausedPayload struct {
	Paused bool `json:"paused"`
}

// ReplayEndedPayload is the data of an EventReplayEnded.
type ReplayEndedPayload struct {
	Error string `json:"error,omitempty"`
}

// Inbound events, processed one at a time by the loop.

type joinEvent struct {
	clientID  string
	sessionID string
}

type actionEvent struct {
	clientID  string
	sessionID string
	state     models.PlaybackState
	kind      models.ActionKind
}

type progressEvent struct {
	clientID  string
	sessionID string
	state     models.PlaybackState
}

type disconnectEvent struct {
	clientID string
}

type hydratedEvent struct {
	sessionID string
	mark      registry.LoadMark
	session   *models.Session
	err       error
}

type remoteStateEvent struct {
	sessionID string
	state     models.PlaybackState
}

type endSessionEvent struct {
	sessionID string
	done      chan struct{}
}

type replayStartEvent struct {
	clientID  string
	sessionID string
}

type replayStopEvent struct {
	clientID string
}

type replayLoadedEvent struct {
	clientID string
	run      uint64
	actions  []models.Action
	err      error
}

type replayFinishedEvent struct {
	clientID string
	run      uint64
	err      error
}
