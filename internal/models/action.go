package models

import (
	"math"
	"time"
)

// ActionKind names a user-initiated playback transition. The set is open; play and pause are the ones players emit.
type ActionKind string

const (
	ActionPlay  ActionKind = "play"
	ActionPause ActionKind = "pause"
)

// MaxActionKindLen bounds the length of a kind accepted from clients.
const MaxActionKindLen = 32

// Valid reports whether k can be recorded.
func (k ActionKind) Valid() bool {
	return k != "" && len(k) <= MaxActionKindLen
}

// Action is one entry of a session's append-only action log.
type Action struct {
	SessionID     string     `json:"-"`
	Kind          ActionKind `json:"kind"`
	PlayedSeconds float64    `json:"playedSeconds"`
	Timestamp     time.Time  `json:"-"`
}

// ValidPosition reports whether seconds is a usable played position.
func ValidPosition(seconds float64) bool {
	return seconds >= 0 && !math.IsNaN(seconds) && !math.IsInf(seconds, 0)
}
