package models

import (
	"time"
)

// Session is the durable record of one watch party.
type Session struct {
	ID            string    `json:"session_id"`
	VideoRef      string    `json:"videoRef"`
	IsActive      bool      `json:"is_active"`
	PlayedSeconds float64   `json:"playedSeconds"`
	Paused        bool      `json:"paused"`
	CreatedAt     time.Time `json:"created_at"`
}

// PlaybackState is the position/paused pair clients exchange over the realtime channel.
type PlaybackState struct {
	VideoRef      string  `json:"videoRef"`
	PlayedSeconds float64 `json:"playedSeconds"`
	Paused        bool    `json:"paused"`
}

// SessionDetails is the sessionDetails payload. Viewers is only set for the joiner.
type SessionDetails struct {
	PlaybackState
	Viewers int `json:"viewers,omitempty"`
}

// LiveSession is the in-memory view of a session kept by the registry. Never persisted.
type LiveSession struct {
	ID            string
	VideoRef      string
	PlayedSeconds float64
	Paused        bool
	Viewers       int
	LastActivity  time.Time
}

// State returns the entry's playback state.
func (l LiveSession) State() PlaybackState {
	return PlaybackState{VideoRef: l.VideoRef, PlayedSeconds: l.PlayedSeconds, Paused: l.Paused}
}

// Details returns the sessionDetails payload including the viewer count.
func (l LiveSession) Details() SessionDetails {
	return SessionDetails{PlaybackState: l.State(), Viewers: l.Viewers}
}

// LiveFromSession builds a registry entry from a stored session with zero viewers.
func LiveFromSession(s *Session, now time.Time) LiveSession {
	return LiveSession{
		ID:            s.ID,
		VideoRef:      s.VideoRef,
		PlayedSeconds: s.PlayedSeconds,
		Paused:        s.Paused,
		LastActivity:  now,
	}
}
