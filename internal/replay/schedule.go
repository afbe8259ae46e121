// Package replay rebuilds a recorded session's play/pause/seek timeline from its action log and drives a
// passive player through it.
package replay

import (
	"fmt"
	"math"
	"time"

	"github.com/aura-watchparty/backend/internal/models"
)

// SeekTolerance is how far, in seconds, the player may drift from a step's position before it is sought.
const SeekTolerance = 1.0

// Step is one scheduled player command. Delay is measured from the previous step (or the start of the
// replay for the first step); Offset is measured from the start.
type Step struct {
	Delay         time.Duration     `json:"-"`
	Offset        time.Duration     `json:"-"`
	Kind          models.ActionKind `json:"kind"`
	PlayedSeconds float64           `json:"playedSeconds"`
	Paused        bool              `json:"paused"`
}

// BuildSchedule turns an action log, ordered by timestamp, into player commands. Consecutive actions of the
// same kind are redundant: only transitions in kind are scheduled. A transition whose timestamp precedes its
// reference yields ErrMalformedLog together with the steps built before it.
func BuildSchedule(actions []models.Action) ([]Step, error) {
	var (
		steps  []Step
		offset time.Duration
		ref    int
	)
	for i := 1; i < len(actions); i++ {
		if actions[i].Kind == actions[ref].Kind {
			continue
		}
		delay := actions[i].Timestamp.Sub(actions[ref].Timestamp)
		if delay < 0 {
			return steps, fmt.Errorf("%w: action %d at %s precedes action %d at %s", models.ErrMalformedLog,
				i, actions[i].Timestamp.Format(time.RFC3339Nano), ref, actions[ref].Timestamp.Format(time.RFC3339Nano))
		}
		offset += delay
		steps = append(steps, Step{
			Delay:         delay,
			Offset:        offset,
			Kind:          actions[i].Kind,
			PlayedSeconds: actions[i].PlayedSeconds,
			Paused:        pausedFor(actions[i].Kind),
		})
		ref = i
	}
	return steps, nil
}

func pausedFor(kind models.ActionKind) bool {
	if kind == models.ActionPlay {
		return false
	}
	return kind == models.ActionPause
}

// Player is the passive player a replay drives.
type Player interface {
	// Position returns the player's current reported position in seconds.
	Position() float64
	Seek(seconds float64)
	SetPaused(paused bool)
}

// Apply issues step's commands to p.
func Apply(p Player, step Step) {
	if math.Abs(p.Position()-step.PlayedSeconds) > SeekTolerance {
		p.Seek(step.PlayedSeconds)
	}
	p.SetPaused(step.Paused)
}
