package replay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-watchparty/backend/internal/models"
)

// Runner plays a schedule against a Player in wall-clock time. Each step is timed relative to the step
// before it, so drift never accumulates over a long replay.
type Runner struct {
	player Player
	logger *zap.Logger
	after  func(time.Duration) <-chan time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTimer replaces the timer used between steps.
func WithTimer(after func(time.Duration) <-chan time.Time) RunnerOption {
	return func(r *Runner) { r.after = after }
}

// NewRunner creates a runner driving p.
func NewRunner(p Player, opts ...RunnerOption) *Runner {
	r := &Runner{player: p, logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run applies steps in order, waiting each step's delay first. It stops early when ctx is done.
func (r *Runner) Run(ctx context.Context, steps []Step) error {
	for i, step := range steps {
		if err := r.wait(ctx, step.Delay); err != nil {
			r.logger.Debug("replay cancelled", zap.Int("step", i), zap.Int("steps", len(steps)))
			return err
		}
		Apply(r.player, step)
	}
	return nil
}

// Replay schedules actions and runs them. With a malformed log the valid prefix is still played and the
// error is returned afterwards, leaving the player at its last good state.
func (r *Runner) Replay(ctx context.Context, actions []models.Action) error {
	steps, schedErr := BuildSchedule(actions)
	if schedErr != nil {
		r.logger.Warn("replay schedule truncated", zap.Error(schedErr), zap.Int("steps", len(steps)))
	}
	if err := r.Run(ctx, steps); err != nil {
		return err
	}
	return schedErr
}

func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if r.after != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.after(d):
			return nil
		}
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
