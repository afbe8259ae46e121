package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/aura-watchparty/backend/internal/models"
)

var errPersistQueueFull = errors.New("persist queue full")

type persistJob struct {
	sessionID string
	action    *models.Action
	playback  *models.PlaybackState
	archive   bool
}

// enqueuePersist hands job to the persister. When the queue is full the job is dropped and counted as a
// persist failure; the loop never waits on the store.
func (c *Coordinator) enqueuePersist(job persistJob) {
	select {
	case c.persist <- job:
	default:
		c.persistFailed("enqueue", job.sessionID, errPersistQueueFull)
	}
}

func (c *Coordinator) persistLoop() {
	for job := range c.persist {
		c.runPersist(job)
	}
}

// runPersist uses its own context so writes queued before shutdown still land.
func (c *Coordinator) runPersist(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	defer cancel()

	if job.action != nil {
		if err := c.store.AppendAction(ctx, job.action); err != nil {
			c.persistFailed("append action", job.sessionID, err)
		}
	}
	if job.playback != nil {
		if err := c.store.UpdatePlayback(ctx, job.sessionID, job.playback.PlayedSeconds, job.playback.Paused); err != nil {
			c.persistFailed("update playback", job.sessionID, err)
		}
	}
	if job.archive && c.archiver != nil {
		if err := c.archiver.EnqueueArchive(ctx, job.sessionID); err != nil {
			c.logger.Warn("enqueue archive", zap.String("session_id", job.sessionID), zap.Error(err))
		}
	}
}

func (c *Coordinator) persistFailed(op, sessionID string, err error) {
	n := c.persistFailures.Add(1)
	c.logger.Error("persist failed",
		zap.String("op", op),
		zap.String("session_id", sessionID),
		zap.Int64("failures", n),
		zap.Error(err))
}
