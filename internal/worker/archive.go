// Package worker runs background jobs taken from the Redis job queue.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/aura-watchparty/backend/internal/models"
	"github.com/aura-watchparty/backend/pkg/queue"
	"github.com/aura-watchparty/backend/pkg/storage"
)

// ActionLister reads a session's action log.
type ActionLister interface {
	ListActions(ctx context.Context, sessionID string) ([]models.Action, error)
}

// Uploader stores an object in the archive bucket.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// JobQueue is the part of queue.Queue the worker loop needs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ArchivedAction is one entry of an archive document.
type ArchivedAction struct {
	Kind          models.ActionKind `json:"kind"`
	PlayedSeconds float64           `json:"playedSeconds"`
	Timestamp     int64             `json:"timestamp"`
}

// Archive is the JSON document uploaded for a session.
type Archive struct {
	SessionID  string           `json:"sessionId"`
	ArchivedAt time.Time        `json:"archivedAt"`
	Actions    []ArchivedAction `json:"actions"`
}

// ArchiveProcessor processes archive jobs: read the action log from the store, upload it to S3 as JSON.
type ArchiveProcessor struct {
	actions  ActionLister
	uploader Uploader
	queue    JobQueue
	logger   *zap.Logger
	backoff  time.Duration
	now      func() time.Time
}

// NewArchiveProcessor creates an archive processor.
func NewArchiveProcessor(actions ActionLister, uploader Uploader, q JobQueue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{
		actions:  actions,
		uploader: uploader,
		queue:    q,
		logger:   logger,
		backoff:  queue.RetryBackoff,
		now:      time.Now,
	}
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveActions {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.SessionID == "" {
		return fmt.Errorf("archive job %s has no session id", job.ID)
	}

	actions, err := p.actions.ListActions(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("list actions: %w", err)
	}
	if len(actions) == 0 {
		p.logger.Info("nothing to archive", zap.String("session_id", payload.SessionID))
		return nil
	}

	doc := Archive{
		SessionID:  payload.SessionID,
		ArchivedAt: p.now().UTC(),
		Actions:    make([]ArchivedAction, 0, len(actions)),
	}
	for _, a := range actions {
		doc.Actions = append(doc.Actions, ArchivedAction{Kind: a.Kind, PlayedSeconds: a.PlayedSeconds, Timestamp: a.Timestamp.UnixMilli()})
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	key := storage.ArchiveKey(payload.SessionID)
	url, err := p.uploader.Upload(ctx, key, storage.ArchiveContentType, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("action log archived",
		zap.String("session_id", payload.SessionID),
		zap.Int("actions", len(actions)),
		zap.String("s3_key", key),
		zap.String("url", url))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("archive worker stopping")
			return
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
