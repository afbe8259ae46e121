package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-watchparty/backend/internal/models"
	"github.com/aura-watchparty/backend/internal/registry"
	"github.com/aura-watchparty/backend/internal/replay"
	"github.com/aura-watchparty/backend/pkg/response"
)

// CreateRequest is the body for POST /session and POST /session/:id.
type CreateRequest struct {
	VideoRef string `json:"videoRef" binding:"required"`
}

// Ender tears down the live side of a session that has been ended in the store.
type Ender interface {
	EndSession(ctx context.Context, sessionID string) error
}

// ArchiveLinker hands out download links for archived action logs.
type ArchiveLinker interface {
	PresignArchive(ctx context.Context, sessionID string) (url string, expiresAt time.Time, err error)
}

type actionView struct {
	Kind          models.ActionKind `json:"kind"`
	PlayedSeconds float64           `json:"playedSeconds"`
	Timestamp     int64             `json:"timestamp"`
}

type stepView struct {
	replay.Step
	DelayMs int64 `json:"delayMs"`
	AtMs    int64 `json:"atMs"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	store    Store
	registry *registry.Registry
	ender    Ender
	archives ArchiveLinker
	logger   *zap.Logger
}

// NewHandler creates a session handler. archives may be nil when no archive storage is configured.
func NewHandler(store Store, reg *registry.Registry, ender Ender, archives ArchiveLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, registry: reg, ender: ender, archives: archives, logger: logger}
}

// Register mounts the session routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/session", h.CreateGenerated)
	r.POST("/session/:id", h.Create)
	r.GET("/session/:id", h.Get)
	r.DELETE("/session/:id", h.End)
	r.GET("/session/:id/actions", h.ListActions)
	r.GET("/session/:id/replay", h.Replay)
	r.GET("/session/:id/archive", h.Archive)
}

// Create handles POST /session/:id.
func (h *Handler) Create(c *gin.Context) {
	h.create(c, c.Param("id"))
}

// CreateGenerated handles POST /session; the id is generated.
func (h *Handler) CreateGenerated(c *gin.Context) {
	h.create(c, uuid.NewString())
}

func (h *Handler) create(c *gin.Context, id string) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if id == "" {
		response.BadRequest(c, "session id required")
		return
	}
	if _, err := h.registry.Get(id); err == nil {
		response.Conflict(c, models.ErrDuplicateSession.Error())
		return
	}

	s := &models.Session{ID: id, VideoRef: req.VideoRef}
	if err := h.store.CreateSession(c.Request.Context(), s); err != nil {
		if errors.Is(err, models.ErrDuplicateSession) {
			response.Conflict(c, err.Error())
			return
		}
		h.logger.Error("create session", zap.String("session_id", id), zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}
	live, err := h.registry.Create(id, req.VideoRef)
	if err != nil {
		// a concurrent join hydrated the row we just inserted
		live, _ = h.registry.Get(id)
	}
	h.logger.Info("session created", zap.String("session_id", id))
	response.Created(c, gin.H{
		"sessionId":     id,
		"videoRef":      live.VideoRef,
		"playedSeconds": live.PlayedSeconds,
		"paused":        live.Paused,
	})
}

// Get handles GET /session/:id. The registry answers first; a store hit is hydrated into it.
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")
	if live, err := h.registry.Get(id); err == nil {
		response.OK(c, live.State())
		return
	}
	mark := h.registry.Mark()
	s, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		h.logger.Error("get session", zap.String("session_id", id), zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	// the session may have ended while it was being read
	live, _, err := h.registry.Restore(models.LiveFromSession(s, time.Now()), mark)
	if err != nil {
		response.NotFound(c, err.Error())
		return
	}
	response.OK(c, live.State())
}

// End handles DELETE /session/:id.
func (h *Handler) End(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.EndSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		h.logger.Error("end session", zap.String("session_id", id), zap.Error(err))
		response.Internal(c, "failed to end session")
		return
	}
	if h.ender != nil {
		if err := h.ender.EndSession(c.Request.Context(), id); err != nil {
			h.logger.Warn("end live session", zap.String("session_id", id), zap.Error(err))
		}
	}
	response.NoContent(c)
}

// ListActions handles GET /session/:id/actions. Ended sessions keep their log, and an id with no
// actions yields an empty list rather than 404.
func (h *Handler) ListActions(c *gin.Context) {
	actions, ok := h.loadActions(c)
	if !ok {
		return
	}
	out := make([]actionView, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionView{Kind: a.Kind, PlayedSeconds: a.PlayedSeconds, Timestamp: a.Timestamp.UnixMilli()})
	}
	response.OK(c, gin.H{"actions": out})
}

// Replay handles GET /session/:id/replay: the schedule a replay of the session would run.
func (h *Handler) Replay(c *gin.Context) {
	actions, ok := h.loadActions(c)
	if !ok {
		return
	}
	steps, err := replay.BuildSchedule(actions)
	if err != nil {
		response.UnprocessableEntity(c, err.Error())
		return
	}
	out := make([]stepView, 0, len(steps))
	for _, s := range steps {
		out = append(out, stepView{Step: s, DelayMs: s.Delay.Milliseconds(), AtMs: s.Offset.Milliseconds()})
	}
	response.OK(c, gin.H{"steps": out})
}

// Archive handles GET /session/:id/archive.
func (h *Handler) Archive(c *gin.Context) {
	if h.archives == nil {
		response.ServiceUnavailable(c, "archive storage not configured")
		return
	}
	id := c.Param("id")
	url, expires, err := h.archives.PresignArchive(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("presign archive", zap.String("session_id", id), zap.Error(err))
		response.Internal(c, "failed to sign archive url")
		return
	}
	response.OK(c, gin.H{"url": url, "expiresAt": expires.UTC().Format(time.RFC3339)})
}

func (h *Handler) loadActions(c *gin.Context) ([]models.Action, bool) {
	id := c.Param("id")
	actions, err := h.store.ListActions(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list actions", zap.String("session_id", id), zap.Error(err))
		response.Internal(c, "failed to load actions")
		return nil, false
	}
	return actions, true
}
