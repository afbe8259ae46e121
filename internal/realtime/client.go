package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-watchparty/backend/internal/coordinator"
	"github.com/aura-watchparty/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Dispatcher receives the protocol events read from connections.
type Dispatcher interface {
	Join(clientID, sessionID string)
	Action(clientID, sessionID string, state models.PlaybackState, kind models.ActionKind)
	Progress(clientID, sessionID string, state models.PlaybackState)
	Disconnect(clientID string)
	StartReplay(clientID, sessionID string)
	StopReplay(clientID string)
}

// ProgressLimit bounds how many progress reports per second a connection may send. Excess reports are dropped.
type ProgressLimit struct {
	PerSecond float64
	Burst     int
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

type statePayload struct {
	SessionID string               `json:"sessionId"`
	State     models.PlaybackState `json:"state"`
	Kind      models.ActionKind    `json:"kind"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	JoinedAt time.Time
	hub      *Hub
	dispatch Dispatcher
	conn     *websocket.Conn
	send     chan WSMessage
	done     chan struct{}
	progress *rate.Limiter
	logger   *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, dispatch Dispatcher, limit ProgressLimit, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			JoinedAt: time.Now(),
			hub:      hub,
			dispatch: dispatch,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			done:     make(chan struct{}),
			progress: newProgressLimiter(limit),
			logger:   logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func newProgressLimiter(limit ProgressLimit) *rate.Limiter {
	if limit.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
}

// enqueue queues msg for the write pump, dropping it when the buffer is full.
func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Debug("send buffer full, dropping message", zap.String("client_id", c.ID), zap.String("event", msg.Event))
	}
}

func (c *Client) sendError(msg string) {
	c.hub.SendToClient(c.ID, coordinator.EventError, coordinator.ErrorPayload{Code: coordinator.CodeBadRequest, Message: msg})
}

func (c *Client) readPump() {
	defer func() {
		c.dispatch.Disconnect(c.ID)
		c.hub.Unregister(c)
		close(c.done)
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "join":
			var p sessionPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				c.sendError("invalid join payload")
				continue
			}
			c.dispatch.Join(c.ID, p.SessionID)
		case "action":
			var p statePayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				c.sendError("invalid action payload")
				continue
			}
			c.dispatch.Action(c.ID, p.SessionID, p.State, p.Kind)
		case "progress":
			if !c.progress.Allow() {
				continue
			}
			var p statePayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				continue
			}
			c.dispatch.Progress(c.ID, p.SessionID, p.State)
		case "replay":
			var p sessionPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				c.sendError("invalid replay payload")
				continue
			}
			c.dispatch.StartReplay(c.ID, p.SessionID)
		case "replayStop":
			c.dispatch.StopReplay(c.ID)
		case "disconnect":
			return
		default:
			c.sendError("unknown event " + msg.Event)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
