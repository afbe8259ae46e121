package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// RemoteHandler is called for every room event received from another instance.
type RemoteHandler func(sessionID, event string, payload []byte)

// Hub tracks connections and session rooms. Room broadcasts are delivered locally and published to Redis
// so members connected to other instances receive them too.
type Hub struct {
	clients  map[string]*Client
	rooms    map[string]map[string]*Client
	subs     map[string]*roomSub
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	origin   string
	onRemote RemoteHandler
}

// roomSub is a room's Redis subscription. cancel is nil until SubscribeSession returns.
type roomSub struct {
	cancel func()
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishSessionEvent(sessionID, origin, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID string, handler func(origin, event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		subs:     make(map[string]*roomSub),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
		origin:   uuid.NewString(),
	}
}

// SetRemoteHandler sets the callback for events relayed from other instances.
func (h *Hub) SetRemoteHandler(fn RemoteHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRemote = fn
}

// Register adds a connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID))
}

// Unregister removes a connection and any room membership it still has.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	for sessionID, room := range h.rooms {
		if _, ok := room[c.ID]; ok {
			h.leaveLocked(sessionID, c.ID)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID))
}

// JoinRoom adds a connection to a session room. The first member starts the room's Redis subscription in
// the background; JoinRoom never waits on Redis.
func (h *Hub) JoinRoom(sessionID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			sub := &roomSub{}
			h.subs[sessionID] = sub
			go h.subscribe(sessionID, sub)
		}
	}
	h.rooms[sessionID][clientID] = c
	h.logger.Debug("client joined room", zap.String("client_id", clientID), zap.String("session_id", sessionID))
}

func (h *Hub) subscribe(sessionID string, sub *roomSub) {
	cancel, err := h.redisSub.SubscribeSession(sessionID, func(origin, event string, payload []byte) {
		h.relay(sessionID, origin, event, payload)
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		if h.subs[sessionID] == sub {
			delete(h.subs, sessionID)
		}
		return
	}
	// room emptied (or was recreated) while subscribing
	if h.subs[sessionID] != sub {
		cancel()
		return
	}
	sub.cancel = cancel
}

// LeaveRoom removes a connection from a session room. Cancels the Redis subscription when the room empties.
func (h *Hub) LeaveRoom(sessionID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, clientID)
}

func (h *Hub) leaveLocked(sessionID, clientID string) {
	m, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(m, clientID)
	if len(m) > 0 {
		return
	}
	delete(h.rooms, sessionID)
	if sub, ok := h.subs[sessionID]; ok {
		delete(h.subs, sessionID)
		if sub.cancel != nil {
			sub.cancel()
		}
	}
}

// relay delivers an event published by another instance to local room members.
func (h *Hub) relay(sessionID, origin, event string, payload []byte) {
	if origin == h.origin {
		return
	}
	h.deliver(sessionID, WSMessage{Event: event, Data: payload}, "")
	h.mu.RLock()
	onRemote := h.onRemote
	h.mu.RUnlock()
	if onRemote != nil {
		onRemote(sessionID, event, payload)
	}
}

func encode(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

// BroadcastToSession sends to every member of the room except exceptClientID, locally and through Redis.
func (h *Hub) BroadcastToSession(sessionID, event string, payload interface{}, exceptClientID string) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(sessionID, WSMessage{Event: event, Data: data}, exceptClientID)
	if h.redis != nil {
		if err := h.redis.PublishSessionEvent(sessionID, h.origin, event, data); err != nil {
			h.logger.Warn("redis publish failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (h *Hub) deliver(sessionID string, msg WSMessage, except string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.rooms[sessionID] {
		if id == except {
			continue
		}
		c.enqueue(msg)
	}
}

// SendToClient sends a message to a single local connection.
func (h *Hub) SendToClient(clientID, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode message", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.enqueue(WSMessage{Event: event, Data: data})
}

// RoomSize returns the number of local connections in a session room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Connections returns the number of local connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
