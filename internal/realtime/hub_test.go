package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	sessionID, origin, event string
	payload                  []byte
}

type fakePubSub struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]func(origin, event string, payload []byte)
	cancelled []string
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string]func(origin, event string, payload []byte))}
}

func (f *fakePubSub) PublishSessionEvent(sessionID, origin, event string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{sessionID, origin, event, payload})
	return nil
}

func (f *fakePubSub) SubscribeSession(sessionID string, handler func(origin, event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[sessionID] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled = append(f.cancelled, sessionID)
		delete(f.handlers, sessionID)
	}, nil
}

// gatedPubSub holds every SubscribeSession call until release is closed.
type gatedPubSub struct {
	*fakePubSub
	entered chan string
	release chan struct{}
}

func (g *gatedPubSub) SubscribeSession(sessionID string, handler func(origin, event string, payload []byte)) (func(), error) {
	g.entered <- sessionID
	<-g.release
	return g.fakePubSub.SubscribeSession(sessionID, handler)
}

func (f *fakePubSub) handler(sessionID string) func(origin, event string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[sessionID]
}

// subscribed reports whether the room's Redis subscription is established.
func (h *Hub) subscribed(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[sessionID]
	return ok && sub.cancel != nil
}

func waitSubscribed(t *testing.T, h *Hub, sessionIDs ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range sessionIDs {
			if !h.subscribed(id) {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func testClient(id string) *Client {
	return &Client{ID: id, send: make(chan WSMessage, 16), done: make(chan struct{}), progress: newProgressLimiter(ProgressLimit{})}
}

func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func newTestHub(t *testing.T, ps *fakePubSub) (*Hub, *Client, *Client, *Client) {
	t.Helper()
	h := NewHub(nil, ps, ps)
	a, b, other := testClient("a"), testClient("b"), testClient("other")
	for _, c := range []*Client{a, b, other} {
		c.logger = h.logger
		h.Register(c)
	}
	h.JoinRoom("s1", "a")
	h.JoinRoom("s1", "b")
	h.JoinRoom("s2", "other")
	waitSubscribed(t, h, "s1", "s2")
	return h, a, b, other
}

func TestHub_BroadcastSkipsSenderAndOtherRooms(t *testing.T) {
	ps := newFakePubSub()
	h, a, b, other := newTestHub(t, ps)

	h.BroadcastToSession("s1", "sessionDetails", map[string]float64{"playedSeconds": 3}, "a")

	assert.Empty(t, drain(a))
	assert.Empty(t, drain(other))
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, "sessionDetails", got[0].Event)
	assert.JSONEq(t, `{"playedSeconds":3}`, string(got[0].Data))

	require.Len(t, ps.published, 1)
	assert.Equal(t, "s1", ps.published[0].sessionID)
	assert.Equal(t, h.origin, ps.published[0].origin)
}

func TestHub_SendToClient(t *testing.T) {
	h, a, b, _ := newTestHub(t, newFakePubSub())

	h.SendToClient("a", "message", "hello")
	h.SendToClient("ghost", "message", "lost")

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, json.RawMessage(`"hello"`), got[0].Data)
	assert.Empty(t, drain(b))
}

func TestHub_RelayFromOtherInstance(t *testing.T) {
	ps := newFakePubSub()
	h, a, b, _ := newTestHub(t, ps)

	var remote []string
	h.SetRemoteHandler(func(sessionID, event string, payload []byte) {
		remote = append(remote, sessionID+":"+event+":"+string(payload))
	})

	relay := ps.handler("s1")
	require.NotNil(t, relay)

	// our own publication comes back from Redis and is ignored
	relay(h.origin, "sessionDetails", []byte(`{"playedSeconds":1}`))
	assert.Empty(t, drain(a))
	assert.Empty(t, remote)

	relay("another-node", "sessionDetails", []byte(`{"playedSeconds":2}`))
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
	assert.Equal(t, []string{`s1:sessionDetails:{"playedSeconds":2}`}, remote)
}

func TestHub_SubscriptionFollowsRoomLifetime(t *testing.T) {
	ps := newFakePubSub()
	h, a, b, other := newTestHub(t, ps)

	h.LeaveRoom("s1", "a")
	assert.Equal(t, 1, h.RoomSize("s1"))
	assert.Empty(t, ps.cancelled)

	h.Unregister(b)
	assert.Zero(t, h.RoomSize("s1"))
	assert.Equal(t, []string{"s1"}, ps.cancelled)
	assert.Nil(t, ps.handler("s1"))

	h.Unregister(a)
	h.Unregister(other)
	assert.Zero(t, h.Connections())
	assert.ElementsMatch(t, []string{"s1", "s2"}, ps.cancelled)
}

func TestHub_WithoutRedis(t *testing.T) {
	h := NewHub(nil, nil, nil)
	c := testClient("a")
	c.logger = h.logger
	h.Register(c)
	h.JoinRoom("s1", "a")

	h.BroadcastToSession("s1", "message", "hi", "")
	assert.Len(t, drain(c), 1)

	// unknown clients cannot join rooms
	h.JoinRoom("s1", "ghost")
	assert.Equal(t, 1, h.RoomSize("s1"))
}

func TestHub_SlowSubscribeDoesNotBlockRooms(t *testing.T) {
	gate := &gatedPubSub{fakePubSub: newFakePubSub(), entered: make(chan string, 4), release: make(chan struct{})}
	h := NewHub(nil, gate, gate)
	a, b := testClient("a"), testClient("b")
	h.Register(a)
	h.Register(b)

	joined := make(chan struct{})
	go func() {
		h.JoinRoom("s1", "a")
		h.JoinRoom("s1", "b")
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("JoinRoom waited on the Redis subscription")
	}
	assert.Equal(t, "s1", <-gate.entered)

	h.BroadcastToSession("s1", "message", "hi", "a")
	assert.Len(t, drain(b), 1)
	h.SendToClient("a", "message", "direct")
	assert.Len(t, drain(a), 1)

	close(gate.release)
	waitSubscribed(t, h, "s1")
	assert.NotNil(t, gate.handler("s1"))
}

func TestHub_RoomEmptiedWhileSubscribing(t *testing.T) {
	gate := &gatedPubSub{fakePubSub: newFakePubSub(), entered: make(chan string, 4), release: make(chan struct{})}
	h := NewHub(nil, gate, gate)
	a := testClient("a")
	h.Register(a)

	h.JoinRoom("s1", "a")
	<-gate.entered
	h.LeaveRoom("s1", "a")
	close(gate.release)

	require.Eventually(t, func() bool {
		gate.mu.Lock()
		defer gate.mu.Unlock()
		return len(gate.cancelled) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.subscribed("s1"))
	assert.Nil(t, gate.handler("s1"))
}
