// Package registry holds the live, in-memory state of every watch party served by this process.
package registry

import (
	"sync"
	"time"

	"github.com/aura-watchparty/backend/internal/models"
)

// Registry maps session id -> live entry. It is the source of truth for "now" and is only reconciled
// from the store when an entry is created or first looked up.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.LiveSession
	now      func() time.Time

	// ended records, per removed id, the generation it was removed at so loads that began earlier
	// cannot bring it back.
	gen      uint64
	ended    map[string]tombstone
	endedTTL time.Duration
}

type tombstone struct {
	gen uint64
	at  time.Time
}

// LoadMark identifies the point a store read started. Pass it to Restore.
type LoadMark uint64

// DefaultTombstoneTTL is how long removed ids are remembered. It must outlast any store read.
const DefaultTombstoneTTL = 10 * time.Minute

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for LastActivity.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTombstoneTTL overrides DefaultTombstoneTTL.
func WithTombstoneTTL(d time.Duration) Option {
	return func(r *Registry) { r.endedTTL = d }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*models.LiveSession),
		now:      time.Now,
		ended:    make(map[string]tombstone),
		endedTTL: DefaultTombstoneTTL,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a new entry at position 0, paused, with no viewers.
func (r *Registry) Create(id, videoRef string) (models.LiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return models.LiveSession{}, models.ErrDuplicateSession
	}
	s := &models.LiveSession{
		ID:           id,
		VideoRef:     videoRef,
		Paused:       true,
		LastActivity: r.now(),
	}
	r.sessions[id] = s
	return *s, nil
}

// Mark returns the current LoadMark. Take it before reading a session from the store.
func (r *Registry) Mark() LoadMark {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return LoadMark(r.gen)
}

// Restore inserts entry, read from the store after mark was taken, unless the id is already live or was
// removed since mark. It returns the live entry and whether entry was used; false means the caller's copy is
// stale. A stale copy of a removed id returns ErrNotFound.
func (r *Registry) Restore(entry models.LiveSession, mark LoadMark) (models.LiveSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[entry.ID]; ok {
		return *s, false, nil
	}
	if t, ok := r.ended[entry.ID]; ok && t.gen > uint64(mark) {
		return models.LiveSession{}, false, models.ErrNotFound
	}
	if entry.Viewers < 0 {
		entry.Viewers = 0
	}
	if entry.LastActivity.IsZero() {
		entry.LastActivity = r.now()
	}
	s := entry
	r.sessions[entry.ID] = &s
	return s, true, nil
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (models.LiveSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return models.LiveSession{}, models.ErrNotFound
	}
	return *s, nil
}

// UpdateState overwrites position and paused flag. Last writer wins.
func (r *Registry) UpdateState(id string, playedSeconds float64, paused bool) (models.LiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return models.LiveSession{}, models.ErrNotFound
	}
	s.PlayedSeconds = playedSeconds
	s.Paused = paused
	s.LastActivity = r.now()
	return *s, nil
}

// IncrementViewers adds one viewer and returns the new count.
func (r *Registry) IncrementViewers(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	s.Viewers++
	s.LastActivity = r.now()
	return s.Viewers, nil
}

// DecrementViewers removes one viewer, clamping at zero, and returns the new count.
func (r *Registry) DecrementViewers(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	if s.Viewers > 0 {
		s.Viewers--
	}
	s.LastActivity = r.now()
	return s.Viewers, nil
}

// Remove deletes the entry for id and returns it. The id is remembered as ended even when it was not live,
// so a store read already in flight cannot restore it.
func (r *Registry) Remove(id string) (models.LiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.pruneLocked(now)
	r.gen++
	r.ended[id] = tombstone{gen: r.gen, at: now}
	s, ok := r.sessions[id]
	if !ok {
		return models.LiveSession{}, false
	}
	delete(r.sessions, id)
	return *s, true
}

func (r *Registry) pruneLocked(now time.Time) {
	for id, t := range r.ended {
		if now.Sub(t.at) > r.endedTTL {
			delete(r.ended, id)
		}
	}
}

// EvictIdle removes entries with no viewers whose last activity is before cutoff.
func (r *Registry) EvictIdle(cutoff time.Time) []models.LiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	var evicted []models.LiveSession
	for id, s := range r.sessions {
		if s.Viewers == 0 && s.LastActivity.Before(cutoff) {
			evicted = append(evicted, *s)
			delete(r.sessions, id)
		}
	}
	return evicted
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns copies of all live entries.
func (r *Registry) Snapshot() []models.LiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.LiveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Clear drops every entry. Called on shutdown after the final state has been flushed.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*models.LiveSession)
}
