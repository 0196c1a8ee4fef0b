package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/btn-forensics/internal/engine"
)

type sessionEntry struct {
	id      uuid.UUID
	session *engine.Session
	source  string
	created time.Time
}

// Registry holds live analysis sessions by id. When full, the oldest session
// is evicted to make room.
type Registry struct {
	mu      sync.RWMutex
	max     int
	entries map[uuid.UUID]*sessionEntry
}

func NewRegistry(max int) *Registry {
	if max < 1 {
		max = 1
	}
	return &Registry{max: max, entries: make(map[uuid.UUID]*sessionEntry)}
}

// Add registers s under a fresh id and returns the evicted id, if any
func (r *Registry) Add(s *engine.Session, source string) (uuid.UUID, *uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted *uuid.UUID
	if len(r.entries) >= r.max {
		oldest := r.oldestLocked()
		delete(r.entries, oldest.id)
		evicted = &oldest.id
	}

	id := uuid.New()
	r.entries[id] = &sessionEntry{id: id, session: s, source: source, created: time.Now()}
	return id, evicted
}

func (r *Registry) oldestLocked() *sessionEntry {
	var oldest *sessionEntry
	for _, e := range r.entries {
		if oldest == nil || e.created.Before(oldest.created) {
			oldest = e
		}
	}
	return oldest
}

func (r *Registry) Get(raw string) (*sessionEntry, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) Delete(raw string) bool {
	id, err := uuid.Parse(raw)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

type sessionInfo struct {
	ID        string    `json:"sessionId"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// List returns sessions newest first
func (r *Registry) List() []sessionInfo {
	r.mu.RLock()
	out := make([]sessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, sessionInfo{ID: e.id.String(), Source: e.source, CreatedAt: e.created})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
