package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in a map. Expired records are dropped lazily on
// Load.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]Snapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, items: make(map[string]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap Snapshot, ttl time.Duration) error {
	if snap.SessionID == "" {
		return errors.New("session id is required")
	}
	stamp(&snap, m.now(), ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Context = cloneContext(snap.Context)
	snap.Checkpoint = append([]byte(nil), snap.Checkpoint...)
	m.items[snap.SessionID] = snap
	return nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.items[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if snap.Expired(m.now()) {
		delete(m.items, sessionID)
		return nil, ErrNotFound
	}
	snap.Context = cloneContext(snap.Context)
	return &snap, nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
	return nil
}

// Len reports how many records are held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func cloneContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
