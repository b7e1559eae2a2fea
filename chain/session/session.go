// Package session stores the optional session state an execution may be bound
// to. Session state is a convenience for context continuity across process
// restarts; it never decides what an execution does next.
package session

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned by Load when no live record exists. Expired records
// are reported as not found.
var ErrNotFound = errors.New("session not found")

// Snapshot is one saved session record.
type Snapshot struct {
	SessionID   string `json:"session_id"`
	TicketID    string `json:"ticket_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`

	// Phase names the lifecycle point that produced the snapshot, e.g.
	// "LinkComplete", "Paused" or "Cancelling".
	Phase   string `json:"phase"`
	Summary string `json:"summary,omitempty"`

	CurrentLinkID string          `json:"current_link_id,omitempty"`
	Context       map[string]any  `json:"context,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`

	SavedAt   time.Time `json:"saved_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the snapshot is past its expiry at now. A zero
// ExpiresAt never expires.
func (s *Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Store persists session snapshots keyed by session id.
//
// Implementations:
//   - MemoryStore: process-local, for tests and single-process use
//   - BadgerStore: embedded key-value store with native TTL
//   - ObjectStore: MinIO or any S3-compatible bucket
type Store interface {
	// Save writes snap, replacing any previous record for the session. A
	// positive ttl sets ExpiresAt relative to SavedAt.
	Save(ctx context.Context, snap Snapshot, ttl time.Duration) error

	// Load returns the live record for sessionID or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*Snapshot, error)

	// Clear removes the record. Clearing a missing session is not an error.
	Clear(ctx context.Context, sessionID string) error
}

// stamp fills SavedAt and ExpiresAt.
func stamp(snap *Snapshot, now time.Time, ttl time.Duration) {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = now
	}
	snap.ExpiresAt = time.Time{}
	if ttl > 0 {
		snap.ExpiresAt = snap.SavedAt.Add(ttl)
	}
}

func encode(snap Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
