package store

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ftrueblood1015/skillchain/chain/model"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process deployments where executions need not survive restarts
//
// MemStore is safe for concurrent use. Every value handed in or out is
// cloned, so callers can never alias stored records.
type MemStore struct {
	mu            sync.RWMutex
	closed        bool
	chains        map[string]*model.SkillChain
	executions    map[string]*model.Execution
	attempts      map[string][]model.LinkExecution       // executionID -> attempts
	interventions map[string][]model.InterventionRecord  // executionID -> resolutions
	checkpoints   map[string][]model.ExecutionCheckpoint // executionID -> checkpoints
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		chains:        make(map[string]*model.SkillChain),
		executions:    make(map[string]*model.Execution),
		attempts:      make(map[string][]model.LinkExecution),
		interventions: make(map[string][]model.InterventionRecord),
		checkpoints:   make(map[string][]model.ExecutionCheckpoint),
	}
}

// SaveChain creates or replaces an unpublished chain.
func (m *MemStore) SaveChain(_ context.Context, chain *model.SkillChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if existing, ok := m.chains[chain.ID]; ok && existing.Published {
		return ErrPublished
	}

	c := chain.Clone()
	for i := range c.Links {
		c.Links[i].ChainID = c.ID
	}
	c.SortLinks()
	m.chains[c.ID] = c
	return nil
}

// GetChain loads a chain by ID.
func (m *MemStore) GetChain(_ context.Context, chainID string) (*model.SkillChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	c, ok := m.chains[chainID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// MarkPublished flips the publication flag of a chain.
func (m *MemStore) MarkPublished(_ context.Context, chainID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	c, ok := m.chains[chainID]
	if !ok {
		return ErrNotFound
	}
	if c.Published {
		return nil
	}
	c.Published = true
	t := at
	c.PublishedAt = &t
	c.UpdatedAt = at
	return nil
}

// CreateExecution inserts a new execution at version 1.
func (m *MemStore) CreateExecution(_ context.Context, exec *model.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.chains[exec.ChainID]; !ok {
		return ErrNotFound
	}
	e := exec.Clone()
	e.Version = 1
	m.executions[e.ID] = e
	exec.Version = 1
	return nil
}

// GetExecution loads an execution by ID.
func (m *MemStore) GetExecution(_ context.Context, executionID string) (*model.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	e, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// CommitTransition applies a transition if the stored version matches.
func (m *MemStore) CommitTransition(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	current, ok := m.executions[t.Execution.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != t.ExpectedVersion {
		return ErrConflict
	}

	next := t.Execution.Clone()
	next.Version = t.ExpectedVersion + 1
	m.executions[next.ID] = next
	t.Execution.Version = next.Version

	if t.Attempt != nil {
		a := *t.Attempt
		m.attempts[next.ID] = append(m.attempts[next.ID], a)
	}
	if t.Intervention != nil {
		m.interventions[next.ID] = append(m.interventions[next.ID], *t.Intervention)
	}
	return nil
}

// ListLinkExecutions returns the attempts of an execution in insertion order.
func (m *MemStore) ListLinkExecutions(_ context.Context, executionID string) ([]model.LinkExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.executions[executionID]; !ok {
		return nil, ErrNotFound
	}

	out := make([]model.LinkExecution, len(m.attempts[executionID]))
	copy(out, m.attempts[executionID])
	return out, nil
}

// ListInterventions returns the resolutions of an execution in insertion order.
func (m *MemStore) ListInterventions(_ context.Context, executionID string) ([]model.InterventionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.executions[executionID]; !ok {
		return nil, ErrNotFound
	}

	out := make([]model.InterventionRecord, len(m.interventions[executionID]))
	copy(out, m.interventions[executionID])
	return out, nil
}

// SaveCheckpoint appends a checkpoint for an existing execution.
func (m *MemStore) SaveCheckpoint(_ context.Context, cp *model.ExecutionCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.executions[cp.ExecutionID]; !ok {
		return ErrNotFound
	}

	c := *cp
	c.Data = append([]byte(nil), cp.Data...)
	m.checkpoints[cp.ExecutionID] = append(m.checkpoints[cp.ExecutionID], c)
	return nil
}

// ListCheckpoints returns the checkpoints of an execution oldest first.
func (m *MemStore) ListCheckpoints(_ context.Context, executionID string) ([]model.ExecutionCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.executions[executionID]; !ok {
		return nil, ErrNotFound
	}

	out := make([]model.ExecutionCheckpoint, len(m.checkpoints[executionID]))
	copy(out, m.checkpoints[executionID])
	return out, nil
}

// Close marks the store closed. Subsequent calls return ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// serializableMemStore is the JSON form of MemStore.
type serializableMemStore struct {
	Chains        map[string]*model.SkillChain           `json:"chains"`
	Executions    map[string]*model.Execution            `json:"executions"`
	Attempts      map[string][]model.LinkExecution       `json:"attempts"`
	Interventions map[string][]model.InterventionRecord  `json:"interventions"`
	Checkpoints   map[string][]model.ExecutionCheckpoint `json:"checkpoints"`
}

// MarshalJSON serializes the whole store so it can be written to a state
// file and restored with UnmarshalJSON.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(serializableMemStore{
		Chains:        m.chains,
		Executions:    m.executions,
		Attempts:      m.attempts,
		Interventions: m.interventions,
		Checkpoints:   m.checkpoints,
	})
}

// UnmarshalJSON replaces the store contents with the serialized data.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var s serializableMemStore
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.chains = s.Chains
	m.executions = s.Executions
	m.attempts = s.Attempts
	m.interventions = s.Interventions
	m.checkpoints = s.Checkpoints

	if m.chains == nil {
		m.chains = make(map[string]*model.SkillChain)
	}
	if m.executions == nil {
		m.executions = make(map[string]*model.Execution)
	}
	if m.attempts == nil {
		m.attempts = make(map[string][]model.LinkExecution)
	}
	if m.interventions == nil {
		m.interventions = make(map[string][]model.InterventionRecord)
	}
	if m.checkpoints == nil {
		m.checkpoints = make(map[string][]model.ExecutionCheckpoint)
	}
	return nil
}
