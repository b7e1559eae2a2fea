package model

import (
	"encoding/json"
	"time"
)

// SessionOptions controls the optional session-state integration of one
// execution. All of it is best-effort.
type SessionOptions struct {
	// Enabled turns the integration on for this execution.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// SessionID binds the execution to an existing session. When empty a
	// ticket-scoped id is derived on start.
	SessionID string `json:"session_id,omitempty" yaml:"session_id,omitempty"`

	AutoLoadOnStart        bool `json:"auto_load_on_start" yaml:"auto_load_on_start"`
	AutoSaveOnLinkComplete bool `json:"auto_save_on_link_complete" yaml:"auto_save_on_link_complete"`
	AutoSaveOnPause        bool `json:"auto_save_on_pause" yaml:"auto_save_on_pause"`
	AutoSaveOnCancel       bool `json:"auto_save_on_cancel" yaml:"auto_save_on_cancel"`
	AutoClearOnComplete    bool `json:"auto_clear_on_complete" yaml:"auto_clear_on_complete"`

	// TTLHours is the expiry applied to every saved session record.
	TTLHours int `json:"ttl_hours,omitempty" yaml:"ttl_hours,omitempty"`
}

// SessionBinding is the session-state identity bound to an execution.
type SessionBinding struct {
	SessionID     string         `json:"session_id,omitempty"`
	Options       SessionOptions `json:"options"`
	Phase         string         `json:"phase,omitempty"`
	LastUpdatedAt *time.Time     `json:"last_updated_at,omitempty"`
}

// Execution is one run of a chain. It is owned by the engine and changes only
// through engine transitions; Version increments on every committed change.
type Execution struct {
	ID        string `json:"id"`
	ChainID   string `json:"chain_id"`
	TicketID  string `json:"ticket_id,omitempty"`
	TicketKey string `json:"ticket_key,omitempty"`

	Status        Status `json:"status"`
	CurrentLinkID string `json:"current_link_id"`
	// CurrentAttempt is the 1-based attempt number of the current link.
	CurrentAttempt    int `json:"current_attempt"`
	TotalFailureCount int `json:"total_failure_count"`

	RequiresHumanIntervention bool   `json:"requires_human_intervention"`
	InterventionReason        string `json:"intervention_reason,omitempty"`
	// FailureReason is set when the execution is force-failed.
	FailureReason string `json:"failure_reason,omitempty"`

	InputValues map[string]any `json:"input_values,omitempty"`
	// Context accumulates session-loaded and operator-supplied context.
	Context map[string]any `json:"context,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	StartedBy   string     `json:"started_by"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Session SessionBinding `json:"session"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.InputValues = cloneMap(e.InputValues)
	out.Context = cloneMap(e.Context)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.Session.LastUpdatedAt != nil {
		t := *e.Session.LastUpdatedAt
		out.Session.LastUpdatedAt = &t
	}
	return &out
}

// LinkExecution is the immutable audit record of one attempt at one link.
type LinkExecution struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	LinkID       string          `json:"link_id"`
	Attempt      int             `json:"attempt"`
	Outcome      Outcome         `json:"outcome"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorDetails string          `json:"error_details,omitempty"`
	// TransitionTaken names the decision applied after this attempt.
	TransitionTaken string     `json:"transition_taken"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExecutedBy      string     `json:"executed_by"`
}

// InterventionRecord is the audit record of one operator resolution.
type InterventionRecord struct {
	ID           string             `json:"id"`
	ExecutionID  string             `json:"execution_id"`
	LinkID       string             `json:"link_id"`
	Reason       string             `json:"reason"`
	Resolution   string             `json:"resolution"`
	NextAction   InterventionAction `json:"next_action"`
	TargetLinkID string             `json:"target_link_id,omitempty"`
	ResolvedBy   string             `json:"resolved_by"`
	ResolvedAt   time.Time          `json:"resolved_at"`
}

// ExecutionCheckpoint is a diagnostic snapshot of execution progress. It is
// derived data and never authoritative over the execution record.
type ExecutionCheckpoint struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	LinkID      string          `json:"link_id"`
	LinkName    string          `json:"link_name"`
	Position    int             `json:"position"`
	Phase       string          `json:"phase"`
	Data        json.RawMessage `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
