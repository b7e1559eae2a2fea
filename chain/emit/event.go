// Package emit carries observability events out of the skill-chain engine.
package emit

// Event represents one observable change to an execution.
//
// The engine emits an event for every committed transition and for every
// best-effort side effect that fails. Events are delivered after the state
// change is durable, so a consumer never sees a transition that was rolled
// back.
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// ChainID identifies the chain definition being executed.
	ChainID string

	// LinkID is the link the event concerns. Empty for execution-level
	// events that have no current link.
	LinkID string

	// Attempt is the 1-based attempt number of LinkID, zero when not
	// applicable.
	Attempt int

	// Msg names the event. See the Msg* constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "status": Execution status after the transition
	//   - "outcome": Reported link outcome
	//   - "decision": Policy decision applied
	//   - "reason": Intervention or failure reason
	//   - "version": Execution version after the commit
	//   - "error": Error details
	Meta map[string]interface{}
}

// Event names emitted by the engine.
const (
	MsgExecutionStarted    = "execution_started"
	MsgLinkOutcome         = "link_outcome"
	MsgExecutionPaused     = "execution_paused"
	MsgExecutionResumed    = "execution_resumed"
	MsgExecutionEscalated  = "execution_escalated"
	MsgInterventionDone    = "intervention_resolved"
	MsgExecutionCompleted  = "execution_completed"
	MsgExecutionFailed     = "execution_failed"
	MsgExecutionCancelled  = "execution_cancelled"
	MsgConcurrencyConflict = "concurrency_conflict"
	MsgSessionError        = "session_error"
)
