package chain

import (
	"context"

	"github.com/ftrueblood1015/skillchain/chain/model"
)

// Phase names the lifecycle point at which observers are notified.
type Phase string

const (
	PhaseStarted       Phase = "Started"
	PhaseLinkComplete  Phase = "LinkComplete"
	PhasePaused        Phase = "Paused"
	PhaseResumed       Phase = "Resumed"
	PhaseCancelling    Phase = "Cancelling"
	PhaseCancelAborted Phase = "CancelAborted"
	PhaseCancelled     Phase = "Cancelled"
	PhaseCompleted     Phase = "Completed"
	PhaseFailed        Phase = "Failed"
)

// TransitionEvent describes one execution transition to observers.
//
// Every phase except PhaseCancelling is delivered after the transition is
// committed. PhaseCancelling is delivered before the cancelling commit so
// observers can capture the last running state; anything recorded for it is
// tentative until PhaseCancelled follows. When that commit fails,
// PhaseCancelAborted is delivered instead with the unchanged execution.
type TransitionEvent struct {
	Phase     Phase
	Execution *model.Execution
	Chain     *model.SkillChain

	// Decision is set for transitions produced by RecordLinkOutcome.
	Decision *Decision

	// Summary is a short human-readable description of the transition.
	Summary string
}

// Observer is notified of execution transitions. Observers are best-effort
// side channels: they cannot fail or veto a transition, and they receive a
// copy of the execution they may not write back.
type Observer interface {
	OnTransition(ctx context.Context, ev TransitionEvent)
}

// ContextLoader supplies initial execution context on Start when session
// auto-loading is requested. A nil map means nothing was found.
type ContextLoader interface {
	LoadContext(ctx context.Context, exec *model.Execution) map[string]any
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev TransitionEvent)

func (f ObserverFunc) OnTransition(ctx context.Context, ev TransitionEvent) { f(ctx, ev) }
