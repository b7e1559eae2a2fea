// Package model defines the records owned by the skill-chain engine: chain
// definitions, execution instances, the append-only attempt audit trail and
// derived checkpoints.
//
// Every enumeration is a closed integer type. The zero value of each is
// invalid so that an unset field is caught by Valid() rather than silently
// read as a legitimate state.
package model

import (
	"fmt"
	"strings"
)

// SuccessTransition is the rule applied after a link reports Success.
type SuccessTransition int

const (
	// SuccessNextLink advances to the next link by position, completing the
	// execution when the link is last.
	SuccessNextLink SuccessTransition = iota + 1
	// SuccessGoToLink advances to the link's explicit on-success target.
	SuccessGoToLink
	// SuccessComplete completes the execution.
	SuccessComplete
)

var successNames = map[SuccessTransition]string{
	SuccessNextLink: "NextLink",
	SuccessGoToLink: "GoToLink",
	SuccessComplete: "Complete",
}

func (t SuccessTransition) String() string {
	if s, ok := successNames[t]; ok {
		return s
	}
	return fmt.Sprintf("SuccessTransition(%d)", int(t))
}

// Valid reports whether t is one of the declared transitions.
func (t SuccessTransition) Valid() bool {
	_, ok := successNames[t]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (t SuccessTransition) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid success transition %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *SuccessTransition) UnmarshalText(b []byte) error {
	v, err := parseEnum(successNames, string(b), "success transition")
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// FailureTransition is the rule applied once a link's own retry budget is
// exhausted.
type FailureTransition int

const (
	// FailureRetry restarts the link with a fresh attempt budget.
	FailureRetry FailureTransition = iota + 1
	// FailureGoToLink advances to the link's explicit on-failure target.
	FailureGoToLink
	// FailureEscalate pauses the execution for human intervention.
	FailureEscalate
)

var failureNames = map[FailureTransition]string{
	FailureRetry:    "Retry",
	FailureGoToLink: "GoToLink",
	FailureEscalate: "Escalate",
}

func (t FailureTransition) String() string {
	if s, ok := failureNames[t]; ok {
		return s
	}
	return fmt.Sprintf("FailureTransition(%d)", int(t))
}

// Valid reports whether t is one of the declared transitions.
func (t FailureTransition) Valid() bool {
	_, ok := failureNames[t]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (t FailureTransition) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid failure transition %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FailureTransition) UnmarshalText(b []byte) error {
	v, err := parseEnum(failureNames, string(b), "failure transition")
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Outcome is the result of one attempt at a link.
type Outcome int

const (
	OutcomePending Outcome = iota + 1
	OutcomeSuccess
	OutcomeFailure
	// OutcomeSkipped marks an attempt that was abandoned (cancellation) or
	// jumped over. It never counts against any retry budget.
	OutcomeSkipped
)

var outcomeNames = map[Outcome]string{
	OutcomePending: "Pending",
	OutcomeSuccess: "Success",
	OutcomeFailure: "Failure",
	OutcomeSkipped: "Skipped",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Valid reports whether o is one of the declared outcomes.
func (o Outcome) Valid() bool {
	_, ok := outcomeNames[o]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("invalid outcome %d", int(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	v, err := parseEnum(outcomeNames, string(b), "outcome")
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Status is the lifecycle state of an execution.
//
//	Pending -> Running -> {Completed | Failed | Cancelled}
//	Running <-> Paused
type Status int

const (
	StatusPending Status = iota + 1
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:   "Pending",
	StatusRunning:   "Running",
	StatusPaused:    "Paused",
	StatusCompleted: "Completed",
	StatusFailed:    "Failed",
	StatusCancelled: "Cancelled",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := parseEnum(statusNames, string(b), "status")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// InterventionAction is the operator's decision when resolving an open
// intervention.
type InterventionAction int

const (
	// InterventionRetry re-runs the current link with a fresh attempt budget.
	InterventionRetry InterventionAction = iota + 1
	// InterventionGoToLink moves the execution to an operator-chosen link.
	InterventionGoToLink
	// InterventionCancel cancels the execution.
	InterventionCancel
)

var interventionNames = map[InterventionAction]string{
	InterventionRetry:    "Retry",
	InterventionGoToLink: "GoToLink",
	InterventionCancel:   "Cancel",
}

func (a InterventionAction) String() string {
	if s, ok := interventionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("InterventionAction(%d)", int(a))
}

// Valid reports whether a is one of the declared actions.
func (a InterventionAction) Valid() bool {
	_, ok := interventionNames[a]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (a InterventionAction) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid intervention action %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *InterventionAction) UnmarshalText(b []byte) error {
	v, err := parseEnum(interventionNames, string(b), "intervention action")
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// parseEnum resolves a case-insensitive name against a closed name table.
func parseEnum[T comparable](names map[T]string, s, kind string) (T, error) {
	for v, name := range names {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q", kind, s)
}
