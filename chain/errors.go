// Package chain implements the skill-chain execution engine: published chain
// definitions, the retry/escalation policy, the execution state machine and
// its best-effort session bridge.
//
// The engine is reactive. It never runs skills itself; callers execute the
// current link's skill externally and report the outcome back, and the engine
// computes and persists the next state.
package chain

import (
	"errors"
	"fmt"
)

// Error codes carried by EngineError.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeNotPublished        = "NOT_PUBLISHED"
	CodeInvalidState        = "INVALID_STATE"
	CodeLinkMismatch        = "LINK_MISMATCH"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeConfiguration       = "CONFIGURATION_ERROR"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
)

// EngineError is returned by every engine operation. Compare with errors.Is
// against the Err* sentinels, which match on Code alone.
type EngineError struct {
	Message     string
	Code        string
	ExecutionID string
	LinkID      string
	Cause       error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.ExecutionID != "" {
		msg += " (execution " + e.ExecutionID
		if e.LinkID != "" {
			msg += ", link " + e.LinkID
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Is matches any EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound            = &EngineError{Code: CodeNotFound, Message: "not found"}
	ErrNotPublished        = &EngineError{Code: CodeNotPublished, Message: "chain is not published"}
	ErrInvalidState        = &EngineError{Code: CodeInvalidState, Message: "operation not allowed in current state"}
	ErrLinkMismatch        = &EngineError{Code: CodeLinkMismatch, Message: "link is not the current link"}
	ErrConcurrencyConflict = &EngineError{Code: CodeConcurrencyConflict, Message: "execution was modified concurrently"}
	ErrConfiguration       = &EngineError{Code: CodeConfiguration, Message: "invalid chain configuration"}
	ErrInvalidArgument     = &EngineError{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// IsRetryable reports whether the caller may re-read the execution and retry
// the operation. Only concurrency conflicts are retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// CodeOf returns the code of the first EngineError in err's chain, or "".
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func newError(code, executionID, linkID, format string, args ...any) *EngineError {
	return &EngineError{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		ExecutionID: executionID,
		LinkID:      linkID,
	}
}

func invalidArgument(format string, args ...any) *EngineError {
	return newError(CodeInvalidArgument, "", "", format, args...)
}

// configurationError joins every problem found while validating a chain.
func configurationError(chainID string, problems []error) *EngineError {
	return &EngineError{
		Code:    CodeConfiguration,
		Message: fmt.Sprintf("chain %s has %d configuration problem(s)", chainID, len(problems)),
		Cause:   errors.Join(problems...),
	}
}
