package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dario.cat/mergo"

	"github.com/ftrueblood1015/skillchain/chain/emit"
	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/store"
)

// Engine is the execution state machine. It owns execution records and
// changes them only in response to caller operations; it never runs skills
// and has no background loop.
//
// Every mutating operation on one execution is serialized: an in-process
// guard turns away a second concurrent caller immediately, and the store's
// version check catches writers in other processes. Both surface as a
// retryable ConcurrencyConflict. Operations on different executions never
// contend.
//
// All operations return a copy of the execution after the change so callers
// can dispatch the next skill without another read.
type Engine struct {
	store     store.Store
	defs      *Definitions
	policy    Policy
	emitter   emit.Emitter
	logger    *slog.Logger
	metrics   *Metrics
	observers []Observer
	loader    ContextLoader
	bridge    *SessionBridge
	tickets   TicketLookup

	sessionDefaults model.SessionOptions

	now   func() time.Time
	newID func() string
	guard *mutationGuard
}

// New creates an engine over st.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	defs := NewDefinitions(st, cfg.registry, cfg.logger)
	defs.now = cfg.now

	bridge := NewSessionBridge(cfg.sessions, st, cfg.logger)
	bridge.metrics = cfg.metrics
	bridge.emitter = cfg.emitter
	bridge.now = cfg.now
	bridge.newID = cfg.newID

	loader := cfg.loader
	if loader == nil {
		loader = bridge
	}

	return &Engine{
		store:           st,
		defs:            defs,
		policy:          cfg.policy,
		emitter:         cfg.emitter,
		logger:          cfg.logger.With("component", "chain-engine"),
		metrics:         cfg.metrics,
		observers:       append([]Observer{bridge}, cfg.observers...),
		loader:          loader,
		bridge:          bridge,
		tickets:         cfg.tickets,
		sessionDefaults: cfg.sessionDefaults,
		now:             cfg.now,
		newID:           cfg.newID,
		guard:           newMutationGuard(),
	}, nil
}

// Definitions returns the chain definition store backing the engine.
func (e *Engine) Definitions() *Definitions { return e.defs }

// Bridge returns the session bridge for explicit saves and loads.
func (e *Engine) Bridge() *SessionBridge { return e.bridge }

// StartRequest starts a new execution.
type StartRequest struct {
	ChainID     string
	TicketID    string
	InputValues map[string]any
	StartedBy   string

	// Session overlays the engine's session defaults. Nil uses the defaults
	// unchanged.
	Session *model.SessionOptions
}

// OutcomeReport is the result of one externally executed attempt.
type OutcomeReport struct {
	ExecutionID string
	LinkID      string
	Outcome     model.Outcome

	Input        json.RawMessage
	Output       json.RawMessage
	ErrorDetails string
	ExecutedBy   string

	// StartedAt is when the skill was dispatched. Zero means now.
	StartedAt time.Time

	// ExpectedVersion is the version of the execution snapshot the attempt
	// was dispatched from. It is required: a report carrying an older
	// version is a duplicate or stale and fails with CONCURRENCY_CONFLICT.
	ExpectedVersion int64
}

// PauseRequest pauses a running execution manually.
type PauseRequest struct {
	ExecutionID     string
	PausedBy        string
	Reason          string
	ExpectedVersion int64
}

// ResumeRequest resumes a manually paused execution.
type ResumeRequest struct {
	ExecutionID string
	ResumedBy   string
	// AdditionalContext is merged into the execution context, replacing
	// existing keys.
	AdditionalContext map[string]any
	ExpectedVersion   int64
}

// InterventionResolution closes an open intervention.
type InterventionResolution struct {
	ExecutionID     string
	Resolution      string
	NextAction      model.InterventionAction
	TargetLinkID    string
	ResolvedBy      string
	ExpectedVersion int64
}

// CancelRequest cancels a running or paused execution.
type CancelRequest struct {
	ExecutionID     string
	CancelledBy     string
	Reason          string
	ExpectedVersion int64
}

// StartExecution creates a running execution positioned at the first link
// of a published chain.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*model.Execution, error) {
	c, err := e.defs.GetPublished(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	first, ok := c.First()
	if !ok {
		return nil, configurationError(c.ID, []error{errors.New("chain has no links")})
	}

	now := e.now().UTC()
	exec := &model.Execution{
		ID:             e.newID(),
		ChainID:        c.ID,
		TicketID:       req.TicketID,
		Status:         model.StatusRunning,
		CurrentLinkID:  first.ID,
		CurrentAttempt: 1,
		InputValues:    cloneValues(req.InputValues),
		StartedAt:      now,
		StartedBy:      req.StartedBy,
		UpdatedAt:      now,
	}

	opts, err := e.sessionOptions(req.Session)
	if err != nil {
		return nil, err
	}
	if opts.Enabled {
		exec.Session = model.SessionBinding{
			SessionID:     sessionID(opts.SessionID, req.TicketID, exec.ID),
			Options:       opts,
			Phase:         string(PhaseStarted),
			LastUpdatedAt: &now,
		}
	}

	if e.tickets != nil && req.TicketID != "" {
		key, err := e.tickets.GetTicketKey(ctx, req.TicketID)
		if err != nil {
			e.logger.Warn("ticket key lookup failed", "ticket_id", req.TicketID, "error", err)
		} else {
			exec.TicketKey = key
		}
	}

	if opts.Enabled && opts.AutoLoadOnStart && e.loader != nil {
		if loaded := e.loader.LoadContext(ctx, exec.Clone()); len(loaded) > 0 {
			merged, err := mergeContext(exec.Context, loaded)
			if err != nil {
				e.logger.Warn("session context ignored", "execution_id", exec.ID, "error", err)
			} else {
				exec.Context = merged
			}
		}
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(CodeNotFound, exec.ID, "", "chain %s not found", c.ID)
		}
		return nil, fmt.Errorf("create execution: %w", err)
	}

	e.metrics.executionStarted()
	e.logger.Info("execution started",
		"execution_id", exec.ID, "chain_id", c.ID, "ticket_id", req.TicketID, "link_id", first.ID)
	e.emitter.Emit(emit.Event{
		ExecutionID: exec.ID,
		ChainID:     c.ID,
		LinkID:      first.ID,
		Attempt:     1,
		Msg:         emit.MsgExecutionStarted,
		Meta: map[string]interface{}{
			"status":     exec.Status.String(),
			"started_by": req.StartedBy,
			"version":    exec.Version,
		},
	})
	e.notify(ctx, TransitionEvent{
		Phase:     PhaseStarted,
		Execution: exec.Clone(),
		Chain:     c,
		Summary:   fmt.Sprintf("started at link %s", first.ID),
	})
	return exec.Clone(), nil
}

// RecordLinkOutcome applies the outcome of the current link's attempt and
// moves the execution according to the policy decision.
func (e *Engine) RecordLinkOutcome(ctx context.Context, r OutcomeReport) (*model.Execution, error) {
	if r.LinkID == "" {
		return nil, invalidArgument("link id is required")
	}
	if !r.Outcome.Valid() || r.Outcome == model.OutcomePending {
		return nil, invalidArgument("outcome %s cannot be reported", r.Outcome)
	}
	if r.ExpectedVersion <= 0 {
		return nil, invalidArgument("expected version is required to report an outcome")
	}

	return e.mutate(ctx, "record_outcome", r.ExecutionID, r.ExpectedVersion, func(exec *model.Execution, c *model.SkillChain, now time.Time) (*mutation, error) {
		if exec.Status != model.StatusRunning {
			return nil, newError(CodeInvalidState, exec.ID, r.LinkID, "cannot record an outcome while %s", exec.Status)
		}
		if r.LinkID != exec.CurrentLinkID {
			return nil, newError(CodeLinkMismatch, exec.ID, r.LinkID, "current link is %s", exec.CurrentLinkID)
		}
		link, ok := c.Link(exec.CurrentLinkID)
		if !ok {
			return nil, newError(CodeConfiguration, exec.ID, exec.CurrentLinkID, "link is not part of chain %s", c.ID)
		}

		attempt := exec.CurrentAttempt
		d, err := e.policy.Decide(c, link, attempt, r.Outcome, exec.TotalFailureCount)
		if err != nil {
			return nil, &EngineError{Code: CodeInvalidArgument, Message: "policy rejected outcome", ExecutionID: exec.ID, LinkID: link.ID, Cause: err}
		}
		// The chain-wide failure count never decreases.
		if d.TotalFailures < exec.TotalFailureCount {
			d.TotalFailures = exec.TotalFailureCount
		}
		exec.TotalFailureCount = d.TotalFailures

		m := &mutation{
			phases:   []Phase{PhaseLinkComplete},
			decision: &d,
			event: emit.Event{
				LinkID:  link.ID,
				Attempt: attempt,
				Msg:     emit.MsgLinkOutcome,
			},
			summary: fmt.Sprintf("link %s attempt %d: %s, %s", link.ID, attempt, r.Outcome, d.Kind),
		}

		switch d.Kind {
		case DecisionAdvance:
			if _, ok := c.Link(d.TargetLinkID); !ok {
				return nil, newError(CodeConfiguration, exec.ID, link.ID, "transition target %s is not part of chain %s", d.TargetLinkID, c.ID)
			}
			exec.CurrentLinkID = d.TargetLinkID
			exec.CurrentAttempt = 1
		case DecisionRetrySameLink:
			exec.CurrentAttempt = max(d.NextAttempt, 1)
		case DecisionComplete:
			exec.Status = model.StatusCompleted
			exec.CompletedAt = &now
			exec.CompletedBy = r.ExecutedBy
			m.phases = []Phase{PhaseCompleted}
			m.event.Msg = emit.MsgExecutionCompleted
		case DecisionEscalate:
			exec.Status = model.StatusPaused
			exec.RequiresHumanIntervention = true
			exec.InterventionReason = d.Reason
			m.phases = append(m.phases, PhasePaused)
			m.event.Msg = emit.MsgExecutionEscalated
			m.summary = d.Reason
		case DecisionForceFail:
			exec.Status = model.StatusFailed
			exec.CompletedAt = &now
			exec.FailureReason = d.Reason
			m.phases = []Phase{PhaseFailed}
			m.event.Msg = emit.MsgExecutionFailed
			m.summary = d.Reason
		default:
			return nil, newError(CodeInvalidArgument, exec.ID, link.ID, "unknown decision %s", d.Kind)
		}

		startedAt := r.StartedAt
		if startedAt.IsZero() {
			startedAt = now
		}
		completedAt := now
		m.attempt = &model.LinkExecution{
			ID:              e.newID(),
			ExecutionID:     exec.ID,
			LinkID:          link.ID,
			Attempt:         attempt,
			Outcome:         r.Outcome,
			Input:           r.Input,
			Output:          r.Output,
			ErrorDetails:    r.ErrorDetails,
			TransitionTaken: d.Kind.String(),
			StartedAt:       startedAt,
			CompletedAt:     &completedAt,
			ExecutedBy:      r.ExecutedBy,
		}
		m.event.Meta = map[string]interface{}{
			"outcome":        r.Outcome.String(),
			"decision":       d.Kind.String(),
			"total_failures": d.TotalFailures,
			"next_link":      exec.CurrentLinkID,
		}
		if d.Reason != "" {
			m.event.Meta["reason"] = d.Reason
		}
		if r.ErrorDetails != "" {
			m.event.Meta["error_details"] = r.ErrorDetails
		}
		m.onCommit = func() {
			e.metrics.linkOutcome(r.Outcome.String())
			e.metrics.transition(d.Kind.String())
		}
		return m, nil
	})
}

// PauseExecution pauses a running execution without opening an
// intervention. Only ResumeExecution continues it.
func (e *Engine) PauseExecution(ctx context.Context, req PauseRequest) (*model.Execution, error) {
	return e.mutate(ctx, "pause", req.ExecutionID, req.ExpectedVersion, func(exec *model.Execution, _ *model.SkillChain, _ time.Time) (*mutation, error) {
		if exec.Status != model.StatusRunning {
			return nil, newError(CodeInvalidState, exec.ID, "", "cannot pause while %s", exec.Status)
		}
		exec.Status = model.StatusPaused
		exec.RequiresHumanIntervention = false
		return &mutation{
			phases:  []Phase{PhasePaused},
			summary: pauseSummary(req),
			event: emit.Event{
				Msg:  emit.MsgExecutionPaused,
				Meta: map[string]interface{}{"paused_by": req.PausedBy, "reason": req.Reason},
			},
		}, nil
	})
}

func pauseSummary(req PauseRequest) string {
	if req.Reason != "" {
		return "paused: " + req.Reason
	}
	return "paused"
}

// ResumeExecution continues a manually paused execution. An execution paused
// by escalation must be resolved with ResolveIntervention instead.
func (e *Engine) ResumeExecution(ctx context.Context, req ResumeRequest) (*model.Execution, error) {
	return e.mutate(ctx, "resume", req.ExecutionID, req.ExpectedVersion, func(exec *model.Execution, _ *model.SkillChain, _ time.Time) (*mutation, error) {
		if exec.Status != model.StatusPaused {
			return nil, newError(CodeInvalidState, exec.ID, "", "cannot resume while %s", exec.Status)
		}
		if exec.RequiresHumanIntervention {
			return nil, newError(CodeInvalidState, exec.ID, exec.CurrentLinkID, "execution has an open intervention")
		}
		if len(req.AdditionalContext) > 0 {
			merged, err := mergeContext(exec.Context, req.AdditionalContext)
			if err != nil {
				return nil, &EngineError{Code: CodeInvalidArgument, Message: "invalid additional context", ExecutionID: exec.ID, Cause: err}
			}
			exec.Context = merged
		}
		exec.Status = model.StatusRunning
		return &mutation{
			phases:  []Phase{PhaseResumed},
			summary: "resumed",
			event: emit.Event{
				Msg:  emit.MsgExecutionResumed,
				Meta: map[string]interface{}{"resumed_by": req.ResumedBy},
			},
		}, nil
	})
}

// ResolveIntervention closes the open intervention of an escalated
// execution. The resolution is always appended to the intervention audit
// trail.
func (e *Engine) ResolveIntervention(ctx context.Context, req InterventionResolution) (*model.Execution, error) {
	if !req.NextAction.Valid() {
		return nil, invalidArgument("unknown intervention action %s", req.NextAction)
	}
	if req.NextAction == model.InterventionGoToLink && req.TargetLinkID == "" {
		return nil, invalidArgument("GoToLink resolution requires a target link")
	}

	return e.mutate(ctx, "resolve_intervention", req.ExecutionID, req.ExpectedVersion, func(exec *model.Execution, c *model.SkillChain, now time.Time) (*mutation, error) {
		if exec.Status != model.StatusPaused || !exec.RequiresHumanIntervention {
			return nil, newError(CodeInvalidState, exec.ID, "", "execution has no open intervention")
		}

		m := &mutation{
			intervention: &model.InterventionRecord{
				ID:           e.newID(),
				ExecutionID:  exec.ID,
				LinkID:       exec.CurrentLinkID,
				Reason:       exec.InterventionReason,
				Resolution:   req.Resolution,
				NextAction:   req.NextAction,
				TargetLinkID: req.TargetLinkID,
				ResolvedBy:   req.ResolvedBy,
				ResolvedAt:   now,
			},
			event: emit.Event{
				Msg: emit.MsgInterventionDone,
				Meta: map[string]interface{}{
					"action":      req.NextAction.String(),
					"resolved_by": req.ResolvedBy,
					"resolution":  req.Resolution,
				},
			},
		}

		switch req.NextAction {
		case model.InterventionRetry:
			exec.CurrentAttempt = 1
			exec.Status = model.StatusRunning
			m.phases = []Phase{PhaseResumed}
			m.summary = fmt.Sprintf("intervention resolved: retry link %s", exec.CurrentLinkID)
		case model.InterventionGoToLink:
			if _, ok := c.Link(req.TargetLinkID); !ok {
				return nil, newError(CodeNotFound, exec.ID, req.TargetLinkID, "link not found in chain %s", c.ID)
			}
			exec.CurrentLinkID = req.TargetLinkID
			exec.CurrentAttempt = 1
			exec.Status = model.StatusRunning
			m.phases = []Phase{PhaseResumed}
			m.summary = fmt.Sprintf("intervention resolved: go to link %s", req.TargetLinkID)
		case model.InterventionCancel:
			m.attempt = e.cancelAttempt(exec, now, req.ResolvedBy, req.Resolution)
			exec.Status = model.StatusCancelled
			exec.CompletedAt = &now
			exec.CompletedBy = req.ResolvedBy
			m.before = PhaseCancelling
			m.aborted = PhaseCancelAborted
			m.phases = []Phase{PhaseCancelled}
			m.summary = "intervention resolved: cancel"
		}
		exec.RequiresHumanIntervention = false
		exec.InterventionReason = ""

		m.onCommit = func() { e.metrics.intervention(req.NextAction.String()) }
		return m, nil
	})
}

// CancelExecution stops a running or paused execution. Work already
// dispatched for the current link is not interrupted; its outcome will be
// rejected.
func (e *Engine) CancelExecution(ctx context.Context, req CancelRequest) (*model.Execution, error) {
	return e.mutate(ctx, "cancel", req.ExecutionID, req.ExpectedVersion, func(exec *model.Execution, _ *model.SkillChain, now time.Time) (*mutation, error) {
		if exec.Status != model.StatusRunning && exec.Status != model.StatusPaused {
			return nil, newError(CodeInvalidState, exec.ID, "", "cannot cancel while %s", exec.Status)
		}
		attempt := e.cancelAttempt(exec, now, req.CancelledBy, req.Reason)
		exec.Status = model.StatusCancelled
		exec.CompletedAt = &now
		exec.CompletedBy = req.CancelledBy
		exec.RequiresHumanIntervention = false

		summary := "cancelled"
		if req.Reason != "" {
			summary += ": " + req.Reason
		}
		return &mutation{
			before:  PhaseCancelling,
			aborted: PhaseCancelAborted,
			phases:  []Phase{PhaseCancelled},
			attempt: attempt,
			summary: summary,
			event: emit.Event{
				Msg:  emit.MsgExecutionCancelled,
				Meta: map[string]interface{}{"cancelled_by": req.CancelledBy, "reason": req.Reason},
			},
		}, nil
	})
}

// cancelAttempt records the current link as skipped by the cancellation.
func (e *Engine) cancelAttempt(exec *model.Execution, now time.Time, by, reason string) *model.LinkExecution {
	if exec.CurrentLinkID == "" {
		return nil
	}
	completed := now
	details := "cancelled"
	if reason != "" {
		details += ": " + reason
	}
	return &model.LinkExecution{
		ID:              e.newID(),
		ExecutionID:     exec.ID,
		LinkID:          exec.CurrentLinkID,
		Attempt:         exec.CurrentAttempt,
		Outcome:         model.OutcomeSkipped,
		ErrorDetails:    details,
		TransitionTaken: "Cancel",
		StartedAt:       now,
		CompletedAt:     &completed,
		ExecutedBy:      by,
	}
}

// GetExecution returns the current execution record.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*model.Execution, error) {
	return e.load(ctx, executionID)
}

// ListCheckpoints returns the checkpoints of an execution, oldest first.
func (e *Engine) ListCheckpoints(ctx context.Context, executionID string) ([]model.ExecutionCheckpoint, error) {
	if _, err := e.load(ctx, executionID); err != nil {
		return nil, err
	}
	cps, err := e.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}

// ListLinkExecutions returns the attempt audit trail, oldest first.
func (e *Engine) ListLinkExecutions(ctx context.Context, executionID string) ([]model.LinkExecution, error) {
	if _, err := e.load(ctx, executionID); err != nil {
		return nil, err
	}
	rows, err := e.store.ListLinkExecutions(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list link executions: %w", err)
	}
	return rows, nil
}

// ListInterventions returns the intervention audit trail, oldest first.
func (e *Engine) ListInterventions(ctx context.Context, executionID string) ([]model.InterventionRecord, error) {
	if _, err := e.load(ctx, executionID); err != nil {
		return nil, err
	}
	rows, err := e.store.ListInterventions(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	return rows, nil
}

// mutation is the change one operation makes to a loaded execution.
type mutation struct {
	// before is delivered to observers ahead of the commit, with the
	// execution as it was loaded.
	before Phase
	// aborted is delivered when the commit following before fails.
	aborted Phase
	// phases are delivered in order after the commit.
	phases []Phase

	summary      string
	decision     *Decision
	attempt      *model.LinkExecution
	intervention *model.InterventionRecord

	// event is completed with execution identity and emitted after commit.
	event emit.Event

	onCommit func()
}

type mutateFunc func(exec *model.Execution, c *model.SkillChain, now time.Time) (*mutation, error)

// mutate runs fn against a copy of the stored execution and commits the
// result under the per-execution guard and the store's version check.
func (e *Engine) mutate(ctx context.Context, op, executionID string, expected int64, fn mutateFunc) (*model.Execution, error) {
	if executionID == "" {
		return nil, invalidArgument("execution id is required")
	}

	release, ok := e.guard.tryAcquire(executionID)
	if !ok {
		return nil, e.conflict(op, executionID, "guard", "another operation is in flight")
	}
	e.metrics.setInflight(e.guard.inFlight())
	defer func() {
		release()
		e.metrics.setInflight(e.guard.inFlight())
	}()

	current, err := e.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if expected != 0 && expected != current.Version {
		return nil, e.conflict(op, executionID, "version",
			fmt.Sprintf("expected version %d, found %d", expected, current.Version))
	}
	if current.Status.Terminal() {
		return nil, newError(CodeInvalidState, executionID, "", "execution is %s", current.Status)
	}

	c, err := e.defs.GetPublished(ctx, current.ChainID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	next := current.Clone()
	m, err := fn(next, c, now)
	if err != nil {
		return nil, err
	}

	next.UpdatedAt = now
	if next.Session.Options.Enabled && len(m.phases) > 0 {
		next.Session.Phase = string(m.phases[len(m.phases)-1])
		next.Session.LastUpdatedAt = &now
	}

	if m.before != "" {
		e.notify(ctx, TransitionEvent{Phase: m.before, Execution: current.Clone(), Chain: c, Decision: m.decision, Summary: m.summary})
	}

	start := time.Now()
	err = e.store.CommitTransition(ctx, store.Transition{
		Execution:       next,
		ExpectedVersion: current.Version,
		Attempt:         m.attempt,
		Intervention:    m.intervention,
	})
	e.metrics.commit(op, time.Since(start))
	if err != nil && m.aborted != "" {
		e.notify(ctx, TransitionEvent{Phase: m.aborted, Execution: current.Clone(), Chain: c, Decision: m.decision, Summary: m.summary})
	}
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, e.conflict(op, executionID, "store", "execution changed since it was read")
	case errors.Is(err, store.ErrNotFound):
		return nil, newError(CodeNotFound, executionID, "", "execution not found")
	case err != nil:
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}

	if m.onCommit != nil {
		m.onCommit()
	}
	if next.Status.Terminal() {
		e.metrics.executionFinished(next.Status.String())
	}

	e.logger.Info("execution transition",
		"op", op,
		"execution_id", next.ID,
		"status", next.Status.String(),
		"link_id", next.CurrentLinkID,
		"attempt", next.CurrentAttempt,
		"total_failures", next.TotalFailureCount,
		"version", next.Version)

	ev := m.event
	ev.ExecutionID = next.ID
	ev.ChainID = next.ChainID
	if ev.LinkID == "" {
		ev.LinkID = next.CurrentLinkID
		ev.Attempt = next.CurrentAttempt
	}
	if ev.Meta == nil {
		ev.Meta = make(map[string]interface{})
	}
	ev.Meta["status"] = next.Status.String()
	ev.Meta["version"] = next.Version
	e.emitter.Emit(ev)

	for _, phase := range m.phases {
		e.notify(ctx, TransitionEvent{Phase: phase, Execution: next.Clone(), Chain: c, Decision: m.decision, Summary: m.summary})
	}
	return next.Clone(), nil
}

func (e *Engine) conflict(op, executionID, source, detail string) error {
	e.metrics.conflict(op, source)
	e.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Msg:         emit.MsgConcurrencyConflict,
		Meta:        map[string]interface{}{"operation": op, "source": source, "detail": detail},
	})
	e.logger.Debug("concurrency conflict", "op", op, "execution_id", executionID, "source", source)
	return newError(CodeConcurrencyConflict, executionID, "", "%s: %s", op, detail)
}

func (e *Engine) load(ctx context.Context, executionID string) (*model.Execution, error) {
	if executionID == "" {
		return nil, invalidArgument("execution id is required")
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, executionID, "", "execution not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	return exec, nil
}

// notify delivers ev to every observer. A panicking observer is logged and
// skipped.
func (e *Engine) notify(ctx context.Context, ev TransitionEvent) {
	for _, o := range e.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("observer panicked", "phase", ev.Phase, "execution_id", ev.Execution.ID, "panic", r)
				}
			}()
			o.OnTransition(ctx, ev)
		}()
	}
}

// sessionOptions overlays the engine defaults onto the requested options.
// Unset fields take the default; a boolean can be enabled per request but
// not disabled below the default.
func (e *Engine) sessionOptions(requested *model.SessionOptions) (model.SessionOptions, error) {
	if requested == nil {
		return e.sessionDefaults, nil
	}
	opts := *requested
	if opts.TTLHours < 0 {
		return model.SessionOptions{}, invalidArgument("session ttl hours must be >= 0")
	}
	if err := mergo.Merge(&opts, e.sessionDefaults); err != nil {
		return model.SessionOptions{}, fmt.Errorf("merge session options: %w", err)
	}
	return opts, nil
}

func sessionID(explicit, ticketID, executionID string) string {
	switch {
	case explicit != "":
		return explicit
	case ticketID != "":
		return "ticket-" + ticketID
	default:
		return "execution-" + executionID
	}
}

// mergeContext returns a copy of base with extra merged over it.
func mergeContext(base, extra map[string]any) (map[string]any, error) {
	out := cloneValues(base)
	if out == nil {
		out = make(map[string]any, len(extra))
	}
	if err := mergo.Merge(&out, extra, mergo.WithOverride); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
