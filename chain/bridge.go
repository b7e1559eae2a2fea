package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ftrueblood1015/skillchain/chain/emit"
	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/session"
	"github.com/ftrueblood1015/skillchain/chain/store"
)

// DefaultSessionTTL applies when an execution's session options carry no
// TTLHours.
const DefaultSessionTTL = 24 * time.Hour

// SessionBridge connects executions to session state and checkpoints. It is
// registered as an Observer and ContextLoader so the state machine never
// calls it directly. Every failure is logged, counted and swallowed.
type SessionBridge struct {
	sessions    session.Store
	checkpoints store.CheckpointStore
	logger      *slog.Logger
	metrics     *Metrics
	emitter     emit.Emitter
	now         func() time.Time
	newID       func() string
}

var (
	_ Observer      = (*SessionBridge)(nil)
	_ ContextLoader = (*SessionBridge)(nil)
)

// NewSessionBridge creates a bridge over a session store and a checkpoint
// store. Either may be nil, which disables that half of the bridge.
func NewSessionBridge(sessions session.Store, checkpoints store.CheckpointStore, logger *slog.Logger) *SessionBridge {
	cfg := defaultConfig()
	if logger == nil {
		logger = cfg.logger
	}
	return &SessionBridge{
		sessions:    sessions,
		checkpoints: checkpoints,
		logger:      logger.With("component", "session-bridge"),
		emitter:     cfg.emitter,
		now:         cfg.now,
		newID:       cfg.newID,
	}
}

// checkpointData is the default payload stored with a checkpoint.
type checkpointData struct {
	Status            string `json:"status"`
	CurrentLinkID     string `json:"current_link_id"`
	CurrentAttempt    int    `json:"current_attempt"`
	TotalFailureCount int    `json:"total_failure_count"`
	Version           int64  `json:"version"`
	Summary           string `json:"summary,omitempty"`
	// Tentative marks a checkpoint taken before its transition committed.
	Tentative bool `json:"tentative,omitempty"`
}

// TrySave records a checkpoint for exec and saves its session snapshot. It
// reports whether both writes that were attempted succeeded. data replaces
// the default checkpoint payload when non-nil.
func (b *SessionBridge) TrySave(ctx context.Context, exec *model.Execution, c *model.SkillChain, phase Phase, summary string, data []byte) bool {
	if exec == nil {
		return false
	}
	ok := true

	if data == nil {
		encoded, err := json.Marshal(checkpointData{
			Status:            exec.Status.String(),
			CurrentLinkID:     exec.CurrentLinkID,
			CurrentAttempt:    exec.CurrentAttempt,
			TotalFailureCount: exec.TotalFailureCount,
			Version:           exec.Version,
			Summary:           summary,
			Tentative:         phase == PhaseCancelling,
		})
		if err != nil {
			b.fail(exec, "encode", err)
			return false
		}
		data = encoded
	}

	if b.checkpoints != nil {
		cp := &model.ExecutionCheckpoint{
			ID:          b.newID(),
			ExecutionID: exec.ID,
			LinkID:      exec.CurrentLinkID,
			Phase:       string(phase),
			Data:        data,
			CreatedAt:   b.now().UTC(),
		}
		if c != nil {
			if l, found := c.Link(exec.CurrentLinkID); found {
				cp.LinkName = l.Name
				cp.Position = l.Position
			}
		}
		if err := b.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			b.fail(exec, "checkpoint", err)
			ok = false
		}
	}

	sessionID := exec.Session.SessionID
	if b.sessions == nil || sessionID == "" {
		return ok
	}
	snap := session.Snapshot{
		SessionID:     sessionID,
		TicketID:      exec.TicketID,
		ExecutionID:   exec.ID,
		ChainID:       exec.ChainID,
		Phase:         string(phase),
		Summary:       summary,
		CurrentLinkID: exec.CurrentLinkID,
		Context:       exec.Context,
		Checkpoint:    data,
		SavedAt:       b.now().UTC(),
	}
	if err := b.sessions.Save(ctx, snap, sessionTTL(exec.Session.Options)); err != nil {
		b.fail(exec, "save", err)
		return false
	}
	b.logger.Debug("session saved", "execution_id", exec.ID, "session_id", sessionID, "phase", phase)
	return ok
}

// TryLoad returns the live session snapshot for sessionID, or nil. A
// snapshot bound to a different ticket is treated as absent.
func (b *SessionBridge) TryLoad(ctx context.Context, ticketID, sessionID string) *session.Snapshot {
	if b.sessions == nil || sessionID == "" {
		return nil
	}
	snap, err := b.sessions.Load(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil
	case err != nil:
		b.metrics.bridgeError("load")
		b.logger.Warn("session load failed", "session_id", sessionID, "error", err)
		return nil
	}
	if ticketID != "" && snap.TicketID != "" && snap.TicketID != ticketID {
		b.logger.Warn("session bound to another ticket", "session_id", sessionID, "ticket_id", ticketID, "bound_ticket_id", snap.TicketID)
		return nil
	}
	return snap
}

// TryClear removes the session bound to exec.
func (b *SessionBridge) TryClear(ctx context.Context, exec *model.Execution) bool {
	if b.sessions == nil || exec == nil || exec.Session.SessionID == "" {
		return false
	}
	if err := b.sessions.Clear(ctx, exec.Session.SessionID); err != nil {
		b.fail(exec, "clear", err)
		return false
	}
	return true
}

// OnTransition applies the execution's auto-save and auto-clear options.
func (b *SessionBridge) OnTransition(ctx context.Context, ev TransitionEvent) {
	exec := ev.Execution
	if exec == nil || !exec.Session.Options.Enabled {
		return
	}
	opts := exec.Session.Options

	switch ev.Phase {
	case PhaseLinkComplete:
		if opts.AutoSaveOnLinkComplete {
			b.TrySave(ctx, exec, ev.Chain, ev.Phase, ev.Summary, nil)
		}
	case PhasePaused:
		if opts.AutoSaveOnPause {
			b.TrySave(ctx, exec, ev.Chain, ev.Phase, ev.Summary, nil)
		}
	case PhaseCancelling:
		if opts.AutoSaveOnCancel {
			b.TrySave(ctx, exec, ev.Chain, ev.Phase, ev.Summary, nil)
		}
	case PhaseCancelAborted:
		if opts.AutoSaveOnCancel {
			b.TrySave(ctx, exec, ev.Chain, ev.Phase, "cancel not committed", nil)
		}
	case PhaseCompleted:
		if opts.AutoClearOnComplete {
			b.TryClear(ctx, exec)
		}
	}
}

// LoadContext returns the context saved in the execution's bound session.
func (b *SessionBridge) LoadContext(ctx context.Context, exec *model.Execution) map[string]any {
	snap := b.TryLoad(ctx, exec.TicketID, exec.Session.SessionID)
	if snap == nil {
		return nil
	}
	b.logger.Info("session context loaded", "execution_id", exec.ID, "session_id", snap.SessionID, "phase", snap.Phase)
	return snap.Context
}

func (b *SessionBridge) fail(exec *model.Execution, op string, err error) {
	b.metrics.bridgeError(op)
	b.logger.Warn("session bridge "+op+" failed", "execution_id", exec.ID, "session_id", exec.Session.SessionID, "error", err)
	b.emitter.Emit(emit.Event{
		ExecutionID: exec.ID,
		ChainID:     exec.ChainID,
		LinkID:      exec.CurrentLinkID,
		Attempt:     exec.CurrentAttempt,
		Msg:         emit.MsgSessionError,
		Meta:        map[string]interface{}{"operation": op, "error": err.Error()},
	})
}

func sessionTTL(opts model.SessionOptions) time.Duration {
	if opts.TTLHours > 0 {
		return time.Duration(opts.TTLHours) * time.Hour
	}
	return DefaultSessionTTL
}
