package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ftrueblood1015/skillchain/chain/emit"
	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/store"
)

func TestEngine_Construction(t *testing.T) {
	t.Run("nil store is rejected", func(t *testing.T) {
		if _, err := New(nil); err == nil {
			t.Fatal("expected error for nil store")
		}
	})

	t.Run("invalid option is rejected", func(t *testing.T) {
		if _, err := New(store.NewMemStore(), WithEmitter(nil)); err == nil {
			t.Fatal("expected error for nil emitter")
		}
	})

	t.Run("defaults", func(t *testing.T) {
		e, err := New(store.NewMemStore())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if e.Definitions() == nil || e.Bridge() == nil {
			t.Fatal("expected definitions and bridge")
		}
	})
}

func TestEngine_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("positions at the first link", func(t *testing.T) {
		f := newFixture(t, retryChain())
		exec := f.start(t, "chain-ab")

		if exec.Status != model.StatusRunning {
			t.Errorf("expected Running, got %v", exec.Status)
		}
		if exec.CurrentLinkID != "A" || exec.CurrentAttempt != 1 {
			t.Errorf("expected A attempt 1, got %s attempt %d", exec.CurrentLinkID, exec.CurrentAttempt)
		}
		if exec.Version != 1 {
			t.Errorf("expected version 1, got %d", exec.Version)
		}
		if events := f.emitter.GetHistoryWithFilter(exec.ID, emit.HistoryFilter{Msg: emit.MsgExecutionStarted}); len(events) != 1 {
			t.Errorf("expected 1 started event, got %d", len(events))
		}
	})

	t.Run("unknown chain", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.StartExecution(ctx, StartRequest{ChainID: "missing"})
		assertCode(t, err, CodeNotFound)
	})

	t.Run("draft chain", func(t *testing.T) {
		f := newFixture(t, nil)
		if err := f.engine.Definitions().SaveDraft(ctx, retryChain()); err != nil {
			t.Fatalf("SaveDraft failed: %v", err)
		}
		_, err := f.engine.StartExecution(ctx, StartRequest{ChainID: "chain-ab"})
		if !errors.Is(err, ErrNotPublished) {
			t.Fatalf("expected ErrNotPublished, got %v", err)
		}
	})

	t.Run("records ticket key", func(t *testing.T) {
		f := newFixture(t, retryChain(), WithTicketLookup(ticketKeys{"t-1": "OPS-12"}))
		exec, err := f.engine.StartExecution(ctx, StartRequest{ChainID: "chain-ab", TicketID: "t-1"})
		if err != nil {
			t.Fatalf("StartExecution failed: %v", err)
		}
		if exec.TicketKey != "OPS-12" {
			t.Errorf("expected ticket key OPS-12, got %q", exec.TicketKey)
		}
	})

	t.Run("ticket lookup failure does not block", func(t *testing.T) {
		f := newFixture(t, retryChain(), WithTicketLookup(ticketKeys{}))
		exec, err := f.engine.StartExecution(ctx, StartRequest{ChainID: "chain-ab", TicketID: "t-404"})
		if err != nil {
			t.Fatalf("StartExecution failed: %v", err)
		}
		if exec.TicketKey != "" {
			t.Errorf("expected empty ticket key, got %q", exec.TicketKey)
		}
	})
}

type ticketKeys map[string]string

func (k ticketKeys) GetTicketKey(_ context.Context, ticketID string) (string, error) {
	if key, ok := k[ticketID]; ok {
		return key, nil
	}
	return "", errors.New("ticket not found")
}

// TestEngine_RetryEscalationScenario walks A(MaxRetries=1, Retry) then
// B(MaxRetries=0, Escalate) through two A failures, an A success and a B
// failure.
func TestEngine_RetryEscalationScenario(t *testing.T) {
	f := newFixture(t, retryChain())
	exec := f.start(t, "chain-ab")

	steps := []struct {
		link         string
		outcome      model.Outcome
		wantLink     string
		wantAttempt  int
		wantFailures int
		wantStatus   model.Status
		wantDecision string
	}{
		{"A", model.OutcomeFailure, "A", 1, 1, model.StatusRunning, "RetrySameLink"},
		{"A", model.OutcomeFailure, "A", 1, 2, model.StatusRunning, "RetrySameLink"},
		{"A", model.OutcomeSuccess, "B", 1, 2, model.StatusRunning, "Advance"},
		{"B", model.OutcomeFailure, "B", 1, 3, model.StatusPaused, "Escalate"},
	}

	for i, step := range steps {
		exec = f.report(t, exec, step.link, step.outcome)
		if exec.CurrentLinkID != step.wantLink {
			t.Errorf("step %d: current link = %s, want %s", i, exec.CurrentLinkID, step.wantLink)
		}
		if exec.CurrentAttempt != step.wantAttempt {
			t.Errorf("step %d: attempt = %d, want %d", i, exec.CurrentAttempt, step.wantAttempt)
		}
		if exec.TotalFailureCount != step.wantFailures {
			t.Errorf("step %d: total failures = %d, want %d", i, exec.TotalFailureCount, step.wantFailures)
		}
		if exec.Status != step.wantStatus {
			t.Errorf("step %d: status = %v, want %v", i, exec.Status, step.wantStatus)
		}
	}

	if !exec.RequiresHumanIntervention {
		t.Error("expected intervention flag")
	}
	if exec.InterventionReason == "" {
		t.Error("expected intervention reason")
	}

	ctx := context.Background()
	rows, err := f.engine.ListLinkExecutions(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListLinkExecutions failed: %v", err)
	}
	if len(rows) != len(steps) {
		t.Fatalf("expected %d attempt rows, got %d", len(steps), len(rows))
	}
	for i, step := range steps {
		if rows[i].LinkID != step.link || rows[i].TransitionTaken != step.wantDecision {
			t.Errorf("row %d: got %s/%s, want %s/%s", i, rows[i].LinkID, rows[i].TransitionTaken, step.link, step.wantDecision)
		}
	}

	t.Run("resolve with GoToLink A", func(t *testing.T) {
		got, err := f.engine.ResolveIntervention(ctx, InterventionResolution{
			ExecutionID:  exec.ID,
			Resolution:   "restart from A",
			NextAction:   model.InterventionGoToLink,
			TargetLinkID: "A",
			ResolvedBy:   "operator",
		})
		if err != nil {
			t.Fatalf("ResolveIntervention failed: %v", err)
		}
		if got.Status != model.StatusRunning || got.CurrentLinkID != "A" || got.CurrentAttempt != 1 {
			t.Errorf("unexpected state: status=%v link=%s attempt=%d", got.Status, got.CurrentLinkID, got.CurrentAttempt)
		}
		if got.RequiresHumanIntervention {
			t.Error("expected intervention flag cleared")
		}
		if got.TotalFailureCount != 3 {
			t.Errorf("expected failure count to stay 3, got %d", got.TotalFailureCount)
		}

		records, err := f.engine.ListInterventions(ctx, exec.ID)
		if err != nil {
			t.Fatalf("ListInterventions failed: %v", err)
		}
		if len(records) != 1 || records[0].Resolution != "restart from A" || records[0].LinkID != "B" {
			t.Errorf("unexpected intervention records: %+v", records)
		}
	})
}

func TestEngine_CircuitBreaker(t *testing.T) {
	c := &model.SkillChain{
		ID:               "breaker",
		MaxTotalFailures: 2,
		Links:            []model.Link{link("L", 1, 10, model.SuccessComplete, model.FailureEscalate)},
	}
	f := newFixture(t, c)
	exec := f.start(t, "breaker")

	exec = f.report(t, exec, "L", model.OutcomeFailure)
	exec = f.report(t, exec, "L", model.OutcomeFailure)
	if exec.Status != model.StatusRunning {
		t.Fatalf("expected Running at the cap, got %v", exec.Status)
	}

	exec = f.report(t, exec, "L", model.OutcomeFailure)
	if exec.Status != model.StatusFailed {
		t.Fatalf("expected Failed past the cap, got %v", exec.Status)
	}
	if exec.TotalFailureCount != 3 {
		t.Errorf("expected 3 failures, got %d", exec.TotalFailureCount)
	}
	if exec.FailureReason == "" || exec.CompletedAt == nil {
		t.Error("expected failure reason and completion time")
	}
}

func TestEngine_SingleLinkCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, singleLinkChain())
	exec := f.start(t, "chain-c")

	exec = f.report(t, exec, "C", model.OutcomeSuccess)
	if exec.Status != model.StatusCompleted {
		t.Fatalf("expected Completed, got %v", exec.Status)
	}
	if exec.CompletedAt == nil || exec.CompletedBy != "runner" {
		t.Errorf("expected completion stamp, got %v by %q", exec.CompletedAt, exec.CompletedBy)
	}

	before, _ := f.engine.GetExecution(ctx, exec.ID)

	t.Run("no mutation accepted afterwards", func(t *testing.T) {
		_, err := f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "C", Outcome: model.OutcomeSuccess, ExpectedVersion: exec.Version})
		assertCode(t, err, CodeInvalidState)

		_, err = f.engine.PauseExecution(ctx, PauseRequest{ExecutionID: exec.ID})
		assertCode(t, err, CodeInvalidState)

		_, err = f.engine.ResumeExecution(ctx, ResumeRequest{ExecutionID: exec.ID})
		assertCode(t, err, CodeInvalidState)

		_, err = f.engine.ResolveIntervention(ctx, InterventionResolution{ExecutionID: exec.ID, NextAction: model.InterventionRetry})
		assertCode(t, err, CodeInvalidState)

		_, err = f.engine.CancelExecution(ctx, CancelRequest{ExecutionID: exec.ID})
		assertCode(t, err, CodeInvalidState)
	})

	after, _ := f.engine.GetExecution(ctx, exec.ID)
	if after.Version != before.Version || after.Status != model.StatusCompleted {
		t.Errorf("terminal execution changed: %+v", after)
	}
}

func TestEngine_LinkMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retryChain())
	exec := f.start(t, "chain-ab")

	_, err := f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "B", Outcome: model.OutcomeSuccess, ExpectedVersion: exec.Version})
	assertCode(t, err, CodeLinkMismatch)
	if !errors.Is(err, ErrLinkMismatch) {
		t.Error("expected errors.Is ErrLinkMismatch")
	}

	got, _ := f.engine.GetExecution(ctx, exec.ID)
	if got.Version != exec.Version || got.CurrentLinkID != "A" {
		t.Errorf("mismatch changed state: version %d link %s", got.Version, got.CurrentLinkID)
	}
	rows, _ := f.engine.ListLinkExecutions(ctx, exec.ID)
	if len(rows) != 0 {
		t.Errorf("mismatch wrote %d attempt rows", len(rows))
	}
}

func TestEngine_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retryChain())
	exec := f.start(t, "chain-ab")

	tests := []struct {
		name string
		call func() error
		code string
	}{
		{"pending outcome", func() error {
			_, err := f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomePending})
			return err
		}, CodeInvalidArgument},
		{"missing expected version", func() error {
			_, err := f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeFailure})
			return err
		}, CodeInvalidArgument},
		{"missing link id", func() error {
			_, err := f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, Outcome: model.OutcomeSuccess})
			return err
		}, CodeInvalidArgument},
		{"missing execution id", func() error {
			_, err := f.engine.PauseExecution(ctx, PauseRequest{})
			return err
		}, CodeInvalidArgument},
		{"unknown execution", func() error {
			_, err := f.engine.CancelExecution(ctx, CancelRequest{ExecutionID: "nope"})
			return err
		}, CodeNotFound},
		{"go to link without target", func() error {
			_, err := f.engine.ResolveIntervention(ctx, InterventionResolution{ExecutionID: exec.ID, NextAction: model.InterventionGoToLink})
			return err
		}, CodeInvalidArgument},
		{"resolve without open intervention", func() error {
			_, err := f.engine.ResolveIntervention(ctx, InterventionResolution{ExecutionID: exec.ID, NextAction: model.InterventionRetry})
			return err
		}, CodeInvalidState},
		{"resume a running execution", func() error {
			_, err := f.engine.ResumeExecution(ctx, ResumeRequest{ExecutionID: exec.ID})
			return err
		}, CodeInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertCode(t, tt.call(), tt.code)
		})
	}
}

func TestEngine_PauseResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retryChain())
	exec := f.start(t, "chain-ab")

	paused, err := f.engine.PauseExecution(ctx, PauseRequest{ExecutionID: exec.ID, PausedBy: "ops", Reason: "maintenance"})
	if err != nil {
		t.Fatalf("PauseExecution failed: %v", err)
	}
	if paused.Status != model.StatusPaused || paused.RequiresHumanIntervention {
		t.Fatalf("expected manual pause, got %+v", paused)
	}

	_, err = f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeSuccess, ExpectedVersion: paused.Version})
	assertCode(t, err, CodeInvalidState)

	_, err = f.engine.ResolveIntervention(ctx, InterventionResolution{ExecutionID: exec.ID, NextAction: model.InterventionRetry})
	assertCode(t, err, CodeInvalidState)

	resumed, err := f.engine.ResumeExecution(ctx, ResumeRequest{
		ExecutionID:       exec.ID,
		ResumedBy:         "ops",
		AdditionalContext: map[string]any{"note": "back online"},
	})
	if err != nil {
		t.Fatalf("ResumeExecution failed: %v", err)
	}
	if resumed.Status != model.StatusRunning {
		t.Errorf("expected Running, got %v", resumed.Status)
	}
	if resumed.Context["note"] != "back online" {
		t.Errorf("expected merged context, got %v", resumed.Context)
	}
	if resumed.Version != exec.Version+2 {
		t.Errorf("expected version %d, got %d", exec.Version+2, resumed.Version)
	}
}

func TestEngine_ResumeRejectsOpenIntervention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, singleLinkChain())
	exec := f.start(t, "chain-c")
	exec = f.report(t, exec, "C", model.OutcomeFailure)
	if !exec.RequiresHumanIntervention {
		t.Fatal("expected escalation")
	}

	_, err := f.engine.ResumeExecution(ctx, ResumeRequest{ExecutionID: exec.ID})
	assertCode(t, err, CodeInvalidState)
}

func TestEngine_ResolveIntervention(t *testing.T) {
	ctx := context.Background()

	escalated := func(t *testing.T) (*fixture, *model.Execution) {
		f := newFixture(t, retryChain())
		exec := f.start(t, "chain-ab")
		exec = f.report(t, exec, "A", model.OutcomeSuccess)
		exec = f.report(t, exec, "B", model.OutcomeFailure)
		if exec.Status != model.StatusPaused {
			t.Fatalf("expected Paused, got %v", exec.Status)
		}
		return f, exec
	}

	t.Run("retry resets the attempt", func(t *testing.T) {
		f, exec := escalated(t)
		got, err := f.engine.ResolveIntervention(ctx, InterventionResolution{ExecutionID: exec.ID, NextAction: model.InterventionRetry, Resolution: "fixed creds"})
		if err != nil {
			t.Fatalf("ResolveIntervention failed: %v", err)
		}
		if got.Status != model.StatusRunning || got.CurrentLinkID != "B" || got.CurrentAttempt != 1 {
			t.Errorf("unexpected state %v %s %d", got.Status, got.CurrentLinkID, got.CurrentAttempt)
		}
	})

	t.Run("go to unknown link", func(t *testing.T) {
		f, exec := escalated(t)
		_, err := f.engine.ResolveIntervention(ctx, InterventionResolution{ExecutionID: exec.ID, NextAction: model.InterventionGoToLink, TargetLinkID: "Z"})
		assertCode(t, err, CodeNotFound)

		got, _ := f.engine.GetExecution(ctx, exec.ID)
		if !got.RequiresHumanIntervention {
			t.Error("failed resolution cleared the intervention")
		}
	})

	t.Run("cancel", func(t *testing.T) {
		f, exec := escalated(t)
		got, err := f.engine.ResolveIntervention(ctx, InterventionResolution{ExecutionID: exec.ID, NextAction: model.InterventionCancel, Resolution: "abandon", ResolvedBy: "lead"})
		if err != nil {
			t.Fatalf("ResolveIntervention failed: %v", err)
		}
		if got.Status != model.StatusCancelled || got.CompletedAt == nil {
			t.Errorf("expected Cancelled with completion time, got %v", got.Status)
		}

		records, _ := f.engine.ListInterventions(ctx, exec.ID)
		if len(records) != 1 || records[0].NextAction != model.InterventionCancel {
			t.Errorf("unexpected records %+v", records)
		}
		rows, _ := f.engine.ListLinkExecutions(ctx, exec.ID)
		if last := rows[len(rows)-1]; last.Outcome != model.OutcomeSkipped || last.LinkID != "B" {
			t.Errorf("expected skipped row for B, got %+v", last)
		}
	})
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retryChain())
	exec := f.start(t, "chain-ab")

	got, err := f.engine.CancelExecution(ctx, CancelRequest{ExecutionID: exec.ID, CancelledBy: "ops", Reason: "duplicate"})
	if err != nil {
		t.Fatalf("CancelExecution failed: %v", err)
	}
	if got.Status != model.StatusCancelled || got.CompletedBy != "ops" {
		t.Errorf("unexpected state %+v", got)
	}

	_, err = f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeSuccess, ExpectedVersion: got.Version})
	assertCode(t, err, CodeInvalidState)

	events := f.emitter.GetHistoryWithFilter(exec.ID, emit.HistoryFilter{Msg: emit.MsgExecutionCancelled})
	if len(events) != 1 || events[0].Meta["reason"] != "duplicate" {
		t.Errorf("unexpected cancel events %+v", events)
	}
}

func TestEngine_ExpectedVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retryChain())
	exec := f.start(t, "chain-ab")

	_, err := f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeSuccess, ExpectedVersion: exec.Version + 1})
	assertCode(t, err, CodeConcurrencyConflict)
	if !IsRetryable(err) {
		t.Error("expected conflict to be retryable")
	}

	got, err := f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeSuccess, ExpectedVersion: exec.Version})
	if err != nil {
		t.Fatalf("RecordLinkOutcome with current version failed: %v", err)
	}
	if got.CurrentLinkID != "B" {
		t.Errorf("expected B, got %s", got.CurrentLinkID)
	}
}

// blockingStore holds CommitTransition until release is closed.
type blockingStore struct {
	*store.MemStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) CommitTransition(ctx context.Context, t store.Transition) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.MemStore.CommitTransition(ctx, t)
}

func TestEngine_ConcurrentOutcomes(t *testing.T) {
	ctx := context.Background()
	bs := &blockingStore{MemStore: store.NewMemStore(), entered: make(chan struct{}), release: make(chan struct{})}
	engine, err := New(bs, WithIDGenerator(sequentialIDs()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := engine.Definitions().SaveDraft(ctx, retryChain()); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}
	if _, err := engine.Definitions().Publish(ctx, "chain-ab"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	exec, err := engine.StartExecution(ctx, StartRequest{ChainID: "chain-ab"})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	var (
		winner    *model.Execution
		winnerErr error
		done      = make(chan struct{})
	)
	go func() {
		defer close(done)
		winner, winnerErr = engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeSuccess, ExpectedVersion: exec.Version})
	}()

	<-bs.entered
	_, loserErr := engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeFailure, ExpectedVersion: exec.Version})
	close(bs.release)
	<-done

	if winnerErr != nil {
		t.Fatalf("winner failed: %v", winnerErr)
	}
	assertCode(t, loserErr, CodeConcurrencyConflict)

	got, _ := engine.GetExecution(ctx, exec.ID)
	if got.CurrentLinkID != "B" || got.TotalFailureCount != 0 || got.Version != winner.Version {
		t.Errorf("final state does not match the winner: %+v", got)
	}
	rows, _ := engine.ListLinkExecutions(ctx, exec.ID)
	if len(rows) != 1 || rows[0].Outcome != model.OutcomeSuccess {
		t.Errorf("expected only the winner's attempt row, got %+v", rows)
	}
}

// TestEngine_DuplicateReport verifies a report that arrives after the
// execution moved on is rejected even when the link and attempt still match,
// as they do after a retry.
func TestEngine_DuplicateReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retryChain())
	exec := f.start(t, "chain-ab")

	report := OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeFailure, ExpectedVersion: exec.Version}
	first, err := f.engine.RecordLinkOutcome(ctx, report)
	if err != nil {
		t.Fatalf("first report failed: %v", err)
	}
	if first.CurrentLinkID != "A" || first.CurrentAttempt != 1 {
		t.Fatalf("expected A to restart at attempt 1, got %s/%d", first.CurrentLinkID, first.CurrentAttempt)
	}

	_, err = f.engine.RecordLinkOutcome(ctx, report)
	assertCode(t, err, CodeConcurrencyConflict)

	got, _ := f.engine.GetExecution(ctx, exec.ID)
	if got.TotalFailureCount != 1 || got.Version != first.Version {
		t.Errorf("duplicate was applied: failures=%d version=%d", got.TotalFailureCount, got.Version)
	}
	rows, _ := f.engine.ListLinkExecutions(ctx, exec.ID)
	if len(rows) != 1 {
		t.Errorf("expected one attempt row, got %d", len(rows))
	}
}

// TestEngine_RacingReports runs many reports of the same attempt at once.
// Exactly one applies no matter how their guard windows interleave.
func TestEngine_RacingReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retryChain())
	exec := f.start(t, "chain-ab")

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeFailure, ExpectedVersion: exec.Version})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case IsRetryable(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != callers-1 {
		t.Errorf("expected 1 win and %d conflicts, got %d and %d", callers-1, wins, conflicts)
	}
	got, _ := f.engine.GetExecution(ctx, exec.ID)
	if got.TotalFailureCount != 1 {
		t.Errorf("expected one counted failure, got %d", got.TotalFailureCount)
	}
}

// staleStore reports a version conflict on every commit, as another process
// would cause.
type staleStore struct {
	*store.MemStore
}

func (s staleStore) CommitTransition(context.Context, store.Transition) error {
	return store.ErrConflict
}

func TestEngine_StoreConflict(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	seed, err := New(mem)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := seed.Definitions().SaveDraft(ctx, retryChain()); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}
	if _, err := seed.Definitions().Publish(ctx, "chain-ab"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	exec, err := seed.StartExecution(ctx, StartRequest{ChainID: "chain-ab"})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	emitter := emit.NewBufferedEmitter()
	engine, _ := New(staleStore{mem}, WithEmitter(emitter))
	_, err = engine.RecordLinkOutcome(ctx, OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeSuccess, ExpectedVersion: exec.Version})
	assertCode(t, err, CodeConcurrencyConflict)

	events := emitter.GetHistoryWithFilter(exec.ID, emit.HistoryFilter{Msg: emit.MsgConcurrencyConflict})
	if len(events) != 1 || events[0].Meta["source"] != "store" {
		t.Errorf("expected one store conflict event, got %+v", events)
	}
}

func TestEngine_IndependentExecutions(t *testing.T) {
	f := newFixture(t, retryChain())

	const n = 10
	execs := make([]*model.Execution, n)
	for i := range execs {
		execs[i] = f.start(t, "chain-ab")
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, exec := range execs {
		wg.Add(1)
		go func(exec *model.Execution) {
			defer wg.Done()
			_, err := f.engine.RecordLinkOutcome(context.Background(), OutcomeReport{ExecutionID: exec.ID, LinkID: "A", Outcome: model.OutcomeSuccess, ExpectedVersion: exec.Version})
			errs <- err
		}(exec)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("independent execution failed: %v", err)
		}
	}
}
