package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ftrueblood1015/skillchain/chain/emit"
	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/store"
)

// testClock is a settable clock shared by the engine and session stores.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

type fixture struct {
	engine  *Engine
	store   *store.MemStore
	emitter *emit.BufferedEmitter
	clock   *testClock
}

// newFixture publishes c into a fresh memory store and builds an engine over
// it.
func newFixture(t *testing.T, c *model.SkillChain, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	clock := newTestClock()

	base := []Option{WithEmitter(emitter), WithClock(clock.Now), WithIDGenerator(sequentialIDs())}
	engine, err := New(st, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if c != nil {
		ctx := context.Background()
		if err := engine.Definitions().SaveDraft(ctx, c); err != nil {
			t.Fatalf("SaveDraft failed: %v", err)
		}
		if _, err := engine.Definitions().Publish(ctx, c.ID); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	return &fixture{engine: engine, store: st, emitter: emitter, clock: clock}
}

func (f *fixture) start(t *testing.T, chainID string) *model.Execution {
	t.Helper()
	exec, err := f.engine.StartExecution(context.Background(), StartRequest{ChainID: chainID, StartedBy: "tester"})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	return exec
}

func (f *fixture) report(t *testing.T, exec *model.Execution, linkID string, outcome model.Outcome) *model.Execution {
	t.Helper()
	got, err := f.engine.RecordLinkOutcome(context.Background(), OutcomeReport{
		ExecutionID:     exec.ID,
		LinkID:          linkID,
		Outcome:         outcome,
		ExecutedBy:      "runner",
		ExpectedVersion: exec.Version,
	})
	if err != nil {
		t.Fatalf("RecordLinkOutcome(%s, %s) failed: %v", linkID, outcome, err)
	}
	return got
}

func link(id string, position, maxRetries int, onSuccess model.SuccessTransition, onFailure model.FailureTransition) model.Link {
	return model.Link{
		ID:         id,
		Name:       "link " + id,
		Position:   position,
		SkillID:    "skill-" + id,
		MaxRetries: maxRetries,
		OnSuccess:  onSuccess,
		OnFailure:  onFailure,
	}
}

// retryChain is A(MaxRetries=1, on-failure Retry) then B(MaxRetries=0,
// on-failure Escalate) with five failures allowed.
func retryChain() *model.SkillChain {
	return &model.SkillChain{
		ID:               "chain-ab",
		Name:             "A then B",
		MaxTotalFailures: 5,
		Links: []model.Link{
			link("A", 1, 1, model.SuccessNextLink, model.FailureRetry),
			link("B", 2, 0, model.SuccessNextLink, model.FailureEscalate),
		},
	}
}

func singleLinkChain() *model.SkillChain {
	return &model.SkillChain{
		ID:               "chain-c",
		MaxTotalFailures: 3,
		Links:            []model.Link{link("C", 1, 0, model.SuccessComplete, model.FailureEscalate)},
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := CodeOf(err); got != code {
		t.Fatalf("expected code %s, got %q (%v)", code, got, err)
	}
}
