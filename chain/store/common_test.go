package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/store"
)

// storeFactories returns every backend available in this environment. MySQL
// and PostgreSQL join only when their DSN variables are set.
func storeFactories(t *testing.T) map[string]func(t *testing.T) store.Store {
	t.Helper()

	factories := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "skillchain.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return st
		},
	}

	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		factories["mysql"] = func(t *testing.T) store.Store {
			st, err := store.NewMySQLStore(dsn)
			if err != nil {
				t.Fatalf("NewMySQLStore failed: %v", err)
			}
			return st
		}
	}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) store.Store {
			st, err := store.NewPostgresStore(context.Background(), store.DefaultPostgresConfig(dsn))
			if err != nil {
				t.Fatalf("NewPostgresStore failed: %v", err)
			}
			return st
		}
	}
	return factories
}

// uniqueID keeps rows from colliding when a shared database is reused across
// runs.
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%s-%d", prefix, time.Now().Format("20060102-150405"), idSeq.Add(1))
}

var idSeq atomic.Int64

func testChain(id string) *model.SkillChain {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.SkillChain{
		ID:               id,
		Key:              "review",
		Name:             "Review chain",
		Scope:            model.Scope{ProjectID: "proj-1"},
		MaxTotalFailures: 3,
		CreatedAt:        now,
		UpdatedAt:        now,
		Links: []model.Link{
			{
				ID: "b", Name: "Second", Position: 2, SkillID: "skill-b", MaxRetries: 1,
				OnSuccess: model.SuccessComplete, OnFailure: model.FailureEscalate,
			},
			{
				ID: "a", Name: "First", Position: 1, SkillID: "skill-a", MaxRetries: 2,
				OnSuccess: model.SuccessNextLink, OnFailure: model.FailureGoToLink, OnFailureTargetLinkID: "b",
				Config: []byte(`{"temperature":0}`),
			},
		},
	}
}

func testExecution(id, chainID string) *model.Execution {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.Execution{
		ID:             id,
		ChainID:        chainID,
		TicketID:       "ticket-1",
		Status:         model.StatusRunning,
		CurrentLinkID:  "a",
		CurrentAttempt: 1,
		InputValues:    map[string]any{"branch": "main"},
		StartedAt:      now,
		StartedBy:      "alice",
		UpdatedAt:      now,
		Session: model.SessionBinding{
			SessionID: "ticket-ticket-1",
			Options:   model.SessionOptions{Enabled: true, AutoSaveOnPause: true},
		},
	}
}

// TestStoreContract runs the same behavioural checks against every backend.
func TestStoreContract(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("chain round trip orders links", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				defer st.Close()

				id := uniqueID("chain")
				if err := st.SaveChain(ctx, testChain(id)); err != nil {
					t.Fatalf("SaveChain failed: %v", err)
				}

				got, err := st.GetChain(ctx, id)
				if err != nil {
					t.Fatalf("GetChain failed: %v", err)
				}
				if len(got.Links) != 2 {
					t.Fatalf("expected 2 links, got %d", len(got.Links))
				}
				if got.Links[0].ID != "a" || got.Links[1].ID != "b" {
					t.Errorf("links not ordered by position: %s, %s", got.Links[0].ID, got.Links[1].ID)
				}
				if got.Links[0].OnFailure != model.FailureGoToLink || got.Links[0].OnFailureTargetLinkID != "b" {
					t.Errorf("failure route not preserved: %+v", got.Links[0])
				}
				if got.Links[0].ChainID != id {
					t.Errorf("expected link chain id %q, got %q", id, got.Links[0].ChainID)
				}
				if got.Published {
					t.Error("new chain should not be published")
				}
			})

			t.Run("publish is one way and freezes the chain", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				defer st.Close()

				id := uniqueID("chain")
				if err := st.SaveChain(ctx, testChain(id)); err != nil {
					t.Fatalf("SaveChain failed: %v", err)
				}
				at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
				if err := st.MarkPublished(ctx, id, at); err != nil {
					t.Fatalf("MarkPublished failed: %v", err)
				}

				got, err := st.GetChain(ctx, id)
				if err != nil {
					t.Fatalf("GetChain failed: %v", err)
				}
				if !got.Published || got.PublishedAt == nil || !got.PublishedAt.Equal(at) {
					t.Errorf("expected published at %v, got %v / %v", at, got.Published, got.PublishedAt)
				}

				if err := st.SaveChain(ctx, testChain(id)); !errors.Is(err, store.ErrPublished) {
					t.Errorf("expected ErrPublished, got %v", err)
				}
				if err := st.MarkPublished(ctx, uniqueID("missing"), at); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("missing records", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				defer st.Close()

				if _, err := st.GetChain(ctx, uniqueID("missing")); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("GetChain: expected ErrNotFound, got %v", err)
				}
				if _, err := st.GetExecution(ctx, uniqueID("missing")); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("GetExecution: expected ErrNotFound, got %v", err)
				}
				if _, err := st.ListLinkExecutions(ctx, uniqueID("missing")); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("ListLinkExecutions: expected ErrNotFound, got %v", err)
				}
				if err := st.CreateExecution(ctx, testExecution(uniqueID("exec"), uniqueID("missing"))); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("CreateExecution with unknown chain: expected ErrNotFound, got %v", err)
				}
			})

			t.Run("execution versioning", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				defer st.Close()

				chainID := uniqueID("chain")
				if err := st.SaveChain(ctx, testChain(chainID)); err != nil {
					t.Fatalf("SaveChain failed: %v", err)
				}

				exec := testExecution(uniqueID("exec"), chainID)
				if err := st.CreateExecution(ctx, exec); err != nil {
					t.Fatalf("CreateExecution failed: %v", err)
				}
				if exec.Version != 1 {
					t.Fatalf("expected version 1 after create, got %d", exec.Version)
				}

				next := exec.Clone()
				next.CurrentLinkID = "b"
				next.TotalFailureCount = 1
				next.Context = map[string]any{"note": "retry"}
				completed := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
				attempt := &model.LinkExecution{
					ID: uniqueID("attempt"), ExecutionID: exec.ID, LinkID: "a", Attempt: 1,
					Outcome: model.OutcomeFailure, ErrorDetails: "boom", TransitionTaken: "GoToLink",
					StartedAt: exec.StartedAt, CompletedAt: &completed, ExecutedBy: "worker",
					Output: []byte(`{"ok":false}`),
				}
				if err := st.CommitTransition(ctx, store.Transition{Execution: next, ExpectedVersion: 1, Attempt: attempt}); err != nil {
					t.Fatalf("CommitTransition failed: %v", err)
				}
				if next.Version != 2 {
					t.Errorf("expected version 2 after commit, got %d", next.Version)
				}

				// A writer still holding version 1 must lose.
				stale := exec.Clone()
				stale.CurrentLinkID = "a"
				err := st.CommitTransition(ctx, store.Transition{Execution: stale, ExpectedVersion: 1, Attempt: attempt})
				if !errors.Is(err, store.ErrConflict) {
					t.Fatalf("expected ErrConflict, got %v", err)
				}

				got, err := st.GetExecution(ctx, exec.ID)
				if err != nil {
					t.Fatalf("GetExecution failed: %v", err)
				}
				if got.Version != 2 || got.CurrentLinkID != "b" || got.TotalFailureCount != 1 {
					t.Errorf("unexpected stored execution: %+v", got)
				}
				if got.Context["note"] != "retry" || got.InputValues["branch"] != "main" {
					t.Errorf("maps not preserved: %v / %v", got.Context, got.InputValues)
				}
				if !got.Session.Options.AutoSaveOnPause || got.Session.SessionID != "ticket-ticket-1" {
					t.Errorf("session binding not preserved: %+v", got.Session)
				}

				attempts, err := st.ListLinkExecutions(ctx, exec.ID)
				if err != nil {
					t.Fatalf("ListLinkExecutions failed: %v", err)
				}
				if len(attempts) != 1 {
					t.Fatalf("conflicting commit must not append an attempt, got %d rows", len(attempts))
				}
				if attempts[0].Outcome != model.OutcomeFailure || attempts[0].ErrorDetails != "boom" {
					t.Errorf("unexpected attempt row: %+v", attempts[0])
				}
			})

			t.Run("interventions and checkpoints keep insertion order", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				defer st.Close()

				chainID := uniqueID("chain")
				if err := st.SaveChain(ctx, testChain(chainID)); err != nil {
					t.Fatalf("SaveChain failed: %v", err)
				}
				exec := testExecution(uniqueID("exec"), chainID)
				if err := st.CreateExecution(ctx, exec); err != nil {
					t.Fatalf("CreateExecution failed: %v", err)
				}

				for i, action := range []model.InterventionAction{model.InterventionRetry, model.InterventionGoToLink} {
					rec := &model.InterventionRecord{
						ID: uniqueID("intervention"), ExecutionID: exec.ID, LinkID: "a",
						Reason: "stuck", Resolution: "fixed", NextAction: action,
						ResolvedBy: "ops", ResolvedAt: exec.StartedAt.Add(time.Duration(i) * time.Minute),
					}
					if err := st.CommitTransition(ctx, store.Transition{Execution: exec, ExpectedVersion: exec.Version, Intervention: rec}); err != nil {
						t.Fatalf("CommitTransition %d failed: %v", i, err)
					}
				}

				recs, err := st.ListInterventions(ctx, exec.ID)
				if err != nil {
					t.Fatalf("ListInterventions failed: %v", err)
				}
				if len(recs) != 2 || recs[0].NextAction != model.InterventionRetry || recs[1].NextAction != model.InterventionGoToLink {
					t.Errorf("unexpected interventions: %+v", recs)
				}

				for _, phase := range []string{"LinkComplete", "Paused"} {
					cp := &model.ExecutionCheckpoint{
						ID: uniqueID("cp"), ExecutionID: exec.ID, LinkID: "a", LinkName: "First",
						Position: 1, Phase: phase, Data: []byte(`{}`), CreatedAt: exec.StartedAt,
					}
					if err := st.SaveCheckpoint(ctx, cp); err != nil {
						t.Fatalf("SaveCheckpoint failed: %v", err)
					}
				}
				cps, err := st.ListCheckpoints(ctx, exec.ID)
				if err != nil {
					t.Fatalf("ListCheckpoints failed: %v", err)
				}
				if len(cps) != 2 || cps[0].Phase != "LinkComplete" || cps[1].Phase != "Paused" {
					t.Errorf("unexpected checkpoints: %+v", cps)
				}

				if err := st.SaveCheckpoint(ctx, &model.ExecutionCheckpoint{ID: uniqueID("cp"), ExecutionID: uniqueID("missing"), Phase: "x"}); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("checkpoint for unknown execution: expected ErrNotFound, got %v", err)
				}
			})

			t.Run("closed store rejects operations", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				if err := st.Close(); err != nil {
					t.Fatalf("Close failed: %v", err)
				}
				if err := st.Close(); err != nil {
					t.Errorf("second Close should be a no-op, got %v", err)
				}
				if _, err := st.GetChain(ctx, "x"); !errors.Is(err, store.ErrClosed) {
					t.Errorf("expected ErrClosed, got %v", err)
				}
			})

			t.Run("database stores answer ping until closed", func(t *testing.T) {
				ctx := context.Background()
				st := newStore(t)
				p, ok := st.(interface{ Ping(context.Context) error })
				if !ok {
					t.Skip("backend has no connection to ping")
				}
				if err := p.Ping(ctx); err != nil {
					t.Fatalf("Ping failed: %v", err)
				}
				_ = st.Close()
				if err := p.Ping(ctx); !errors.Is(err, store.ErrClosed) {
					t.Errorf("expected ErrClosed after Close, got %v", err)
				}
			})
		})
	}
}
