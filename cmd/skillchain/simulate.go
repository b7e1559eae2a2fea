package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/ftrueblood1015/skillchain/chain"
	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/store"
	"github.com/ftrueblood1015/skillchain/internal/config"
)

func loadChain(path string) (*model.SkillChain, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return chain.LoadDefinition(f)
}

// validate runs the publish-time checks against a throwaway store.
func validate(ctx context.Context, args Args, stdout, stderr io.Writer) error {
	cfg, err := config.Load(args.ConfigFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}

	c, err := loadChain(args.ChainFile)
	if err != nil {
		return err
	}
	defs := chain.NewDefinitions(store.NewMemStore(), nil, logger)
	if err := defs.Validate(ctx, c); err != nil {
		var ee *chain.EngineError
		if !errors.As(err, &ee) || ee.Cause == nil {
			return err
		}
		fmt.Fprintf(stdout, "chain %s is invalid:\n", c.ID)
		problems := []error{ee.Cause}
		if joined, ok := ee.Cause.(interface{ Unwrap() []error }); ok {
			problems = joined.Unwrap()
		}
		for _, p := range problems {
			fmt.Fprintf(stdout, "  - %v\n", p)
		}
		return err
	}

	fmt.Fprintf(stdout, "chain %s is valid (%d links)\n", c.ID, len(c.Links))
	return nil
}

func simulate(ctx context.Context, args Args, stdout, stderr io.Writer) error {
	cfg, err := config.Load(args.ConfigFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	c, err := loadChain(args.ChainFile)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.close(); cerr != nil {
			logger.Warn("close runtime", "error", cerr)
		}
	}()

	if args.StateFile != "" {
		if err := loadState(rt.store, args.StateFile); err != nil {
			return err
		}
	}

	// A persistent store may already hold the published chain from an
	// earlier run; publishing again is a no-op.
	defs := rt.engine.Definitions()
	if err := defs.SaveDraft(ctx, c); err != nil && !errors.Is(err, chain.ErrInvalidState) {
		return err
	}
	if _, err := defs.Publish(ctx, c.ID); err != nil {
		return err
	}

	exec, err := rt.engine.StartExecution(ctx, chain.StartRequest{
		ChainID:   c.ID,
		TicketID:  args.TicketID,
		StartedBy: args.StartedBy,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "execution %s started at %s\n", exec.ID, exec.CurrentLinkID)

	used := 0
	for _, outcome := range args.Outcomes {
		if exec.Status == model.StatusPaused && exec.RequiresHumanIntervention {
			if args.OnEscalate.Action == 0 {
				break
			}
			exec, err = rt.engine.ResolveIntervention(ctx, chain.InterventionResolution{
				ExecutionID:  exec.ID,
				Resolution:   "scripted by simulator",
				NextAction:   args.OnEscalate.Action,
				TargetLinkID: args.OnEscalate.Target,
				ResolvedBy:   args.StartedBy,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "    intervention resolved: %s -> %s\n", args.OnEscalate.Action, exec.Status)
		}
		if exec.Status != model.StatusRunning {
			break
		}

		linkID, attempt := exec.CurrentLinkID, exec.CurrentAttempt
		exec, err = rt.engine.RecordLinkOutcome(ctx, chain.OutcomeReport{
			ExecutionID:     exec.ID,
			LinkID:          linkID,
			Outcome:         outcome,
			ExecutedBy:      args.StartedBy,
			ExpectedVersion: exec.Version,
		})
		if err != nil {
			return err
		}
		used++
		fmt.Fprintf(stdout, "%3d %-20s attempt %-2d %-8s -> %s", used, linkID, attempt, outcome, exec.Status)
		if exec.Status == model.StatusRunning {
			fmt.Fprintf(stdout, " at %s (attempt %d)", exec.CurrentLinkID, exec.CurrentAttempt)
		}
		fmt.Fprintln(stdout)
	}
	if unused := len(args.Outcomes) - used; unused > 0 {
		fmt.Fprintf(stdout, "%d outcome(s) not used\n", unused)
	}

	if err := printSummary(ctx, rt, exec, stdout); err != nil {
		return err
	}
	if args.StateFile != "" {
		return saveState(rt.store, args.StateFile)
	}
	return nil
}

func memoryStore(st store.Store) (*store.MemStore, error) {
	mem, ok := st.(*store.MemStore)
	if !ok {
		return nil, errors.New("-state needs the memory store backend")
	}
	return mem, nil
}

// loadState restores a snapshot written by saveState. A missing file leaves
// the store empty.
func loadState(st store.Store, path string) error {
	mem, err := memoryStore(st)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, mem); err != nil {
		return fmt.Errorf("decode state %s: %w", path, err)
	}
	return nil
}

func saveState(st store.Store, path string) error {
	mem, err := memoryStore(st)
	if err != nil {
		return err
	}
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func printSummary(ctx context.Context, rt *runtime, exec *model.Execution, w io.Writer) error {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "status:    %s\n", exec.Status)
	fmt.Fprintf(w, "link:      %s (attempt %d)\n", exec.CurrentLinkID, exec.CurrentAttempt)
	fmt.Fprintf(w, "failures:  %d\n", exec.TotalFailureCount)
	fmt.Fprintf(w, "version:   %d\n", exec.Version)
	if exec.InterventionReason != "" {
		fmt.Fprintf(w, "awaiting:  %s\n", exec.InterventionReason)
	}
	if exec.FailureReason != "" {
		fmt.Fprintf(w, "failed:    %s\n", exec.FailureReason)
	}
	if exec.Session.Options.Enabled {
		fmt.Fprintf(w, "session:   %s (%s)\n", exec.Session.SessionID, exec.Session.Phase)
	}

	attempts, err := rt.engine.ListLinkExecutions(ctx, exec.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nattempts (%d):\n", len(attempts))
	for _, a := range attempts {
		fmt.Fprintf(w, "  %-20s #%-2d %-8s %s\n", a.LinkID, a.Attempt, a.Outcome, a.TransitionTaken)
	}

	interventions, err := rt.engine.ListInterventions(ctx, exec.ID)
	if err != nil {
		return err
	}
	if len(interventions) > 0 {
		fmt.Fprintf(w, "\ninterventions (%d):\n", len(interventions))
		for _, iv := range interventions {
			fmt.Fprintf(w, "  %-20s %-8s %s\n", iv.LinkID, iv.NextAction, iv.Reason)
		}
	}

	checkpoints, err := rt.engine.ListCheckpoints(ctx, exec.ID)
	if err != nil {
		return err
	}
	if len(checkpoints) > 0 {
		fmt.Fprintf(w, "\ncheckpoints (%d):\n", len(checkpoints))
		for _, cp := range checkpoints {
			fmt.Fprintf(w, "  %-20s position %-3d %s\n", cp.LinkID, cp.Position, cp.Phase)
		}
	}

	fmt.Fprintf(w, "\nevents: %d\n", len(rt.buffer.GetHistory(exec.ID)))
	return printMetrics(rt, w)
}

func printMetrics(rt *runtime, w io.Writer) error {
	if rt.registry == nil {
		return nil
	}
	families, err := rt.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("  %s %g", name, m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				lines = append(lines, fmt.Sprintf("  %s %g", name, m.GetGauge().GetValue()))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				lines = append(lines, fmt.Sprintf("  %s count=%d sum=%g", name, h.GetSampleCount(), h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)

	fmt.Fprintln(w, "\nmetrics:")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}
