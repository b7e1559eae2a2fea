// Command skillchain validates chain definitions and simulates executions
// against the configured store, session and telemetry backends.
//
// Usage:
//
//	skillchain validate -f chain.yaml
//	skillchain simulate -f chain.yaml -outcomes success,failure,success [-config skillchain.yaml] [-ticket T-1] [-on-escalate retry]
//
// simulate records the outcomes in order against whichever link is current,
// stopping early when the execution finishes. When a link escalates, the
// -on-escalate action resolves the intervention: stop (default), retry,
// cancel or goto:<link-id>. With the memory store, -state keeps the store in
// a JSON file between runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ftrueblood1015/skillchain/chain/model"
)

const (
	cmdValidate = "validate"
	cmdSimulate = "simulate"
)

// Args holds parsed command line arguments.
type Args struct {
	Command    string
	ChainFile  string
	ConfigFile string
	TicketID   string
	StartedBy  string
	Outcomes   []model.Outcome
	OnEscalate escalation
	StateFile  string
	Err        error
}

// escalation is the scripted answer to an open intervention.
type escalation struct {
	Action model.InterventionAction // zero means stop
	Target string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, osArgs []string, stdout, stderr io.Writer) int {
	args := parseArgs(osArgs)
	if args.Err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", args.Err)
		printUsage(stderr)
		return 2
	}

	var err error
	switch args.Command {
	case cmdValidate:
		err = validate(ctx, args, stdout, stderr)
	case cmdSimulate:
		err = simulate(ctx, args, stdout, stderr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func parseArgs(osArgs []string) Args {
	if len(osArgs) == 0 {
		return Args{Err: errors.New("required argument missing: command")}
	}
	command, rest := osArgs[0], osArgs[1:]
	if command != cmdValidate && command != cmdSimulate {
		return Args{Err: fmt.Errorf("unknown command %q", command)}
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	chainFile := fs.String("f", "", "path to chain definition YAML")
	configFile := fs.String("config", "", "path to config YAML file")
	var (
		outcomes   *string
		ticket     *string
		startedBy  *string
		onEscalate *string
		stateFile  *string
	)
	if command == cmdSimulate {
		outcomes = fs.String("outcomes", "", "comma separated outcomes: success, failure, skipped")
		ticket = fs.String("ticket", "", "ticket id bound to the execution")
		startedBy = fs.String("by", "simulator", "actor recorded on the execution")
		onEscalate = fs.String("on-escalate", "stop", "stop, retry, cancel or goto:<link-id>")
		stateFile = fs.String("state", "", "memory store snapshot: loaded when present, written after the run")
	}

	if err := fs.Parse(rest); err != nil {
		return Args{Err: fmt.Errorf("flag parsing error: %w", err)}
	}
	if fs.NArg() > 0 {
		return Args{Err: fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))}
	}
	if *chainFile == "" {
		return Args{Err: errors.New("required flag missing: -f")}
	}

	args := Args{Command: command, ChainFile: *chainFile, ConfigFile: *configFile}
	if command == cmdValidate {
		return args
	}

	var err error
	if args.Outcomes, err = parseOutcomes(*outcomes); err != nil {
		return Args{Err: err}
	}
	if args.OnEscalate, err = parseEscalation(*onEscalate); err != nil {
		return Args{Err: err}
	}
	args.TicketID = *ticket
	args.StartedBy = *startedBy
	args.StateFile = *stateFile
	return args
}

func parseOutcomes(s string) ([]model.Outcome, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("required flag missing: -outcomes")
	}
	var out []model.Outcome
	for _, part := range strings.Split(s, ",") {
		var o model.Outcome
		if err := o.UnmarshalText([]byte(part)); err != nil {
			return nil, err
		}
		if o == model.OutcomePending {
			return nil, errors.New("outcome Pending cannot be reported")
		}
		out = append(out, o)
	}
	return out, nil
}

func parseEscalation(s string) (escalation, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.EqualFold(s, "stop"):
		return escalation{}, nil
	case strings.HasPrefix(strings.ToLower(s), "goto:"):
		target := strings.TrimSpace(s[len("goto:"):])
		if target == "" {
			return escalation{}, errors.New("-on-escalate goto: needs a link id")
		}
		return escalation{Action: model.InterventionGoToLink, Target: target}, nil
	}

	var a model.InterventionAction
	if err := a.UnmarshalText([]byte(s)); err != nil {
		return escalation{}, fmt.Errorf("-on-escalate: %w", err)
	}
	if a == model.InterventionGoToLink {
		return escalation{}, errors.New("-on-escalate goto: needs a link id")
	}
	return escalation{Action: a}, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  skillchain validate -f chain.yaml")
	fmt.Fprintln(w, "  skillchain simulate -f chain.yaml -outcomes success,failure,... [-config file] [-ticket id] [-by actor] [-on-escalate stop|retry|cancel|goto:<link-id>] [-state file]")
}
