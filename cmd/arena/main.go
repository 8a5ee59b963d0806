// Command arena drives multi-agent runs: start or resume a run, inspect
// its state, answer its questions, and watch it live.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/arena/internal/orchestrator"
	"github.com/kingrea/arena/internal/store"
	"github.com/kingrea/arena/internal/tui"
	"github.com/kingrea/arena/internal/workflow/engine"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		// Engine outcomes carry their own exit codes; plain errors are 1.
		var coded *exitError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

type rootFlags struct {
	stateDir   string
	configPath string
	goalDir    string
	profile    string
}

func (f *rootFlags) options(runName string) orchestrator.Options {
	return orchestrator.Options{
		StateDir:   f.stateDir,
		ConfigPath: f.configPath,
		GoalDir:    f.goalDir,
		Profile:    f.profile,
		RunName:    runName,
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "arena",
		Short:         "Adversarial multi-agent document runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.stateDir, "state-dir", ".arena", "state directory holding config and runs")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default <state-dir>/arena.yaml)")
	root.PersistentFlags().StringVar(&flags.goalDir, "goal-dir", "", "directory holding goal.yaml (default state dir)")
	root.PersistentFlags().StringVar(&flags.profile, "profile", "", "config profile overlay to apply")

	root.AddCommand(
		newRunCmd(flags),
		newResumeCmd(flags),
		newStatusCmd(flags),
		newAnswerCmd(flags),
		newValidateCmd(flags),
		newWatchCmd(flags),
	)
	return root
}

// signalContext cancels on interrupt or terminate so a run checkpoints and
// exits cleanly instead of dying mid-step.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// execute drives a run and translates the outcome into the process exit
// code contract: 0 complete, 10 awaiting human, 11 budget, 1 failure.
func execute(flags *rootFlags, runName string) error {
	ctx, cancel := signalContext()
	defer cancel()

	orch := orchestrator.New(flags.options(runName))
	outcome, err := orch.Execute(ctx)
	if err != nil {
		return &exitError{code: engine.ExitError, msg: err.Error()}
	}
	switch outcome.Status {
	case engine.StatusComplete:
		fmt.Printf("run complete: %s\n", outcome.Artifact)
	case engine.StatusAwaitingHuman:
		fmt.Printf("run paused for human input: %s\n", outcome.Reason)
	case engine.StatusBudgetExceeded:
		fmt.Printf("run stopped at budget: %s\n", outcome.Reason)
	default:
		fmt.Printf("run %s: %s\n", outcome.Status, outcome.Reason)
	}
	if outcome.ExitCode != engine.ExitOK {
		return &exitError{code: outcome.ExitCode, msg: outcome.Reason}
	}
	return nil
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var name string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dryRun {
				return orchestrator.New(flags.options("")).DryRun(cmd.OutOrStdout())
			}
			return execute(flags, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "run name (default generated)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without invoking agents")
	return cmd
}

func newResumeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [run]",
		Short: "Resume a paused or interrupted run (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := "latest"
			if len(args) == 1 {
				name = args[0]
			}
			return execute(flags, name)
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run]",
		Short: "Show a run's persisted state (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "latest"
			if len(args) == 1 {
				name = args[0]
			}
			state, err := orchestrator.New(flags.options(name)).Status()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:       %s\n", state.RunName)
			fmt.Fprintf(out, "mode:      %s\n", state.Mode)
			fmt.Fprintf(out, "status:    %s\n", state.Status)
			if state.StatusReason != "" {
				fmt.Fprintf(out, "reason:    %s\n", state.StatusReason)
			}
			if state.Mode == "conversation" {
				fmt.Fprintf(out, "turn:      %d\n", state.Turn)
			} else {
				fmt.Fprintf(out, "iteration: %d\n", state.Iteration)
				fmt.Fprintf(out, "step:      %s\n", state.StepName)
			}
			if state.HITLPending {
				fmt.Fprintf(out, "awaiting:  human answers (%s)\n", state.HITLReason)
			}
			fmt.Fprintf(out, "updated:   %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
}

func newAnswerCmd(flags *rootFlags) *cobra.Command {
	var name string
	var resume bool
	cmd := &cobra.Command{
		Use:   "answer <id>=<text> [<id>=<text>...]",
		Short: "Answer a paused run's questions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			answers := make(map[string]string, len(args))
			for _, arg := range args {
				id, text, ok := strings.Cut(arg, "=")
				if !ok || id == "" {
					return fmt.Errorf("expected <id>=<text>, got %q", arg)
				}
				answers[id] = text
			}
			if err := orchestrator.New(flags.options(name)).Answer(answers); err != nil {
				return err
			}
			if resume {
				return execute(flags, name)
			}
			fmt.Printf("answers written; resume with: arena resume %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "run", "latest", "run to answer")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the run after writing answers")
	return cmd
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check config, goal, and constraints without starting a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return orchestrator.New(flags.options("")).Validate(cmd.OutOrStdout())
		},
	}
}

func newWatchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [run]",
		Short: "Watch a run's live log and state (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := "latest"
			if len(args) == 1 {
				name = args[0]
			}
			opts := flags.options(name)
			run, err := resolveRun(opts)
			if err != nil {
				return err
			}
			return tui.Watch(run)
		},
	}
}

// resolveRun maps a run name (or "latest") onto an existing run directory.
func resolveRun(opts orchestrator.Options) (store.RunDir, error) {
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = ".arena"
	}
	name := opts.RunName
	if name == "latest" {
		target, err := os.Readlink(filepath.Join(stateDir, "runs", "latest"))
		if err != nil {
			return store.RunDir{}, fmt.Errorf("no latest run: %w", err)
		}
		name = filepath.Base(target)
	}
	run := store.NewRunDir(stateDir, name)
	if !run.Exists() {
		return store.RunDir{}, fmt.Errorf("run %s not found", name)
	}
	return run, nil
}
