// Package orchestrator assembles one run: it loads configuration, goal,
// and constraints, takes the single-writer lock, opens the live log, and
// hands control to the workflow engine in whichever mode the config names.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/arena/internal/config"
	sigs "github.com/kingrea/arena/internal/engine"
	"github.com/kingrea/arena/internal/hitl"
	"github.com/kingrea/arena/internal/livelog"
	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/procrunner"
	"github.com/kingrea/arena/internal/store"
	"github.com/kingrea/arena/internal/workflow"
	"github.com/kingrea/arena/internal/workflow/engine"
)

// Options configures one orchestrator invocation.
type Options struct {
	// StateDir is the root directory holding runs/. Defaults to ".arena".
	StateDir string
	// ConfigPath points at arena.yaml. Defaults to <StateDir>/arena.yaml.
	ConfigPath string
	// GoalDir holds goal.yaml (or goal.md). Defaults to StateDir.
	GoalDir string
	// Profile optionally names a configuration overlay.
	Profile string
	// ProfileDirs are searched for profiles, local first.
	ProfileDirs []string
	// RunName selects an existing run to resume. Empty starts a new run;
	// the literal "latest" resolves the runs/latest symlink.
	RunName string
}

func (o *Options) defaults() {
	if o.StateDir == "" {
		o.StateDir = ".arena"
	}
	if o.ConfigPath == "" {
		o.ConfigPath = filepath.Join(o.StateDir, "arena.yaml")
	}
	if o.GoalDir == "" {
		o.GoalDir = o.StateDir
	}
}

// Orchestrator owns the lifecycle of one run.
type Orchestrator struct {
	opts Options
	now  func() time.Time
}

// New builds an orchestrator. Zero-valued options get sensible defaults.
func New(opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{opts: opts, now: time.Now}
}

// load reads and validates all inputs without touching any run state. The
// profile overlay comes from the options, or failing that from the goal
// file itself.
func (o *Orchestrator) load() (*config.Config, *config.Goal, []model.Constraint, map[string]string, error) {
	cfg, err := config.Load(o.opts.ConfigPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	goal, err := config.LoadGoal(o.opts.GoalDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	profileName := o.opts.Profile
	if profileName == "" {
		profileName = goal.Profile
	}
	if profileName != "" {
		local, global := profileDirs(o.opts)
		profile, err := config.LoadProfile(local, global, profileName)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		cfg, err = profile.Apply(cfg)
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}
	constraints, err := config.LoadConstraints(o.opts.StateDir, cfg.Constraints)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	localPersonas, globalPersonas := personaDirs(o.opts)
	personas, err := config.LoadPersonas(localPersonas, globalPersonas, cfg.Personas)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, goal, constraints, personas, nil
}

func profileDirs(opts Options) (local, global string) {
	switch len(opts.ProfileDirs) {
	case 0:
		return filepath.Join(opts.StateDir, "profiles"), ""
	case 1:
		return opts.ProfileDirs[0], ""
	default:
		return opts.ProfileDirs[0], opts.ProfileDirs[1]
	}
}

// personaDirs mirrors the profile search order: the run's state dir first,
// then a personas directory beside the global profiles directory.
func personaDirs(opts Options) (local, global string) {
	local = filepath.Join(opts.StateDir, "personas")
	if len(opts.ProfileDirs) > 1 {
		global = filepath.Join(filepath.Dir(opts.ProfileDirs[1]), "personas")
	}
	return local, global
}

// Execute runs (or resumes) a run to its next stopping point and returns
// the engine outcome. The process exit code is Outcome.ExitCode.
func (o *Orchestrator) Execute(ctx context.Context) (engine.Outcome, error) {
	fail := func(err error) (engine.Outcome, error) {
		return engine.Outcome{Status: engine.StatusFailed, ExitCode: engine.ExitError, Reason: err.Error()}, err
	}

	cfg, goal, constraints, personas, err := o.load()
	if err != nil {
		return fail(err)
	}
	for _, w := range goal.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	name, err := o.resolveRunName()
	if err != nil {
		return fail(err)
	}
	run := store.NewRunDir(o.opts.StateDir, name)
	resumed := run.Exists()
	if err := run.Init(); err != nil {
		return fail(err)
	}

	lock := store.NewLock(run.Path())
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return fail(fmt.Errorf("orchestrator: run %s is already being driven by another process", name))
		}
		return fail(err)
	}
	defer lock.Release()

	live, err := livelog.Open(run.LiveLogPath())
	if err != nil {
		return fail(err)
	}
	defer live.Close()

	if err := store.TouchLatest(o.opts.StateDir, name); err != nil {
		live.Warn("latest symlink: %v", err)
	}
	for _, w := range goal.Warnings {
		live.Warn("goal: %s", w)
	}
	if resumed {
		live.Writef("[orchestrator] resuming run %s", name)
	} else {
		live.Writef("[orchestrator] starting run %s", name)
	}

	def, err := cfg.Definition()
	if err != nil {
		return fail(err)
	}
	protocol := hitl.New(run, live)
	eng, err := engine.New(engine.Deps{
		Config:      cfg,
		Definition:  def,
		Goal:        goal,
		Constraints: constraints,
		Run:         run,
		Repo:        engine.NewRepository(run),
		Live:        live,
		HITL:        protocol,
		Invoker:     engine.NewCLIInvoker(procrunner.New(live)),
		Personas:    personas,
	})
	if err != nil {
		return fail(err)
	}

	if cfg.Mode == config.ModeConversation {
		return eng.RunConversation(ctx)
	}
	return eng.Run(ctx)
}

// resolveRunName picks the run directory name: a fresh timestamped name,
// the literal name given, or the target of the latest symlink.
func (o *Orchestrator) resolveRunName() (string, error) {
	name := o.opts.RunName
	switch name {
	case "":
		return fmt.Sprintf("run-%s-%s",
			o.now().UTC().Format("20060102-150405"),
			uuid.NewString()[:8]), nil
	case "latest":
		target, err := os.Readlink(filepath.Join(o.opts.StateDir, "runs", "latest"))
		if err != nil {
			return "", fmt.Errorf("orchestrator: no latest run: %w", err)
		}
		return filepath.Base(target), nil
	default:
		return name, nil
	}
}

// Status loads the persisted state of a run without driving it.
func (o *Orchestrator) Status() (engine.RunState, error) {
	name, err := o.resolveRunName()
	if err != nil {
		return engine.RunState{}, err
	}
	if o.opts.RunName == "" {
		return engine.RunState{}, fmt.Errorf("orchestrator: status needs a run name or latest")
	}
	run := store.NewRunDir(o.opts.StateDir, name)
	return engine.NewRepository(run).Load()
}

// Answer writes human answers into a paused run's hitl directory. Keys are
// question ids.
func (o *Orchestrator) Answer(answers map[string]string) error {
	if o.opts.RunName == "" {
		return fmt.Errorf("orchestrator: answer needs a run name or latest")
	}
	name, err := o.resolveRunName()
	if err != nil {
		return err
	}
	run := store.NewRunDir(o.opts.StateDir, name)
	if !run.Exists() {
		return fmt.Errorf("orchestrator: run %s not found", name)
	}
	ids := make([]string, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	record := hitl.AnswerRecord{}
	for _, id := range ids {
		record.Answers = append(record.Answers, hitl.Answer{QuestionID: id, Answer: answers[id]})
	}
	return store.SaveJSONAtomic(run.AnswersPath(), record)
}

// Validate loads all inputs and reports problems without starting a run.
func (o *Orchestrator) Validate(w io.Writer) error {
	cfg, goal, constraints, personas, err := o.load()
	if err != nil {
		return err
	}
	def, err := cfg.Definition()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "mode: %s\n", cfg.Mode)
	if len(personas) > 0 {
		fmt.Fprintf(w, "personas: %d\n", len(personas))
	}
	fmt.Fprintf(w, "agents: %s\n", strings.Join(cfg.AgentNames(), ", "))
	fmt.Fprintf(w, "steps: %d\n", len(def.Steps))
	fmt.Fprintf(w, "constraints: %d\n", len(constraints))
	fmt.Fprintf(w, "goal: %d chars\n", len(goal.Text))
	for _, warning := range goal.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}

// DryRun prints the plan a run would follow: which agents review which
// constraints, in which steps, without invoking anything.
func (o *Orchestrator) DryRun(w io.Writer) error {
	cfg, goal, constraints, _, err := o.load()
	if err != nil {
		return err
	}
	def, err := cfg.Definition()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Plan (%s mode, max %d iterations, %d turns)\n\n",
		cfg.Mode, cfg.MaxIterations, cfg.MaxTurns)
	fmt.Fprintf(w, "Goal: %s\n\n", firstLine(goal.Text))
	for i, step := range def.Steps {
		fmt.Fprintf(w, "%2d. %-10s %s", i+1, step.Kind, step.Name)
		if step.LoopTo != "" {
			fmt.Fprintf(w, "  (loops to %s)", step.LoopTo)
		}
		fmt.Fprintln(w)
		if step.Kind != workflow.StepCritique {
			continue
		}
		available := cfg.AgentNames()
		for _, c := range constraints {
			if !step.MatchesConstraint(c.ID) {
				continue
			}
			agents, _ := sigs.Route(c, &cfg.Constraints.Routing, available)
			fmt.Fprintf(w, "      %s (priority %d) -> %s\n",
				c.ID, c.Priority, strings.Join(agents, ", "))
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
