// Package engine executes a workflow definition as a resumable state
// machine: every externally observable transition is checkpointed to the
// run directory before the next agent invocation, so a crashed or paused
// run picks up from its last completed step.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/arena/internal/config"
	sigs "github.com/kingrea/arena/internal/engine"
	"github.com/kingrea/arena/internal/hitl"
	"github.com/kingrea/arena/internal/livelog"
	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/parse"
	"github.com/kingrea/arena/internal/store"
	"github.com/kingrea/arena/internal/workflow"
)

// Process exit codes. The distinct HITL and budget codes let wrapping
// automation tell "waiting on a human" apart from "ran out of road".
const (
	ExitOK     = 0
	ExitError  = 1
	ExitHITL   = 10
	ExitBudget = 11
)

// Outcome is the terminal (or paused) result of driving a run.
type Outcome struct {
	Status   RunStatus
	ExitCode int
	Reason   string
	// Artifact is the path of the final artifact when the run completed.
	Artifact string
}

// Deps carries everything the engine needs. All fields are required
// except Invoker, which defaults to the CLI invoker is absent.
type Deps struct {
	Config      *config.Config
	Definition  *workflow.Definition
	Goal        *config.Goal
	Constraints []model.Constraint
	Run         store.RunDir
	Repo        StateStore
	Live        *livelog.Log
	HITL        *hitl.Protocol
	Invoker     Invoker
	// Personas maps agent name to a role document injected into that
	// agent's conversation prompts. Optional.
	Personas map[string]string
}

// Engine drives one run of a workflow definition.
type Engine struct {
	cfg          *config.Config
	def          *workflow.Definition
	goal         *config.Goal
	constraints  []model.Constraint
	run          store.RunDir
	repo         StateStore
	live         *livelog.Log
	hitl         *hitl.Protocol
	invoker      Invoker
	agents       map[string]model.Agent
	personas     map[string]string
	policy       sigs.ApprovalPolicy
	dispositions sigs.DispositionConfig
	clock        func() time.Time
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New wires an engine to its run directory and collaborators.
func New(deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("engine: config is required")
	case deps.Definition == nil:
		return nil, fmt.Errorf("engine: workflow definition is required")
	case deps.Goal == nil:
		return nil, fmt.Errorf("engine: goal is required")
	case deps.Repo == nil:
		return nil, fmt.Errorf("engine: state store is required")
	case deps.HITL == nil:
		return nil, fmt.Errorf("engine: hitl protocol is required")
	case deps.Invoker == nil:
		return nil, fmt.Errorf("engine: invoker is required")
	}
	e := &Engine{
		cfg:          deps.Config,
		def:          deps.Definition,
		goal:         deps.Goal,
		constraints:  deps.Constraints,
		run:          deps.Run,
		repo:         deps.Repo,
		live:         deps.Live,
		hitl:         deps.HITL,
		invoker:      deps.Invoker,
		agents:       deps.Config.AgentSet(),
		personas:     deps.Personas,
		policy:       deps.Config.ApprovalPolicy(),
		dispositions: deps.Config.DispositionConfig(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run drives the state machine until it completes, pauses for a human, or
// fails. Calling Run on a finished run returns the recorded outcome
// without invoking any agent.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	state, err := e.loadOrInit()
	if err != nil {
		return Outcome{Status: StatusFailed, ExitCode: ExitError, Reason: err.Error()}, err
	}
	if state.Status.Terminal() {
		e.live.Writef("[engine] run %s already %s, nothing to do", state.RunName, state.Status)
		return e.outcomeOf(state), nil
	}
	if state.HITLPending {
		resumed, err := e.resumeFromHuman(&state)
		if err != nil {
			return e.fail(&state, err)
		}
		if !resumed {
			e.live.Write("[engine] ", "still awaiting human answers")
			return e.outcomeOf(state), nil
		}
	}

	for state.Status == StatusRunning {
		if err := ctx.Err(); err != nil {
			return e.fail(&state, fmt.Errorf("engine: run interrupted: %w", err))
		}
		step := e.def.Steps[state.StepIndex]
		state.StepName = step.Name

		var stepErr error
		switch step.Kind {
		case workflow.StepGenerate:
			stepErr = e.runGenerate(ctx, &state, step)
		case workflow.StepCritique:
			stepErr = e.runCritique(ctx, &state, step)
		case workflow.StepAdjudicate:
			stepErr = e.runAdjudicate(ctx, &state, step)
		case workflow.StepRefine:
			stepErr = e.runRefine(ctx, &state, step)
		default:
			stepErr = fmt.Errorf("engine: unknown step kind %q", step.Kind)
		}
		if stepErr != nil {
			return e.fail(&state, stepErr)
		}
		if err := e.checkpoint(&state); err != nil {
			return e.fail(&state, err)
		}
	}
	return e.outcomeOf(state), nil
}

func (e *Engine) loadOrInit() (RunState, error) {
	state, err := e.repo.Load()
	if err == nil {
		return state, nil
	}
	if err != ErrStateNotFound {
		return RunState{}, err
	}
	state = RunState{
		RunName:   e.run.Name(),
		Mode:      string(e.cfg.Mode),
		Status:    StatusRunning,
		Iteration: 1,
		UpdatedAt: e.clock(),
	}
	if err := e.run.Init(); err != nil {
		return RunState{}, err
	}
	e.thread(model.ThreadEntry{Kind: "event", Step: "run_started", Iteration: 1})
	e.live.Writef("[engine] run %s started (mode %s, %d constraints)",
		state.RunName, state.Mode, len(e.constraints))
	if err := e.repo.Save(state); err != nil {
		return RunState{}, err
	}
	return state, nil
}

// resumeFromHuman ingests hitl answers if present. The answers land in the
// transcript so the next prompt carries them.
func (e *Engine) resumeFromHuman(state *RunState) (bool, error) {
	record, ok, err := e.hitl.IngestAnswers()
	if err != nil {
		return false, err
	}
	if !ok {
		// No answers yet. A missing question record with the pending flag
		// set is a phantom pause from a crash between checkpoints.
		if e.hitl.ClearPhantom(state.HITLPending) && !e.hitl.HasPendingQuestions() {
			state.HITLPending = false
			state.HITLReason = ""
			state.Status = StatusRunning
			e.live.Write("[engine] ", "cleared phantom hitl pause, resuming")
			return true, e.checkpoint(state)
		}
		return false, nil
	}
	for _, a := range record.Answers {
		e.thread(model.ThreadEntry{
			Kind:    "message",
			Agent:   "human",
			Turn:    state.Turn,
			Content: fmt.Sprintf("[%s] %s", a.QuestionID, a.Answer),
		})
	}
	state.HITLPending = false
	state.HITLReason = ""
	state.Status = StatusRunning
	state.ExitCode = ExitOK
	e.live.Writef("[engine] ingested %d human answers, resuming", len(record.Answers))
	return true, e.checkpoint(state)
}

func (e *Engine) runGenerate(ctx context.Context, state *RunState, step workflow.Step) error {
	artifactPath := e.run.IterationArtifactPath(state.Iteration)
	if _, err := os.Stat(artifactPath); err == nil {
		// A refine loop-back (or a resumed run) already produced this
		// iteration's draft.
		state.ArtifactPath = artifactPath
		e.live.Writef("[engine] iteration %d artifact present, skipping generation", state.Iteration)
		e.advance(state)
		return nil
	}

	agent, err := e.agentFor(step.Agent, e.cfg.Phases.Generate.Agent)
	if err != nil {
		return err
	}
	prompt := GeneratorPrompt(e.goal, config.CompressConstraints(e.constraints))
	env := e.invokeEnvelope(ctx, agent, prompt)
	if env.Status == model.StatusNeedsResearch && e.cfg.EnableResearch {
		findings, err := e.research(ctx, env.ResearchTopics, e.goal.Text)
		if err == nil && findings != "" {
			env = e.invokeEnvelope(ctx, agent, prompt+"\n\n# Research Findings\n\n"+findings)
		}
	}
	switch env.Status {
	case model.StatusNeedsHuman:
		return e.pause(state, agent.Name, env, "generator requested human input")
	case model.StatusError:
		return fmt.Errorf("engine: generation failed: %s", env.Message)
	case model.StatusNeedsResearch:
		// Research is disabled or the detour came back empty. The reply
		// is a request for sources, not a draft, so it must not land as
		// the iteration artifact.
		return fmt.Errorf("engine: generator needs research but none was available")
	}
	if env.Message == "" {
		return fmt.Errorf("engine: generator returned an empty artifact")
	}

	for _, warning := range parse.ValidateArtifacts(env, e.run.Path()) {
		e.live.Write("[engine] ", "artifact warning: "+warning)
	}
	if err := store.WriteFileAtomic(artifactPath, []byte(env.Message)); err != nil {
		return err
	}
	state.ArtifactPath = artifactPath
	e.thread(model.ThreadEntry{
		Kind: "event", Step: "generated", Agent: agent.Name,
		Iteration: state.Iteration, Status: env.Status,
	})
	e.live.Writef("[engine] iteration %d artifact generated by %s (%d bytes)",
		state.Iteration, agent.Name, len(env.Message))
	e.advance(state)
	return nil
}

// critiqueTask pairs one constraint with one reviewing agent.
type critiqueTask struct {
	constraint model.Constraint
	agent      model.Agent
}

func (e *Engine) runCritique(ctx context.Context, state *RunState, step workflow.Step) error {
	tasks, err := e.critiqueTasks(step)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		e.live.Write("[engine] ", "no constraints matched critique step, skipping")
		e.advance(state)
		return nil
	}
	artifact, err := e.artifactText(state)
	if err != nil {
		return err
	}

	var batch []model.Critique
	if step.Execution == workflow.ExecutionSerial {
		batch, err = e.critiqueSerial(ctx, state, tasks, artifact)
	} else {
		batch, err = e.critiqueParallel(ctx, state, tasks, artifact)
	}
	if err != nil {
		return err
	}

	// Persist every critique before it enters the state, so the files on
	// disk are always a superset of what the adjudicator will see.
	for _, c := range batch {
		path := e.run.CritiquePath(state.Iteration, c.ConstraintID, c.Reviewer)
		if err := store.SaveJSONAtomic(path, c); err != nil {
			return err
		}
	}

	surviving, paused, err := e.applyDispositions(state, batch)
	if err != nil || paused {
		return err
	}
	state.LastBatch = len(state.Critiques)
	state.Critiques = append(state.Critiques, surviving...)
	e.thread(model.ThreadEntry{
		Kind: "event", Step: "critiqued", Iteration: state.Iteration,
		Content: fmt.Sprintf("%d critiques collected", len(surviving)),
	})
	e.advance(state)
	return nil
}

func (e *Engine) critiqueTasks(step workflow.Step) ([]critiqueTask, error) {
	available := e.cfg.AgentNames()
	var tasks []critiqueTask
	for _, c := range e.constraints {
		if !step.MatchesConstraint(c.ID) {
			continue
		}
		names, removed := sigs.Route(c, &e.cfg.Constraints.Routing, available)
		if len(removed) > 0 {
			e.live.Writef("[engine] constraint %s: unavailable reviewers removed: %s",
				c.ID, strings.Join(removed, ", "))
		}
		for _, name := range names {
			agent, ok := e.agents[name]
			if !ok {
				continue
			}
			tasks = append(tasks, critiqueTask{constraint: c, agent: agent})
		}
	}
	return tasks, nil
}

func (e *Engine) critiqueSerial(ctx context.Context, state *RunState, tasks []critiqueTask, artifact string) ([]model.Critique, error) {
	var batch []model.Critique
	for _, t := range tasks {
		critique := e.critiqueOne(ctx, t, artifact, state.Iteration)
		batch = append(batch, critique)
		if e.haltsEarly(t.constraint, critique) {
			e.live.Writef("[engine] HALT issue from %s on %s, cutting critique pass short",
				critique.Reviewer, critique.ConstraintID)
			break
		}
	}
	return batch, nil
}

// critiqueParallel fans the whole batch out at once. Results commit
// together: a failed invocation yields an error-sentinel critique rather
// than a partially recorded pass.
func (e *Engine) critiqueParallel(ctx context.Context, state *RunState, tasks []critiqueTask, artifact string) ([]model.Critique, error) {
	batch := make([]model.Critique, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			batch[i] = e.critiqueOne(gctx, t, artifact, state.Iteration)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}

func (e *Engine) critiqueOne(ctx context.Context, t critiqueTask, artifact string, iteration int) model.Critique {
	prompt := CriticPrompt(t.constraint, artifact, iteration)
	res := e.invoker.Invoke(ctx, t.agent, prompt, "["+t.agent.Name+"] ")
	if res.Err != nil {
		return model.ErrorCritique(t.constraint.ID, t.agent.Name, iteration, res.Err.Error())
	}
	return parse.ParseCritique(res.Stdout, t.agent.Name, t.constraint.ID, iteration)
}

// haltsEarly reports whether a critique contains an issue whose resolved
// disposition is HALT.
func (e *Engine) haltsEarly(c model.Constraint, critique model.Critique) bool {
	for _, issue := range critique.Issues {
		if sigs.ResolveDisposition(c, issue.Severity, e.dispositions) == model.DispositionHalt {
			return true
		}
	}
	return false
}

// applyDispositions filters IGNORE issues out and pauses on ESCALATE ones.
// Returns the surviving critiques and whether the run paused.
func (e *Engine) applyDispositions(state *RunState, batch []model.Critique) ([]model.Critique, bool, error) {
	byID := make(map[string]model.Constraint, len(e.constraints))
	for _, c := range e.constraints {
		byID[c.ID] = c
	}
	out := make([]model.Critique, 0, len(batch))
	ignored := 0
	for _, critique := range batch {
		c := byID[critique.ConstraintID]
		kept := critique
		kept.Issues = nil
		for _, issue := range critique.Issues {
			switch sigs.ResolveDisposition(c, issue.Severity, e.dispositions) {
			case model.DispositionIgnore:
				ignored++
			case model.DispositionEscalate:
				env := model.Envelope{
					Status:  model.StatusNeedsHuman,
					Message: issue.Finding,
					Questions: []model.Question{{
						ID:      issue.ID,
						Text:    fmt.Sprintf("Issue %s on %s is configured to escalate: %s. How should it be handled?", issue.ID, critique.ConstraintID, issue.Finding),
						Context: issue.Evidence,
					}},
				}
				err := e.pause(state, critique.Reviewer, env,
					fmt.Sprintf("issue %s escalated by disposition", issue.ID))
				return nil, true, err
			default:
				kept.Issues = append(kept.Issues, issue)
			}
		}
		out = append(out, kept)
	}
	if ignored > 0 {
		e.live.Writef("[engine] %d issues dropped by IGNORE disposition", ignored)
	}
	return out, false, nil
}

func (e *Engine) runAdjudicate(ctx context.Context, state *RunState, step workflow.Step) error {
	critiques, err := e.scopedCritiques(state, step.Scope)
	if err != nil {
		return err
	}
	if len(critiques) == 0 {
		e.live.Write("[engine] ", "no critiques in scope, skipping adjudication")
		e.advance(state)
		return nil
	}
	artifact, err := e.artifactText(state)
	if err != nil {
		return err
	}
	agent, err := e.agentFor(step.Agent, e.cfg.Phases.Adjudicate.Agent)
	if err != nil {
		return err
	}

	res := e.invoker.Invoke(ctx, agent, AdjudicatorPrompt(artifact, critiques, state.Iteration), "["+agent.Name+"] ")
	var adj model.Adjudication
	if res.Err != nil {
		adj = model.ErrorAdjudication(state.Iteration, res.Err.Error())
	} else {
		adj = parse.ParseAdjudication(res.Stdout, state.Iteration)
	}
	if adj.Status == model.AdjudicationError {
		// An unusable ruling is persisted like any other and the run
		// carries on: the failure note becomes the bill of work, so the
		// next refinement surfaces it instead of the run dying here.
		e.live.Writef("[engine] adjudication unusable, continuing: %s", adj.BillOfWork)
	}
	if err := store.SaveJSONAtomic(e.run.AdjudicationPath(state.Iteration), adj); err != nil {
		return err
	}
	e.thread(model.ThreadEntry{
		Kind: "event", Step: "adjudicated", Agent: agent.Name, Iteration: state.Iteration,
		Content: fmt.Sprintf("%s: %d critical, %d high pursuing", adj.Status, adj.CriticalPursuing, adj.HighPursuing),
	})

	if conflict := conflictingCriticals(adj); conflict != "" && e.cfg.EscalatesOn("conflicting_criticals") {
		env := model.Envelope{
			Status:  model.StatusNeedsHuman,
			Message: conflict,
			Questions: []model.Question{{
				Text:    "Two constraints raise conflicting CRITICAL issues: " + conflict + ". Which takes precedence?",
				Context: adj.BillOfWork,
			}},
		}
		return e.pause(state, agent.Name, env, "conflicting critical issues")
	}

	if len(state.PriorPursuing) > 0 {
		prev := make(map[string]struct{}, len(state.PriorPursuing))
		for _, id := range state.PriorPursuing {
			prev[id] = struct{}{}
		}
		tracker := &sigs.ThrashTracker{Counts: state.Thrash}
		overlap := tracker.Update(prev, adj.PursuingIDs())
		state.Thrash = tracker.Counts
		if len(overlap) > 0 {
			e.live.Writef("[engine] issues persisting across adjudications: %s", strings.Join(overlap, ", "))
		}
		if chronic := tracker.Chronic(e.cfg.Escalation.ThrashThreshold); len(chronic) > 0 && e.cfg.EscalatesOn("thrashing") {
			env := model.Envelope{
				Status:  model.StatusNeedsHuman,
				Message: "chronic issues: " + strings.Join(chronic, ", "),
				Questions: []model.Question{{
					Text:    fmt.Sprintf("Issues %s keep surviving refinement. Should they be dropped, reworded, or pursued differently?", strings.Join(chronic, ", ")),
					Context: adj.BillOfWork,
				}},
			}
			return e.pause(state, agent.Name, env, "thrashing on "+strings.Join(chronic, ", "))
		}
	}

	adjCopy := adj.Clone()
	state.LastAdjudication = &adjCopy
	state.PriorPursuing = nil
	for id := range adj.PursuingIDs() {
		state.PriorPursuing = append(state.PriorPursuing, id)
	}
	sort.Strings(state.PriorPursuing)

	if adj.Status != model.AdjudicationError && e.policy.Approves(adj) {
		return e.finalize(state, "approved by adjudication under policy "+e.policy.Name())
	}
	e.advance(state)
	return nil
}

// scopedCritiques selects the critiques an adjudicate step receives.
func (e *Engine) scopedCritiques(state *RunState, scope workflow.Scope) ([]model.Critique, error) {
	switch scope {
	case workflow.ScopePrevious:
		return state.Critiques[state.LastBatch:], nil
	case workflow.ScopeAll:
		return e.loadAllCritiques()
	default:
		return state.Critiques, nil
	}
}

// loadAllCritiques reads every persisted critique across all iterations.
func (e *Engine) loadAllCritiques() ([]model.Critique, error) {
	paths, err := filepath.Glob(filepath.Join(e.run.IterationsDir(), "*", "critiques", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("engine: list critiques: %w", err)
	}
	sort.Strings(paths)
	var out []model.Critique
	for _, path := range paths {
		var c model.Critique
		if err := store.LoadJSON(path, &c); err != nil {
			e.live.Write("[engine] ", "skipping unreadable critique: "+err.Error())
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// conflictingCriticals returns a description of two pursuing CRITICAL
// decisions that name each other's constraints, or "".
func conflictingCriticals(adj model.Adjudication) string {
	pursuing := make(map[string]model.AdjudicationDecision)
	for _, d := range adj.PursuingIssues() {
		if d.Severity == model.SeverityCritical {
			pursuing[d.Constraint] = d
		}
	}
	for _, d := range pursuing {
		if d.CompetingConstraint == "" {
			continue
		}
		if other, ok := pursuing[d.CompetingConstraint]; ok {
			return fmt.Sprintf("%s (%s) vs %s (%s)", d.Constraint, d.IssueID, other.Constraint, other.IssueID)
		}
	}
	return ""
}

func (e *Engine) runRefine(ctx context.Context, state *RunState, step workflow.Step) error {
	if state.LastAdjudication == nil || strings.TrimSpace(state.LastAdjudication.BillOfWork) == "" {
		e.live.Write("[engine] ", "no work order to refine against, skipping")
		e.advance(state)
		return nil
	}
	prev, err := e.artifactText(state)
	if err != nil {
		return err
	}
	agent, err := e.agentFor(step.Agent, e.cfg.Phases.Refine.Agent)
	if err != nil {
		return err
	}

	bill := state.LastAdjudication.BillOfWork
	maxPct := e.cfg.Phases.Refine.MaxSizeChangePct
	retries := e.cfg.Phases.Refine.ValidationRetries

	var candidate, feedback string
	accepted := false
	for attempt := 0; attempt <= retries; attempt++ {
		env := e.invokeEnvelope(ctx, agent, RefinerPrompt(prev, bill, string(step.Mode), feedback))
		switch env.Status {
		case model.StatusNeedsHuman:
			return e.pause(state, agent.Name, env, "refiner requested human input")
		case model.StatusError:
			return fmt.Errorf("engine: refinement failed: %s", env.Message)
		}
		candidate = env.Message
		// Rewrite mode regenerates wholesale, so the change-magnitude
		// guard only applies to edits.
		if step.Mode == workflow.RefineRewrite {
			accepted = candidate != "" && candidate != prev
			if accepted {
				break
			}
			feedback = "the rewrite was empty or identical to the previous artifact"
			continue
		}
		if err := sigs.ValidateRefinement(prev, candidate, maxPct); err != nil {
			feedback = err.Error()
			e.live.Writef("[engine] refinement attempt %d rejected: %v", attempt+1, err)
			continue
		}
		accepted = true
		break
	}
	if !accepted {
		env := model.Envelope{
			Status:  model.StatusNeedsHuman,
			Message: feedback,
			Questions: []model.Question{{
				Text:    "Refinement kept failing validation: " + feedback + ". Accept the last candidate, retry, or revise the work order?",
				Context: bill,
			}},
		}
		return e.pause(state, agent.Name, env, "refinement validation exhausted")
	}
	e.live.Writef("[engine] refined artifact accepted (%s)", sigs.DiffSummary(prev, candidate))

	if step.LoopTo == "" {
		if err := store.WriteFileAtomic(state.ArtifactPath, []byte(candidate)); err != nil {
			return err
		}
		e.thread(model.ThreadEntry{Kind: "event", Step: "refined", Agent: agent.Name, Iteration: state.Iteration})
		e.advance(state)
		return nil
	}

	next := state.Iteration + 1
	nextPath := e.run.IterationArtifactPath(next)
	if err := store.WriteFileAtomic(nextPath, []byte(candidate)); err != nil {
		return err
	}
	e.thread(model.ThreadEntry{Kind: "event", Step: "refined", Agent: agent.Name, Iteration: state.Iteration})

	if next > e.cfg.MaxIterations {
		if e.cfg.EscalatesOn("max_iterations") {
			env := model.Envelope{
				Status:  model.StatusNeedsHuman,
				Message: fmt.Sprintf("iteration budget of %d reached", e.cfg.MaxIterations),
				Questions: []model.Question{{
					Text:    fmt.Sprintf("The run used all %d iterations without approval. Accept the current artifact, extend the budget, or abandon?", e.cfg.MaxIterations),
					Context: bill,
				}},
			}
			state.Iteration = next
			state.ArtifactPath = nextPath
			return e.pause(state, agent.Name, env, "iteration budget reached")
		}
		state.Iteration = next
		state.ArtifactPath = nextPath
		state.Status = StatusBudgetExceeded
		state.StatusReason = fmt.Sprintf("iteration budget of %d reached without approval", e.cfg.MaxIterations)
		state.ExitCode = ExitBudget
		e.live.Write("[engine] ", state.StatusReason)
		return e.writeResult(state)
	}

	target, ok := e.def.IndexOf(step.LoopTo)
	if !ok {
		return fmt.Errorf("engine: loop target %q vanished from definition", step.LoopTo)
	}
	state.Iteration = next
	state.ArtifactPath = nextPath
	state.ResetIteration()
	state.StepIndex = target
	e.live.Writef("[engine] looping to %s for iteration %d", step.LoopTo, next)
	return nil
}

// advance moves to the next step; walking off the end completes the run
// with the current artifact.
func (e *Engine) advance(state *RunState) {
	state.StepIndex++
	if state.StepIndex >= len(e.def.Steps) {
		// Terminal step reached without an approval gate firing.
		if err := e.finalize(state, "workflow reached its final step"); err != nil {
			state.Status = StatusFailed
			state.StatusReason = err.Error()
			state.ExitCode = ExitError
		}
	}
}

// finalize publishes the current artifact and records the terminal state.
func (e *Engine) finalize(state *RunState, reason string) error {
	content, err := e.artifactText(state)
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(e.run.FinalArtifactPath(), []byte(content)); err != nil {
		return err
	}
	state.Status = StatusComplete
	state.StatusReason = reason
	state.ExitCode = ExitOK
	e.thread(model.ThreadEntry{Kind: "event", Step: "completed", Iteration: state.Iteration, Content: reason})
	e.live.Writef("[engine] run complete after %d iteration(s): %s", state.Iteration, reason)
	if err := e.hitl.WriteResolution(reason, state.Turn, content); err != nil {
		e.live.Write("[engine] ", "resolution write failed: "+err.Error())
	}
	return e.writeResult(state)
}

// pause suspends the run for human input. Questions reach the operator via
// the hitl files and the live log; the process then exits with the HITL
// code so wrappers know to come back with answers.
func (e *Engine) pause(state *RunState, agentName string, env model.Envelope, reason string) error {
	questions := env.Questions
	if len(questions) == 0 {
		questions = []model.Question{{Text: reason, Context: env.Message}}
	}
	if err := e.hitl.WriteQuestions([]hitl.AgentQuestions{{Agent: agentName, Questions: questions}}, state.Turn); err != nil {
		return err
	}
	state.HITLPending = true
	state.HITLReason = reason
	state.Status = StatusAwaitingHuman
	state.StatusReason = reason
	state.ExitCode = ExitHITL
	e.thread(model.ThreadEntry{Kind: "event", Step: "paused", Agent: agentName, Iteration: state.Iteration, Content: reason})
	return e.writeResult(state)
}

// fail records a terminal failure, then returns the original error.
func (e *Engine) fail(state *RunState, cause error) (Outcome, error) {
	state.Status = StatusFailed
	state.StatusReason = cause.Error()
	state.ExitCode = ExitError
	if err := e.writeResult(state); err != nil {
		e.live.Write("[engine] ", "result write failed: "+err.Error())
	}
	return e.outcomeOf(*state), cause
}

// writeResult checkpoints the state and mirrors it into agent-result.json
// for wrapping automation.
func (e *Engine) writeResult(state *RunState) error {
	if err := e.checkpoint(state); err != nil {
		return err
	}
	var questions []hitl.AgentQuestions
	if record, ok := e.hitl.PendingQuestions(); ok {
		questions = record.Questions
	}
	errMsg := ""
	if state.Status == StatusFailed {
		errMsg = state.StatusReason
	}
	if err := e.hitl.WriteAgentResult(string(state.Status), state.ExitCode, state.StatusReason, errMsg, questions); err != nil {
		e.live.Write("[engine] ", "agent-result write failed: "+err.Error())
	}
	return nil
}

func (e *Engine) checkpoint(state *RunState) error {
	state.UpdatedAt = e.clock()
	return e.repo.Save(*state)
}

func (e *Engine) outcomeOf(state RunState) Outcome {
	out := Outcome{
		Status:   state.Status,
		ExitCode: state.ExitCode,
		Reason:   state.StatusReason,
	}
	if state.Status == StatusComplete {
		out.Artifact = e.run.FinalArtifactPath()
	}
	return out
}

func (e *Engine) agentFor(name, fallback string) (model.Agent, error) {
	if name == "" {
		name = fallback
	}
	agent, ok := e.agents[name]
	if !ok {
		return model.Agent{}, fmt.Errorf("engine: agent %q is not configured", name)
	}
	return agent, nil
}

func (e *Engine) artifactText(state *RunState) (string, error) {
	if state.ArtifactPath == "" {
		return "", fmt.Errorf("engine: no artifact yet at step %s", state.StepName)
	}
	data, err := os.ReadFile(state.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("engine: read artifact: %w", err)
	}
	return string(data), nil
}

func (e *Engine) invokeEnvelope(ctx context.Context, agent model.Agent, prompt string) model.Envelope {
	res := e.invoker.Invoke(ctx, agent, prompt, "["+agent.Name+"] ")
	if res.Err != nil {
		return model.ErrorEnvelope(res.Err.Error())
	}
	return parse.ParseEnvelope(res.Stdout, agent.Kind)
}

// research runs the configured research agent and returns its findings.
// Research turns do not count against any budget.
func (e *Engine) research(ctx context.Context, topics []string, background string) (string, error) {
	if e.cfg.ResearchAgent == "" {
		return "", fmt.Errorf("engine: research requested but no research agent configured")
	}
	agent, ok := e.agents[e.cfg.ResearchAgent]
	if !ok {
		return "", fmt.Errorf("engine: research agent %q is not configured", e.cfg.ResearchAgent)
	}
	e.live.Writef("[engine] research requested on %d topic(s)", len(topics))
	env := e.invokeEnvelope(ctx, agent, ResearchPrompt(topics, background))
	if env.Status == model.StatusError {
		return "", fmt.Errorf("engine: research failed: %s", env.Message)
	}
	e.thread(model.ThreadEntry{Kind: "message", Agent: agent.Name, Content: env.Message, Status: env.Status})
	return env.Message, nil
}

func (e *Engine) thread(entry model.ThreadEntry) {
	entry.Timestamp = e.clock()
	if err := store.AppendJSONL(e.run.ThreadPath(), entry); err != nil {
		e.live.Write("[engine] ", "thread append failed: "+err.Error())
	}
}
