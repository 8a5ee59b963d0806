package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	sigs "github.com/kingrea/arena/internal/engine"
	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/store"
)

// tailWindow bounds how much transcript a conversation prompt carries and
// how far back stagnation detection looks.
const tailWindow = 12

// RunConversation drives the turn-based mode: agents take turns (or rounds,
// under the parallel pattern) responding to the goal and each other until
// they all declare done, reach consensus, stagnate, need a human, or
// exhaust the turn budget.
func (e *Engine) RunConversation(ctx context.Context) (Outcome, error) {
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

	order := e.cfg.AgentNames()
	if len(order) == 0 {
		return e.fail(&state, fmt.Errorf("engine: no agents configured for conversation"))
	}

	for state.Status == StatusRunning {
		if err := ctx.Err(); err != nil {
			return e.fail(&state, fmt.Errorf("engine: run interrupted: %w", err))
		}
		if state.Turn >= e.cfg.MaxTurns {
			state.Status = StatusBudgetExceeded
			state.StatusReason = fmt.Sprintf("turn budget of %d exhausted", e.cfg.MaxTurns)
			state.ExitCode = ExitBudget
			e.live.Write("[engine] ", state.StatusReason)
			if err := e.writeResult(&state); err != nil {
				return e.fail(&state, err)
			}
			break
		}

		var stepErr error
		if e.cfg.Pattern == "parallel" {
			stepErr = e.conversationRound(ctx, &state, order)
		} else {
			stepErr = e.conversationTurn(ctx, &state, order)
		}
		if stepErr != nil {
			return e.fail(&state, stepErr)
		}
		if state.Status != StatusRunning {
			break
		}
		if err := e.checkpoint(&state); err != nil {
			return e.fail(&state, err)
		}
	}
	return e.outcomeOf(state), nil
}

// conversationTurn runs one agent in round-robin order. Cycle bookkeeping
// (done set, consensus, stagnation) is evaluated when the rotation wraps.
func (e *Engine) conversationTurn(ctx context.Context, state *RunState, order []string) error {
	name := order[state.NextAgent%len(order)]
	agent, ok := e.agents[name]
	if !ok {
		return fmt.Errorf("engine: agent %q is not configured", name)
	}

	env, counted, err := e.speakOnce(ctx, state, agent)
	if err != nil {
		return err
	}
	if state.Status != StatusRunning {
		return nil
	}
	if !counted {
		// A research detour: the same agent speaks again next loop.
		return nil
	}

	if state.Cycle == nil {
		state.Cycle = make(map[string]model.Envelope)
	}
	state.Cycle[name] = env
	if state.Done == nil {
		state.Done = make(map[string]bool)
	}
	state.Done[name] = env.Status == model.StatusDone

	state.Turn++
	state.NextAgent = (state.NextAgent + 1) % len(order)
	if state.NextAgent == 0 {
		return e.endOfCycle(state, order)
	}
	return nil
}

// conversationRound fans every agent out against the same transcript, then
// evaluates the cycle once, counting the round as one turn.
func (e *Engine) conversationRound(ctx context.Context, state *RunState, order []string) error {
	tail, err := e.threadTail(tailWindow)
	if err != nil {
		return err
	}
	prompt := make(map[string]string, len(order))
	for _, name := range order {
		prompt[name] = e.conversationPrompt(name, order, tail)
	}

	envs := make(map[string]model.Envelope, len(order))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range order {
		name := name
		agent, ok := e.agents[name]
		if !ok {
			return fmt.Errorf("engine: agent %q is not configured", name)
		}
		g.Go(func() error {
			env := e.invokeEnvelope(gctx, agent, prompt[name])
			mu.Lock()
			envs[name] = env
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	state.Cycle = make(map[string]model.Envelope, len(envs))
	state.Done = make(map[string]bool, len(envs))
	for _, name := range order {
		env := envs[name]
		e.thread(model.ThreadEntry{
			Kind: "message", Agent: name, Turn: state.Turn,
			Status: env.Status, Content: env.Message,
		})
		if env.Status == model.StatusNeedsHuman {
			return e.pause(state, name, env, name+" requested human input")
		}
		state.Cycle[name] = env
		state.Done[name] = env.Status == model.StatusDone
	}
	state.Turn++
	return e.endOfCycle(state, order)
}

// speakOnce invokes one agent with the current transcript, records the
// message, and handles the statuses that divert the flow. The returned
// bool is false when the turn should not be counted (research detours).
func (e *Engine) speakOnce(ctx context.Context, state *RunState, agent model.Agent) (model.Envelope, bool, error) {
	tail, err := e.threadTail(tailWindow)
	if err != nil {
		return model.Envelope{}, false, err
	}
	env := e.invokeEnvelope(ctx, agent, e.conversationPrompt(agent.Name, e.cfg.AgentNames(), tail))
	e.thread(model.ThreadEntry{
		Kind: "message", Agent: agent.Name, Turn: state.Turn,
		Status: env.Status, Content: env.Message,
	})

	switch env.Status {
	case model.StatusNeedsHuman:
		return env, false, e.pause(state, agent.Name, env, agent.Name+" requested human input")
	case model.StatusNeedsResearch:
		if !e.cfg.EnableResearch {
			e.live.Writef("[engine] %s requested research but research is disabled", agent.Name)
			return env, true, nil
		}
		// research appends its findings to the thread, so the next
		// prompt carries them; the detour does not consume a turn.
		if _, err := e.research(ctx, env.ResearchTopics, env.Message); err != nil {
			e.live.Write("[engine] ", err.Error())
			return env, true, nil
		}
		return env, false, nil
	case model.StatusError:
		e.live.Writef("[engine] %s reply unusable: %s", agent.Name, env.Message)
		return env, true, nil
	}
	return env, true, nil
}

// endOfCycle evaluates done-set completion, consensus, and stagnation once
// per full rotation, then resets the cycle.
func (e *Engine) endOfCycle(state *RunState, order []string) error {
	allDone := len(state.Done) == len(order)
	for _, name := range order {
		if !state.Done[name] {
			allDone = false
			break
		}
	}
	if allDone {
		return e.finishConversation(state, "all participants declared done")
	}

	if len(state.Cycle) >= 2 && sigs.CheckConsensus(state.Cycle, e.cfg.MinAgree) {
		return e.finishConversation(state, "participants reached consensus")
	}

	tail, err := e.threadTail(4 * len(order))
	if err != nil {
		return err
	}
	messages := make([]sigs.Message, 0, len(tail))
	for _, entry := range tail {
		if entry.Kind == "message" && entry.Agent != "human" {
			messages = append(messages, sigs.Message{Agent: entry.Agent, Content: entry.Content})
		}
	}
	if sigs.DetectStagnation(messages, order, sigs.StagnationThreshold) {
		env := model.Envelope{
			Status:  model.StatusNeedsHuman,
			Message: "the conversation has stopped moving",
			Questions: []model.Question{{
				Text:    "Participants are repeating themselves without converging. Redirect the discussion or end it?",
				Context: lastContents(messages, len(order)),
			}},
		}
		return e.pause(state, "", env, "conversation stagnated")
	}

	state.Cycle = nil
	state.Done = nil
	return nil
}

// finishConversation records the terminal conversation state. The
// resolution summary is the closing message of each participant.
func (e *Engine) finishConversation(state *RunState, reason string) error {
	var parts []string
	for name, env := range state.Cycle {
		if env.Message != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", name, env.Message))
		}
	}
	state.Status = StatusComplete
	state.StatusReason = reason
	state.ExitCode = ExitOK
	e.thread(model.ThreadEntry{Kind: "event", Step: "completed", Turn: state.Turn, Content: reason})
	e.live.Writef("[engine] conversation complete after %d turns: %s", state.Turn, reason)
	if err := e.hitl.WriteResolution(reason, state.Turn, strings.Join(parts, "\n\n")); err != nil {
		e.live.Write("[engine] ", "resolution write failed: "+err.Error())
	}
	return e.writeResult(state)
}

// conversationPrompt renders the goal, participants, and transcript tail
// for one speaker.
func (e *Engine) conversationPrompt(speaker string, order []string, tail []model.ThreadEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s in a working discussion with %s.\n\n", speaker, strings.Join(order, ", "))
	if body := e.personas[speaker]; body != "" {
		b.WriteString("# Your Role\n\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	b.WriteString("# Goal\n\n")
	b.WriteString(e.goal.Text)
	b.WriteString("\n")
	if e.goal.Source != "" {
		b.WriteString("\n# Source Material\n\n")
		b.WriteString(e.goal.Source)
		b.WriteString("\n")
	}
	if len(tail) > 0 {
		b.WriteString("\n# Discussion So Far\n\n")
		for _, entry := range tail {
			if entry.Kind != "message" {
				continue
			}
			fmt.Fprintf(&b, "**%s**: %s\n\n", entry.Agent, entry.Content)
		}
	}
	b.WriteString(`Continue the discussion. Set "status" to "done" when you have nothing
further to add, and list the participants you agree with in "agrees_with".`)
	b.WriteString("\n\n")
	b.WriteString(envelopeInstructions)
	return b.String()
}

// threadTail reads the last n transcript entries.
func (e *Engine) threadTail(n int) ([]model.ThreadEntry, error) {
	entries, err := store.ReadJSONL[model.ThreadEntry](e.run.ThreadPath())
	if err != nil {
		return nil, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func lastContents(messages []sigs.Message, n int) string {
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	var parts []string
	for _, m := range messages {
		parts = append(parts, m.Agent+": "+m.Content)
	}
	return strings.Join(parts, "\n")
}
