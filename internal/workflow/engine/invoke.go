package engine

import (
	"context"

	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/procrunner"
)

// Invoker runs one agent with a prompt on stdin and returns its result.
// The engine never talks to processes directly so tests can script replies.
type Invoker interface {
	Invoke(ctx context.Context, agent model.Agent, prompt, prefix string) procrunner.Result
}

// CLIInvoker executes agents as subprocesses through the process runner.
type CLIInvoker struct {
	runner *procrunner.Runner
}

// NewCLIInvoker wraps a process runner.
func NewCLIInvoker(runner *procrunner.Runner) *CLIInvoker {
	return &CLIInvoker{runner: runner}
}

func (i *CLIInvoker) Invoke(ctx context.Context, agent model.Agent, prompt, prefix string) procrunner.Result {
	return i.runner.Run(ctx, procrunner.Request{
		Command:        agent.Cmd,
		Input:          prompt,
		Timeout:        agent.Timeout,
		Prefix:         prefix,
		SuppressStderr: agent.SuppressStderr,
	})
}
