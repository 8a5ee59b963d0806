// Package procrunner invokes one external agent command per call: prompt on
// stdin, streamed stdout/stderr, timeout with graceful-then-forceful
// termination. Retry policy belongs to the state machine, never here.
package procrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kingrea/arena/internal/livelog"
)

// SentinelExitCode is returned for invocations that did not produce a real
// exit code: timeouts and spawn failures. Distinct from every real code.
const SentinelExitCode = -1

// killGrace is how long a timed-out process gets between the graceful
// termination signal and the forced kill.
const killGrace = 5 * time.Second

// Request describes one agent invocation.
type Request struct {
	Command []string
	Input   string
	Timeout time.Duration // zero means no timeout
	// Prefix tags every mirrored output line, typically "[agent] ".
	Prefix string
	// SuppressStderr keeps stderr out of the live log while still
	// capturing it in the result.
	SuppressStderr bool
}

// Result carries everything the state machine needs from one invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	// Err describes timeouts and spawn failures. Non-zero agent exits are
	// not errors at this layer.
	Err error
}

// TimedOut reports whether the invocation was cut off by its timeout.
func (r Result) TimedOut() bool {
	return r.ExitCode == SentinelExitCode && r.Err != nil && strings.Contains(r.Err.Error(), "timed out")
}

// Runner spawns agent processes and mirrors their output to the run's live
// log. The log handle is explicit, scoped to one run.
type Runner struct {
	live *livelog.Log
	now  func() time.Time
}

// Option customizes a Runner during construction.
type Option func(*Runner)

// WithClock overrides the clock used for elapsed-time reporting.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) { r.now = clock }
}

// New builds a runner that mirrors output lines to live. A nil live log
// disables mirroring.
func New(live *livelog.Log, opts ...Option) *Runner {
	r := &Runner{live: live, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run spawns the command, writes the input to its stdin and closes it,
// drains stdout and stderr concurrently line by line, and waits for exit.
// On timeout the process gets a graceful termination signal, a grace
// window, then a kill; the result carries the sentinel exit code and
// whatever output was captured. Run never returns a non-nil error value
// separately from the Result: all failure detail lives in Result.Err.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	start := r.now()
	if len(req.Command) == 0 {
		return Result{ExitCode: SentinelExitCode, Err: fmt.Errorf("procrunner: empty command")}
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Stdin = strings.NewReader(req.Input)
	// The agent gets its own process group so termination reaches any
	// children it spawns. A shell wrapper that forks and dies would
	// otherwise leave orphans holding the output pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: SentinelExitCode, Err: fmt.Errorf("procrunner: stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: SentinelExitCode, Err: fmt.Errorf("procrunner: stderr pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: SentinelExitCode, Elapsed: r.now().Sub(start), Err: fmt.Errorf("procrunner: start %s: %w", req.Command[0], err)}
	}

	var outBuf, errBuf lineBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.drain(stdout, &outBuf, req.Prefix, true)
	}()
	go func() {
		defer wg.Done()
		r.drain(stderr, &errBuf, req.Prefix+"stderr: ", !req.SuppressStderr)
	}()

	waitErr := make(chan error, 1)
	go func() {
		wg.Wait()
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-waitErr:
		elapsed := r.now().Sub(start)
		return Result{
			ExitCode: exitCode(cmd, err),
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			Elapsed:  elapsed,
		}
	case <-ctx.Done():
		r.terminate(cmd, waitErr)
		elapsed := r.now().Sub(start)
		return Result{
			ExitCode: SentinelExitCode,
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			Elapsed:  elapsed,
			Err:      fmt.Errorf("procrunner: %s canceled after %s: %w", req.Command[0], elapsed.Round(time.Second), ctx.Err()),
		}
	case <-timeout:
		r.terminate(cmd, waitErr)
		elapsed := r.now().Sub(start)
		r.live.Write(req.Prefix, fmt.Sprintf("timed out after %s", elapsed.Round(time.Second)))
		return Result{
			ExitCode: SentinelExitCode,
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			Elapsed:  elapsed,
			Err:      fmt.Errorf("procrunner: %s timed out after %s", req.Command[0], elapsed.Round(time.Second)),
		}
	}
}

// lineBuffer is a strings.Builder safe for one writer and a reader that may
// observe it before the writer finishes. Run can return from a timeout while
// a detached grandchild still holds a pipe open, so the drain goroutine may
// outlive the call that reads the buffer.
type lineBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lineBuffer) appendLine(line string) {
	l.mu.Lock()
	l.b.WriteString(line)
	l.b.WriteByte('\n')
	l.mu.Unlock()
}

func (l *lineBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// drain copies one stream line by line into buf, mirroring each line to the
// live log when mirror is set. Lines flow to the log as they arrive so an
// external tail tracks agent progress in real time.
func (r *Runner) drain(stream io.Reader, buf *lineBuffer, prefix string, mirror bool) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.appendLine(line)
		if mirror {
			r.live.Write(prefix, line)
		}
	}
}

// terminate signals the whole process group gracefully, waits out the grace
// window, then kills the group. The final wait is bounded: a process that
// escaped the group can keep the pipes open indefinitely, and a timed-out
// invocation must not block on it.
func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)
	select {
	case <-waitErr:
		return
	case <-time.After(killGrace):
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
	select {
	case <-waitErr:
	case <-time.After(killGrace):
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return SentinelExitCode
}
