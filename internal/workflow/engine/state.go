package engine

import (
	"time"

	"github.com/kingrea/arena/internal/model"
)

// RunStatus enumerates coarse run phases.
type RunStatus string

const (
	StatusRunning        RunStatus = "running"
	StatusAwaitingHuman  RunStatus = "awaiting_human"
	StatusComplete       RunStatus = "complete"
	StatusBudgetExceeded RunStatus = "budget_exceeded"
	StatusFailed         RunStatus = "failed"
)

// Terminal reports whether the run has finished for good. A run awaiting
// human input is paused, not terminal: resuming with answers continues it.
func (s RunStatus) Terminal() bool {
	return s == StatusComplete || s == StatusBudgetExceeded || s == StatusFailed
}

// RunState is the persisted snapshot of a run. It is written after every
// externally observable transition so a crashed or interrupted run resumes
// from the last completed step rather than repeating work.
type RunState struct {
	RunName      string    `json:"run_name"`
	Mode         string    `json:"mode"`
	Status       RunStatus `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`

	// Step-machine position.
	Iteration int    `json:"iteration"`
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name,omitempty"`

	// Current artifact, stored by path so large artifacts stay out of the
	// state file. Content lives under iterations/<n>/artifact.md.
	ArtifactPath string `json:"artifact_path,omitempty"`

	// Critiques accumulated since the last refine, plus the adjudication
	// that most recently judged them. LastBatch marks where the most
	// recent critique step's results begin, for previous-scope rulings.
	Critiques        []model.Critique    `json:"critiques,omitempty"`
	LastBatch        int                 `json:"last_batch,omitempty"`
	LastAdjudication *model.Adjudication `json:"last_adjudication,omitempty"`

	// Pursued-issue counters for thrash detection, keyed by issue id.
	// PriorPursuing carries the previous adjudication's pursuing set
	// across the loop-back reset so repeat offenders can be counted.
	Thrash        map[string]int `json:"thrash,omitempty"`
	PriorPursuing []string       `json:"prior_pursuing,omitempty"`

	// Human-in-the-loop bookkeeping.
	HITLPending bool   `json:"hitl_pending,omitempty"`
	HITLReason  string `json:"hitl_reason,omitempty"`

	// Conversation-mode bookkeeping. Cycle holds the envelopes of the
	// round in progress so consensus checks survive a restart.
	Turn      int                       `json:"turn,omitempty"`
	Done      map[string]bool           `json:"done,omitempty"`
	NextAgent int                       `json:"next_agent,omitempty"`
	Cycle     map[string]model.Envelope `json:"cycle,omitempty"`

	ExitCode  int       `json:"exit_code"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate freely before saving.
func (s RunState) Clone() RunState {
	out := s
	if len(s.Critiques) > 0 {
		out.Critiques = make([]model.Critique, len(s.Critiques))
		copy(out.Critiques, s.Critiques)
	}
	if s.LastAdjudication != nil {
		adj := s.LastAdjudication.Clone()
		out.LastAdjudication = &adj
	}
	if len(s.Thrash) > 0 {
		out.Thrash = make(map[string]int, len(s.Thrash))
		for id, n := range s.Thrash {
			out.Thrash[id] = n
		}
	}
	if len(s.PriorPursuing) > 0 {
		out.PriorPursuing = make([]string, len(s.PriorPursuing))
		copy(out.PriorPursuing, s.PriorPursuing)
	}
	if len(s.Done) > 0 {
		out.Done = make(map[string]bool, len(s.Done))
		for name, done := range s.Done {
			out.Done[name] = done
		}
	}
	if len(s.Cycle) > 0 {
		out.Cycle = make(map[string]model.Envelope, len(s.Cycle))
		for name, env := range s.Cycle {
			out.Cycle[name] = env
		}
	}
	return out
}

// ResetIteration clears the per-iteration critique record when the loop
// jumps back to generate a fresh draft.
func (s *RunState) ResetIteration() {
	s.Critiques = nil
	s.LastBatch = 0
	s.LastAdjudication = nil
}
