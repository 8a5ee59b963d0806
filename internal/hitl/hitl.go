// Package hitl implements the human-in-the-loop protocol: persisting agent
// questions, ingesting human answers, and the terminal resolution records a
// later invocation reads instead of re-deriving what happened.
package hitl

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kingrea/arena/internal/livelog"
	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/store"
)

// AgentQuestions groups one agent's questions in a question record.
type AgentQuestions struct {
	Agent     string           `json:"agent"`
	Questions []model.Question `json:"questions"`
}

// QuestionRecord is the persisted hitl/questions.json shape. AnswerFormat
// documents the answer-file shape the human is expected to write back.
type QuestionRecord struct {
	Timestamp    string           `json:"timestamp"`
	Turn         int              `json:"turn"`
	Questions    []AgentQuestions `json:"questions"`
	AnswerFormat AnswerRecord     `json:"answer_format"`
}

// Answer is one human answer keyed by question id.
type Answer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// AnswerRecord is the expected hitl/answers.json shape.
type AnswerRecord struct {
	Answers []Answer `json:"answers"`
}

// Protocol reads and writes the HITL files of one run.
type Protocol struct {
	run  store.RunDir
	live *livelog.Log
	now  func() time.Time
}

// Option customizes a Protocol.
type Option func(*Protocol)

// WithClock overrides the clock used for timestamps and archive names.
func WithClock(clock func() time.Time) Option {
	return func(p *Protocol) { p.now = clock }
}

// New builds the protocol for a run. The live log receives the question
// banner so a watcher sees the pause immediately.
func New(run store.RunDir, live *livelog.Log, opts ...Option) *Protocol {
	p := &Protocol{run: run, live: live, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteQuestions persists the pending question record and mirrors it to the
// live log. The caller sets the pending flag in run state and exits with the
// HITL status.
func (p *Protocol) WriteQuestions(questions []AgentQuestions, turn int) error {
	record := QuestionRecord{
		Timestamp: p.now().UTC().Format(time.RFC3339),
		Turn:      turn,
		Questions: questions,
		AnswerFormat: AnswerRecord{
			Answers: []Answer{{QuestionID: "q1", Answer: "your answer"}},
		},
	}
	if err := store.SaveJSONAtomic(p.run.QuestionsPath(), record); err != nil {
		return fmt.Errorf("hitl: write questions: %w", err)
	}

	p.live.Writef("==================================================")
	p.live.Writef("HUMAN INPUT NEEDED")
	p.live.Writef("==================================================")
	for _, aq := range questions {
		p.live.Writef("[%s] asks:", aq.Agent)
		for i, q := range aq.Questions {
			id := q.ID
			if id == "" {
				id = fmt.Sprintf("q%d", i+1)
			}
			p.live.Writef("  [%s] %s", id, q.Text)
		}
	}
	p.live.Writef("Edit %s to respond, then re-run with the same name", p.run.AnswersPath())
	return nil
}

// HasPendingQuestions reports whether a question record exists on disk.
func (p *Protocol) HasPendingQuestions() bool {
	_, err := os.Stat(p.run.QuestionsPath())
	return err == nil
}

// PendingQuestions loads the persisted question record, if any.
func (p *Protocol) PendingQuestions() (QuestionRecord, bool) {
	var record QuestionRecord
	if err := store.LoadJSON(p.run.QuestionsPath(), &record); err != nil {
		return QuestionRecord{}, false
	}
	return record, true
}

// IngestAnswers reads the answer file if the human has written one, archives
// it under a content-hashed name (never deleted, for audit), and returns the
// answers. A missing or empty answer file returns ok=false: the run is still
// awaiting input, which is not an error.
func (p *Protocol) IngestAnswers() (AnswerRecord, bool, error) {
	path := p.run.AnswersPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return AnswerRecord{}, false, nil
		}
		return AnswerRecord{}, false, fmt.Errorf("hitl: read answers: %w", err)
	}

	var record AnswerRecord
	if err := store.LoadJSON(path, &record); err != nil || len(record.Answers) == 0 {
		return AnswerRecord{}, false, nil
	}

	archive := filepath.Join(p.run.HITLDir(),
		fmt.Sprintf("answers_%s.processed.json", store.ShortHash(string(data))))
	if err := os.Rename(path, archive); err != nil {
		return AnswerRecord{}, false, fmt.Errorf("hitl: archive answers: %w", err)
	}

	// The question record goes with the answers so a later pause starts
	// clean. Archived the same way.
	if qdata, err := os.ReadFile(p.run.QuestionsPath()); err == nil {
		qarchive := filepath.Join(p.run.HITLDir(),
			fmt.Sprintf("questions_%s.processed.json", store.ShortHash(string(qdata))))
		_ = os.Rename(p.run.QuestionsPath(), qarchive)
	}

	p.live.Writef("HITL answers ingested (%d answers)", len(record.Answers))
	return record, true, nil
}

// ClearPhantom handles a pending flag whose question record has gone
// missing, treating it as external cleanup rather than a fatal
// inconsistency. Returns true when the caller should clear its flag.
func (p *Protocol) ClearPhantom(pending bool) bool {
	if !pending || p.HasPendingQuestions() {
		return false
	}
	p.live.Writef("warning: pending HITL flag set but %s is missing, clearing", p.run.QuestionsPath())
	return true
}

// Resolution is the terminal record for a run.
type Resolution struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
	FinalTurn int    `json:"final_turn"`
	Summary   string `json:"summary"`
}

// WriteResolution records why and when the run ended.
func (p *Protocol) WriteResolution(reason string, turn int, summary string) error {
	res := Resolution{
		Timestamp: p.now().UTC().Format(time.RFC3339),
		Reason:    reason,
		FinalTurn: turn,
		Summary:   summary,
	}
	if err := store.SaveJSONAtomic(p.run.ResolutionPath(), res); err != nil {
		return fmt.Errorf("hitl: write resolution: %w", err)
	}
	return nil
}

// AgentResult is the machine-readable outcome consumed by wrapping tools.
type AgentResult struct {
	Timestamp string           `json:"timestamp"`
	RunName   string           `json:"run_name"`
	Status    string           `json:"status"`
	ExitCode  int              `json:"exit_code"`
	Questions []AgentQuestions `json:"questions,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// WriteAgentResult records the structured outcome of this invocation.
func (p *Protocol) WriteAgentResult(status string, exitCode int, summary, errMsg string, questions []AgentQuestions) error {
	res := AgentResult{
		Timestamp: p.now().UTC().Format(time.RFC3339),
		RunName:   p.run.Name(),
		Status:    status,
		ExitCode:  exitCode,
		Questions: questions,
		Summary:   summary,
		Error:     errMsg,
	}
	if err := store.SaveJSONAtomic(p.run.AgentResultPath(), res); err != nil {
		return fmt.Errorf("hitl: write agent result: %w", err)
	}
	return nil
}
