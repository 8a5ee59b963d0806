package hitl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/store"
)

func newRun(t *testing.T) store.RunDir {
	t.Helper()
	run := store.NewRunDir(t.TempDir(), "demo")
	if err := run.Init(); err != nil {
		t.Fatalf("init run: %v", err)
	}
	return run
}

func TestWriteQuestionsPersistsRecord(t *testing.T) {
	run := newRun(t)
	p := New(run, nil)
	questions := []AgentQuestions{
		{Agent: "claude", Questions: []model.Question{{ID: "q1", Text: "Which region?"}}},
	}
	if err := p.WriteQuestions(questions, 4); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !p.HasPendingQuestions() {
		t.Fatalf("questions not pending")
	}
	record, ok := p.PendingQuestions()
	if !ok {
		t.Fatalf("record not readable")
	}
	if record.Turn != 4 || len(record.Questions) != 1 {
		t.Fatalf("record = %+v", record)
	}
	if len(record.AnswerFormat.Answers) == 0 {
		t.Fatalf("answer format example missing")
	}
}

func TestIngestAnswersMissingFileIsNotAnError(t *testing.T) {
	p := New(newRun(t), nil)
	_, ok, err := p.IngestAnswers()
	if err != nil {
		t.Fatalf("missing answers errored: %v", err)
	}
	if ok {
		t.Fatalf("missing answers reported present")
	}
}

func TestIngestAnswersArchivesNotDeletes(t *testing.T) {
	run := newRun(t)
	p := New(run, nil)
	if err := p.WriteQuestions([]AgentQuestions{{Agent: "claude", Questions: []model.Question{{Text: "x?"}}}}, 1); err != nil {
		t.Fatalf("questions: %v", err)
	}
	answers := `{"answers": [{"question_id": "q1", "answer": "use region b"}]}`
	if err := os.WriteFile(run.AnswersPath(), []byte(answers), 0o644); err != nil {
		t.Fatalf("seed answers: %v", err)
	}

	record, ok, err := p.IngestAnswers()
	if err != nil || !ok {
		t.Fatalf("ingest: ok=%v err=%v", ok, err)
	}
	if len(record.Answers) != 1 || record.Answers[0].Answer != "use region b" {
		t.Fatalf("record = %+v", record)
	}
	if _, err := os.Stat(run.AnswersPath()); !os.IsNotExist(err) {
		t.Fatalf("answers.json still present")
	}
	entries, _ := os.ReadDir(run.HITLDir())
	var archived int
	for _, e := range entries {
		if strings.Contains(e.Name(), ".processed.json") {
			archived++
		}
	}
	if archived != 2 {
		t.Fatalf("expected archived answers and questions, got %d files: %v", archived, entries)
	}
	if p.HasPendingQuestions() {
		t.Fatalf("questions still pending after ingest")
	}
}

func TestIngestAnswersEmptyRecordStillAwaiting(t *testing.T) {
	run := newRun(t)
	p := New(run, nil)
	if err := os.WriteFile(run.AnswersPath(), []byte(`{"answers": []}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, ok, err := p.IngestAnswers()
	if err != nil || ok {
		t.Fatalf("empty answers should be treated as still awaiting (ok=%v err=%v)", ok, err)
	}
}

func TestClearPhantom(t *testing.T) {
	run := newRun(t)
	p := New(run, nil)
	if p.ClearPhantom(false) {
		t.Fatalf("clear with no pending flag")
	}
	if !p.ClearPhantom(true) {
		t.Fatalf("pending flag with no question record should clear")
	}
	if err := p.WriteQuestions([]AgentQuestions{{Agent: "a"}}, 1); err != nil {
		t.Fatalf("questions: %v", err)
	}
	if p.ClearPhantom(true) {
		t.Fatalf("pending flag with record present must not clear")
	}
}

func TestWriteResolutionAndAgentResult(t *testing.T) {
	run := newRun(t)
	p := New(run, nil)
	if err := p.WriteResolution("approved", 3, "all constraints satisfied"); err != nil {
		t.Fatalf("resolution: %v", err)
	}
	if err := p.WriteAgentResult("done", 0, "artifact approved", "", nil); err != nil {
		t.Fatalf("agent result: %v", err)
	}
	var res Resolution
	if err := store.LoadJSON(run.ResolutionPath(), &res); err != nil {
		t.Fatalf("load resolution: %v", err)
	}
	if res.Reason != "approved" || res.FinalTurn != 3 {
		t.Fatalf("resolution = %+v", res)
	}
	var ar AgentResult
	if err := store.LoadJSON(filepath.Join(run.Path(), "agent-result.json"), &ar); err != nil {
		t.Fatalf("load agent result: %v", err)
	}
	if ar.Status != "done" || ar.RunName != "demo" {
		t.Fatalf("agent result = %+v", ar)
	}
}
