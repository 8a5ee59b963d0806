package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/arena/internal/hitl"
	"github.com/kingrea/arena/internal/livelog"
	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/store"
	"github.com/kingrea/arena/internal/workflow/engine"
)

func watchRun(t *testing.T, state engine.RunState) store.RunDir {
	t.Helper()
	run := store.NewRunDir(t.TempDir(), "watch-run")
	if err := run.Init(); err != nil {
		t.Fatalf("run init: %v", err)
	}
	if err := engine.NewRepository(run).Save(state); err != nil {
		t.Fatalf("save state: %v", err)
	}
	return run
}

// drive pushes a snapshot and a window size through Update so View renders.
func drive(t *testing.T, m Model) Model {
	t.Helper()
	snapshot := m.refresh()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m = next.(Model)
	next, _ = m.Update(snapshot)
	return next.(Model)
}

func TestWatchShowsRunHeader(t *testing.T) {
	run := watchRun(t, engine.RunState{
		RunName:   "watch-run",
		Mode:      "pipeline",
		Status:    engine.StatusRunning,
		Iteration: 2,
		StepName:  "critique",
	})
	m := drive(t, NewModel(run))

	view := m.View()
	for _, want := range []string{"watch-run", "running", "iteration 2", "critique"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatchShowsConversationTurn(t *testing.T) {
	run := watchRun(t, engine.RunState{
		RunName: "watch-run",
		Mode:    "conversation",
		Status:  engine.StatusRunning,
		Turn:    5,
	})
	m := drive(t, NewModel(run))

	if view := m.View(); !strings.Contains(view, "turn 5") {
		t.Fatalf("view missing turn count:\n%s", view)
	}
}

func TestWatchShowsPendingQuestions(t *testing.T) {
	run := watchRun(t, engine.RunState{
		RunName:     "watch-run",
		Mode:        "pipeline",
		Status:      engine.StatusAwaitingHuman,
		HITLPending: true,
		HITLReason:  "escalated issue",
	})
	protocol := hitl.New(run, nil)
	questions := []hitl.AgentQuestions{{
		Agent:     "claude",
		Questions: []model.Question{{ID: "q1", Text: "which register should the doc use?"}},
	}}
	if err := protocol.WriteQuestions(questions, 1); err != nil {
		t.Fatalf("write questions: %v", err)
	}

	m := drive(t, NewModel(run))
	view := m.View()
	if !strings.Contains(view, "Human input needed") {
		t.Fatalf("view missing question panel:\n%s", view)
	}
	if !strings.Contains(view, "which register should the doc use?") {
		t.Fatalf("view missing question text:\n%s", view)
	}
	if !strings.Contains(view, "awaiting_human") {
		t.Fatalf("view missing status:\n%s", view)
	}
}

func TestWatchTailsLiveLog(t *testing.T) {
	run := watchRun(t, engine.RunState{RunName: "watch-run", Mode: "pipeline", Status: engine.StatusRunning})
	log, err := livelog.Open(run.LiveLogPath())
	if err != nil {
		t.Fatalf("open live log: %v", err)
	}
	log.Writef("[engine] iteration 1 artifact generated")
	log.Close()

	m := drive(t, NewModel(run))
	if view := m.View(); !strings.Contains(view, "artifact generated") {
		t.Fatalf("view missing log line:\n%s", view)
	}
}

func TestWatchQuitKeys(t *testing.T) {
	run := watchRun(t, engine.RunState{RunName: "watch-run", Status: engine.StatusRunning})
	m := drive(t, NewModel(run))

	for _, key := range []string{"q", "ctrl+c", "esc"} {
		_, cmd := m.Update(keyMsg(key))
		if cmd == nil {
			t.Fatalf("key %q did not quit", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("key %q did not produce quit", key)
		}
	}
}

func TestWatchFollowToggle(t *testing.T) {
	run := watchRun(t, engine.RunState{RunName: "watch-run", Status: engine.StatusRunning})
	m := drive(t, NewModel(run))

	next, _ := m.Update(keyMsg("f"))
	m = next.(Model)
	if m.follow {
		t.Fatal("f should disable follow")
	}
	next, _ = m.Update(keyMsg("G"))
	m = next.(Model)
	if !m.follow {
		t.Fatal("G should re-enable follow")
	}
}

func keyMsg(key string) tea.KeyMsg {
	switch key {
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
}
