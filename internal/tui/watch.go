// Package tui is the watch view: a read-only bubbletea dashboard that tails
// a run's live log and state file. It never mutates the run; the
// orchestrator process owns all writes, so watch can attach and detach at
// any point, including while the run is paused for human input.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/arena/internal/hitl"
	"github.com/kingrea/arena/internal/livelog"
	"github.com/kingrea/arena/internal/store"
	"github.com/kingrea/arena/internal/workflow/engine"
)

const (
	refreshInterval = time.Second
	tailLines       = 500
)

var (
	statusStyleRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	statusStyleAwaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	statusStyleComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	statusStyleFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	statusStyleBudget   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999")).Bold(true)

	headerStyle   = lipgloss.NewStyle().Bold(true)
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	questionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#F7B801")).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// refreshMsg carries one snapshot of the run taken from disk.
type refreshMsg struct {
	state     engine.RunState
	haveState bool
	questions hitl.QuestionRecord
	haveQs    bool
	lines     []string
	total     int
}

// Model is the watch view's bubbletea model.
type Model struct {
	run  store.RunDir
	repo engine.StateStore

	state     engine.RunState
	haveState bool
	questions hitl.QuestionRecord
	haveQs    bool
	logTotal  int

	vp     viewport.Model
	follow bool
	ready  bool
	width  int
	height int
}

// NewModel builds a watch model for one run directory.
func NewModel(run store.RunDir) Model {
	return Model{
		run:    run,
		repo:   engine.NewRepository(run),
		follow: true,
	}
}

// Watch runs the watch view until the user quits.
func Watch(run store.RunDir) error {
	p := tea.NewProgram(NewModel(run), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

// refresh reads the state file, pending questions, and log tail. Missing
// files are normal early in a run and simply leave the snapshot empty.
func (m Model) refresh() tea.Msg {
	msg := refreshMsg{}
	if state, err := m.repo.Load(); err == nil {
		msg.state = state
		msg.haveState = true
	}
	if state := msg.state; msg.haveState && state.HITLPending {
		msg.questions, msg.haveQs = hitl.New(m.run, nil).PendingQuestions()
	}
	msg.lines, msg.total = livelog.Tail(m.run.LiveLogPath(), tailLines)
	return msg
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.vp.GotoBottom()
			}
			return m, nil
		case "g":
			m.follow = false
			m.vp.GotoTop()
			return m, nil
		case "G":
			m.follow = true
			m.vp.GotoBottom()
			return m, nil
		case "up", "down", "pgup", "pgdown":
			m.follow = false
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh, tick())

	case refreshMsg:
		m.state = msg.state
		m.haveState = msg.haveState
		m.questions = msg.questions
		m.haveQs = msg.haveQs
		m.logTotal = msg.total
		m.vp.SetContent(strings.Join(msg.lines, "\n"))
		if m.follow {
			m.vp.GotoBottom()
		}
		m.layout()
		return m, nil
	}
	return m, nil
}

// layout resizes the viewport to the space left after the chrome.
func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	chrome := lipgloss.Height(m.header()) + lipgloss.Height(m.footer())
	if q := m.questionPanel(); q != "" {
		chrome += lipgloss.Height(q)
	}
	h := m.height - chrome
	if h < 3 {
		h = 3
	}
	if !m.ready {
		m.vp = viewport.New(m.width, h)
		m.ready = true
		return
	}
	m.vp.Width = m.width
	m.vp.Height = h
}

func (m Model) View() string {
	if !m.ready {
		return "attaching to run..."
	}
	parts := []string{m.header()}
	if q := m.questionPanel(); q != "" {
		parts = append(parts, q)
	}
	parts = append(parts, m.vp.View(), m.footer())
	return strings.Join(parts, "\n")
}

func (m Model) header() string {
	if !m.haveState {
		return headerStyle.Render("watching "+m.run.Name()) + "\n" +
			detailStyle.Render("no state yet")
	}
	s := m.state
	title := fmt.Sprintf("%s  %s", m.run.Name(), statusStyle(s.Status).Render(string(s.Status)))
	var detail string
	if s.Mode == "conversation" {
		detail = fmt.Sprintf("mode %s  turn %d", s.Mode, s.Turn)
	} else {
		detail = fmt.Sprintf("mode %s  iteration %d  step %s", s.Mode, s.Iteration, s.StepName)
	}
	if s.StatusReason != "" {
		detail += "  (" + s.StatusReason + ")"
	}
	return headerStyle.Render(title) + "\n" + detailStyle.Render(detail)
}

func (m Model) questionPanel() string {
	if !m.haveQs || !m.state.HITLPending {
		return ""
	}
	var b strings.Builder
	b.WriteString("Human input needed")
	for _, aq := range m.questions.Questions {
		for i, q := range aq.Questions {
			id := q.ID
			if id == "" {
				id = fmt.Sprintf("%s-q%d", aq.Agent, i+1)
			}
			fmt.Fprintf(&b, "\n[%s] %s", id, q.Text)
		}
	}
	fmt.Fprintf(&b, "\n\nanswer with: arena answer --run %s <id>=<text>", m.run.Name())
	return questionStyle.Width(max(20, m.width-2)).Render(b.String())
}

func (m Model) footer() string {
	mode := "follow"
	if !m.follow {
		mode = fmt.Sprintf("scroll %d%%", int(m.vp.ScrollPercent()*100))
	}
	return footerStyle.Render(fmt.Sprintf("%d log lines  %s  |  f follow  g/G top/bottom  q quit", m.logTotal, mode))
}

func statusStyle(s engine.RunStatus) lipgloss.Style {
	switch s {
	case engine.StatusRunning:
		return statusStyleRunning
	case engine.StatusAwaitingHuman:
		return statusStyleAwaiting
	case engine.StatusComplete:
		return statusStyleComplete
	case engine.StatusBudgetExceeded:
		return statusStyleBudget
	default:
		return statusStyleFailed
	}
}
