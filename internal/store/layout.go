package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// RunDir resolves the on-disk layout of one run. The layout is part of the
// external interface: other tools tail live.log and read state.json and
// thread.jsonl directly.
type RunDir struct {
	root string
	name string
}

// NewRunDir addresses the run named name under the runs root
// (<stateRoot>/runs/<name>).
func NewRunDir(stateRoot, name string) RunDir {
	return RunDir{root: filepath.Join(stateRoot, "runs", name), name: name}
}

// Name returns the run name.
func (r RunDir) Name() string { return r.name }

// Path returns the run directory itself.
func (r RunDir) Path() string { return r.root }

// Exists reports whether the run directory already exists. Directory
// existence is the source of truth for "new vs. resumed".
func (r RunDir) Exists() bool {
	info, err := os.Stat(r.root)
	return err == nil && info.IsDir()
}

// Init creates the run directory tree.
func (r RunDir) Init() error {
	for _, dir := range []string{r.root, r.IterationsDir(), r.HITLDir(), filepath.Dir(r.FinalArtifactPath())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: init run dir: %w", err)
		}
	}
	return nil
}

func (r RunDir) StatePath() string       { return filepath.Join(r.root, "state.json") }
func (r RunDir) ThreadPath() string      { return filepath.Join(r.root, "thread.jsonl") }
func (r RunDir) LiveLogPath() string     { return filepath.Join(r.root, "live.log") }
func (r RunDir) IterationsDir() string   { return filepath.Join(r.root, "iterations") }
func (r RunDir) HITLDir() string         { return filepath.Join(r.root, "hitl") }
func (r RunDir) QuestionsPath() string   { return filepath.Join(r.HITLDir(), "questions.json") }
func (r RunDir) AnswersPath() string     { return filepath.Join(r.HITLDir(), "answers.json") }
func (r RunDir) ResolutionPath() string  { return filepath.Join(r.root, "resolution.json") }
func (r RunDir) AgentResultPath() string { return filepath.Join(r.root, "agent-result.json") }

// FinalArtifactPath is where the approved artifact is published.
func (r RunDir) FinalArtifactPath() string {
	return filepath.Join(r.root, "final", "artifact.md")
}

// IterationDir returns the per-iteration workspace, creating nothing.
func (r RunDir) IterationDir(n int) string {
	return filepath.Join(r.IterationsDir(), strconv.Itoa(n))
}

// IterationArtifactPath is the artifact snapshot for iteration n.
func (r RunDir) IterationArtifactPath(n int) string {
	return filepath.Join(r.IterationDir(n), "artifact.md")
}

// CritiquesDir holds the critique JSON files for iteration n.
func (r RunDir) CritiquesDir(n int) string {
	return filepath.Join(r.IterationDir(n), "critiques")
}

// AdjudicationPath is the persisted ruling for iteration n.
func (r RunDir) AdjudicationPath(n int) string {
	return filepath.Join(r.IterationDir(n), "adjudication.json")
}

// CritiquePath is the file for one (agent, constraint) critique at iteration n.
func (r RunDir) CritiquePath(n int, constraintID, agent string) string {
	return filepath.Join(r.CritiquesDir(n), fmt.Sprintf("%s.%s.json", constraintID, agent))
}

// TouchLatest repoints the runs/latest symlink at this run. Best effort:
// the symlink is a convenience, so failures are returned but callers
// typically just log them.
func TouchLatest(stateRoot, name string) error {
	link := filepath.Join(stateRoot, "runs", "latest")
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(name, tmp); err != nil {
		return fmt.Errorf("store: symlink latest: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: update latest: %w", err)
	}
	return nil
}
