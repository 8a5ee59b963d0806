package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/workflow"
)

const minimalYAML = `
agents:
  claude:
    kind: claude
    cmd: [claude, -p]
  codex:
    kind: codex
    cmd: [codex, exec]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Mode != ModePipeline {
		t.Fatalf("expected default mode pipeline, got %q", cfg.Mode)
	}
	if cfg.MaxIterations != 3 {
		t.Fatalf("expected max_iterations 3, got %d", cfg.MaxIterations)
	}
	if cfg.MaxTurns != 12 {
		t.Fatalf("expected max_turns 12, got %d", cfg.MaxTurns)
	}
	if cfg.Phases.Generate.Agent != "claude" {
		t.Fatalf("expected generate agent claude, got %q", cfg.Phases.Generate.Agent)
	}
	if cfg.Phases.Critique.Pattern != workflow.ExecutionParallel {
		t.Fatalf("expected parallel critique, got %q", cfg.Phases.Critique.Pattern)
	}
	if cfg.Phases.Refine.MaxSizeChangePct != 20.0 {
		t.Fatalf("expected size change pct 20, got %v", cfg.Phases.Refine.MaxSizeChangePct)
	}
	if cfg.Escalation.ThrashThreshold != 2 {
		t.Fatalf("expected thrash threshold 2, got %d", cfg.Escalation.ThrashThreshold)
	}
	if len(cfg.Order) != 2 {
		t.Fatalf("expected order filled from agents, got %v", cfg.Order)
	}
}

func TestParseInfersWorkflowMode(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
workflow:
  - step: generate
    name: draft
    agent: claude
`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Mode != ModeWorkflow {
		t.Fatalf("expected workflow mode inferred from step list, got %q", cfg.Mode)
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no agents", "mode: pipeline\n", "at least one agent"},
		{"agent without cmd", "agents:\n  claude:\n    kind: claude\n", "cmd is required"},
		{"unknown kind", "agents:\n  x:\n    kind: mystery\n    cmd: [x]\n", "unknown kind"},
		{"unknown mode", minimalYAML + "mode: turbo\n", "unknown mode"},
		{"unknown pattern", minimalYAML + "pattern: diagonal\n", "unknown pattern"},
		{"order references missing agent", minimalYAML + "order: [claude, ghost]\n", "unknown agent"},
		{"research agent missing", minimalYAML + "enable_research: true\nresearch_agent: ghost\n", "unknown agent"},
		{"unknown approval policy", minimalYAML + "approval:\n  policy: vibes\n", "unknown approval policy"},
		{"persona for missing agent", minimalYAML + "personas:\n  ghost: skeptic\n", "unknown agent"},
		{"traversal persona name", minimalYAML + "personas:\n  claude: ../evil\n", "invalid persona name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestAgentSetConversion(t *testing.T) {
	cfg, err := Parse([]byte(`
agents:
  critic:
    cmd: [mytool, review]
    timeout_seconds: 90
    suppress_stderr: true
`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	agents := cfg.AgentSet()
	a, ok := agents["critic"]
	if !ok {
		t.Fatal("agent critic missing from set")
	}
	if a.Kind != model.KindGeneric {
		t.Fatalf("expected generic kind default, got %q", a.Kind)
	}
	if a.Timeout.Seconds() != 90 {
		t.Fatalf("expected 90s timeout, got %v", a.Timeout)
	}
	if !a.SuppressStderr {
		t.Fatal("expected suppress_stderr carried over")
	}
}

func TestDispositionConfigConversion(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
behavior:
  critical: HALT
  medium: escalate
constraint_behaviors:
  citations:
    high: CONTINUE
`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	dc := cfg.DispositionConfig()
	if dc.Default.For(model.SeverityMedium) != model.DispositionEscalate {
		t.Fatal("lowercase disposition value should be folded to ESCALATE")
	}
	if dc.PerConstraint["citations"].For(model.SeverityHigh) != model.DispositionContinue {
		t.Fatal("per-constraint HIGH override not applied")
	}
	// Unspecified severities fall back to built-in defaults.
	if dc.Default.For(model.SeverityLow) != model.DispositionIgnore {
		t.Fatal("unspecified LOW should default to IGNORE")
	}
}

func TestDefinitionFallsBackToDefaultPipeline(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	def, err := cfg.Definition()
	if err != nil {
		t.Fatalf("Definition returned error: %v", err)
	}
	if len(def.Steps) != 4 {
		t.Fatalf("expected 4 default pipeline steps, got %d", len(def.Steps))
	}
	if def.Steps[3].LoopTo != "generate" {
		t.Fatalf("expected refine to loop to generate, got %q", def.Steps[3].LoopTo)
	}
}

func TestDefinitionFromWorkflowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	writeFile(t, path, `
workflow:
  - step: generate
    name: draft
  - step: critique
    name: review
`)
	cfg, err := Parse([]byte(minimalYAML + "workflow_file: " + path + "\n"))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Mode != ModeWorkflow {
		t.Fatalf("expected workflow mode, got %s", cfg.Mode)
	}
	def, err := cfg.Definition()
	if err != nil {
		t.Fatalf("Definition returned error: %v", err)
	}
	if len(def.Steps) != 2 || def.Steps[0].Name != "draft" {
		t.Fatalf("unexpected steps: %+v", def.Steps)
	}
}

func TestProfileApplyMergeRules(t *testing.T) {
	base, err := Parse([]byte(minimalYAML + `
behavior:
  critical: HALT
  high: HALT
`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	turns := 20
	mode := ModeConversation
	p := &Profile{
		Mode:     &mode,
		MaxTurns: &turns,
		Agents: map[string]AgentSpec{
			"gemini": {Kind: model.KindGemini, Cmd: []string{"gemini"}},
		},
		Behavior: BehaviorSpec{"high": "CONTINUE"},
	}
	merged, err := p.Apply(base)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if merged.Mode != ModeConversation || merged.MaxTurns != 20 {
		t.Fatal("scalar overrides not applied")
	}
	if len(merged.Agents) != 3 {
		t.Fatalf("expected agents deep-merged to 3 entries, got %d", len(merged.Agents))
	}
	if merged.Behavior["critical"] != "HALT" || merged.Behavior["high"] != "CONTINUE" {
		t.Fatalf("behavior deep-merge wrong: %v", merged.Behavior)
	}
	// The base config is untouched.
	if base.Mode != ModePipeline || len(base.Agents) != 2 {
		t.Fatal("Apply mutated the base config")
	}
}

func TestProfileApplyMergesPersonas(t *testing.T) {
	base, err := Parse([]byte(minimalYAML + `
personas:
  claude: architect
  codex: skeptic
`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	p := &Profile{Personas: map[string]string{"codex": "historian"}}
	merged, err := p.Apply(base)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if merged.Personas["claude"] != "architect" || merged.Personas["codex"] != "historian" {
		t.Fatalf("persona deep-merge wrong: %v", merged.Personas)
	}
	if base.Personas["codex"] != "skeptic" {
		t.Fatal("Apply mutated the base persona table")
	}
}

func TestProfileApplyRevalidates(t *testing.T) {
	base, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	p := &Profile{Order: []string{"ghost"}}
	if _, err := p.Apply(base); err == nil {
		t.Fatal("expected merge referencing unknown agent to fail validation")
	}
}

func TestLoadProfileLocalWinsOverGlobal(t *testing.T) {
	local := t.TempDir()
	global := t.TempDir()
	writeFile(t, filepath.Join(local, "fast.yaml"), "max_turns: 4\n")
	writeFile(t, filepath.Join(global, "fast.yaml"), "max_turns: 99\n")

	p, err := LoadProfile(local, global, "fast")
	if err != nil {
		t.Fatalf("LoadProfile returned error: %v", err)
	}
	if p.MaxTurns == nil || *p.MaxTurns != 4 {
		t.Fatalf("expected local profile to win, got %v", p.MaxTurns)
	}

	if _, err := LoadProfile(local, global, "../evil"); err == nil {
		t.Fatal("expected traversal-shaped profile name to be rejected")
	}
	if _, err := LoadProfile(local, global, "missing"); err == nil {
		t.Fatal("expected missing profile to error")
	}
}

func TestLoadGoalPrefersYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "goal.md"), "legacy goal")
	writeFile(t, filepath.Join(dir, "goal.yaml"), `
goal: Write the onboarding doc.
source:
  inline: Use a friendly tone.
  files: [notes.md, missing.md]
`)
	writeFile(t, filepath.Join(dir, "notes.md"), "remember the audience")

	g, err := LoadGoal(dir)
	if err != nil {
		t.Fatalf("LoadGoal returned error: %v", err)
	}
	if g.Text != "Write the onboarding doc." {
		t.Fatalf("unexpected goal text %q", g.Text)
	}
	if !strings.Contains(g.Source, "friendly tone") || !strings.Contains(g.Source, "remember the audience") {
		t.Fatalf("source material missing pieces: %q", g.Source)
	}
	if len(g.Warnings) != 1 || !strings.Contains(g.Warnings[0], "missing.md") {
		t.Fatalf("expected one warning about missing.md, got %v", g.Warnings)
	}
}

func TestLoadGoalLegacyMarkdown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "goal.md"), "  write a haiku\n")
	writeFile(t, filepath.Join(dir, "source.md"), "season words list")

	g, err := LoadGoal(dir)
	if err != nil {
		t.Fatalf("LoadGoal returned error: %v", err)
	}
	if g.Text != "write a haiku" {
		t.Fatalf("unexpected goal text %q", g.Text)
	}
	if g.Source != "season words list" {
		t.Fatalf("unexpected source %q", g.Source)
	}

	if _, err := LoadGoal(t.TempDir()); err == nil {
		t.Fatal("expected error when neither goal file exists")
	}
}

func TestLoadConstraintsSortedAndValidated(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "constraints", "tone.yaml"), `
id: tone
priority: 2
summary: Voice and register.
rules:
  - id: tone-1
    text: Keep an even, neutral register.
`)
	writeFile(t, filepath.Join(dir, "constraints", "citations.yaml"), `
id: citations
priority: 1
rules:
  - id: cite-1
    text: Every claim needs a source.
`)

	got, err := LoadConstraints(dir, ConstraintsSpec{Dir: "constraints"})
	if err != nil {
		t.Fatalf("LoadConstraints returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 constraints, got %d", len(got))
	}
	if got[0].ID != "citations" || got[1].ID != "tone" {
		t.Fatalf("expected priority order citations,tone; got %s,%s", got[0].ID, got[1].ID)
	}
	if got[0].SourcePath == "" {
		t.Fatal("expected SourcePath recorded")
	}

	writeFile(t, filepath.Join(dir, "dup.yaml"), `
id: tone
rules:
  - id: r1
    text: duplicate id
`)
	_, err = LoadConstraints(dir, ConstraintsSpec{Dir: "constraints", Files: []string{"dup.yaml"}})
	if err == nil || !strings.Contains(err.Error(), "defined in both") {
		t.Fatalf("expected duplicate-id error, got %v", err)
	}

	writeFile(t, filepath.Join(dir, "empty.yaml"), "id: empty\n")
	_, err = LoadConstraints(dir, ConstraintsSpec{Files: []string{"empty.yaml"}})
	if err == nil || !strings.Contains(err.Error(), "no rules") {
		t.Fatalf("expected no-rules error, got %v", err)
	}
}

func TestCompressConstraints(t *testing.T) {
	out := CompressConstraints([]model.Constraint{
		{
			ID:       "tone",
			Priority: 1,
			Summary:  "Voice and register.",
			Rules:    []model.ConstraintRule{{ID: "tone-1", Text: "Stay neutral."}},
		},
	})
	for _, want := range []string{"# Constraints Summary", "## tone (Priority 1)", "- [tone-1] Stay neutral."} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
	if CompressConstraints(nil) != "" {
		t.Fatal("expected empty summary for no constraints")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
