// Package config loads arena configuration: agents, run modes, routing,
// behavior tables, phases, custom workflows, and profile overlays. Every
// loader follows the same shape: decode YAML, validate, normalize defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/arena/internal/engine"
	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/workflow"
)

// Mode selects which driver executes the run.
type Mode string

const (
	ModePipeline     Mode = "pipeline"
	ModeWorkflow     Mode = "workflow"
	ModeConversation Mode = "conversation"
)

// ValidName guards mode, persona, and profile names against path traversal.
var ValidName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// AgentSpec is the YAML shape of one agent entry.
type AgentSpec struct {
	Kind           model.AgentKind `yaml:"kind"`
	Cmd            []string        `yaml:"cmd"`
	TimeoutSeconds int             `yaml:"timeout_seconds,omitempty"`
	SuppressStderr bool            `yaml:"suppress_stderr,omitempty"`
}

// BehaviorSpec is the YAML shape of a severity -> disposition table.
type BehaviorSpec map[string]string

// ConstraintsSpec configures where constraints come from and how they route.
type ConstraintsSpec struct {
	Dir     string         `yaml:"dir,omitempty"`
	Files   []string       `yaml:"files,omitempty"`
	Routing engine.Routing `yaml:"routing,omitempty"`
}

// PhaseSpec holds the per-phase agent assignment.
type PhaseSpec struct {
	Agent string `yaml:"agent,omitempty"`
}

// CritiquePhaseSpec configures the critique phase of the default pipeline.
type CritiquePhaseSpec struct {
	Pattern workflow.Execution `yaml:"pattern,omitempty"`
}

// RefinePhaseSpec configures the refine phase.
type RefinePhaseSpec struct {
	Agent             string              `yaml:"agent,omitempty"`
	Mode              workflow.RefineMode `yaml:"mode,omitempty"`
	ValidationRetries int                 `yaml:"validation_retries,omitempty"`
	MaxSizeChangePct  float64             `yaml:"max_size_change_pct,omitempty"`
}

// PhasesSpec groups the default-pipeline phase configuration.
type PhasesSpec struct {
	Generate   PhaseSpec         `yaml:"generate,omitempty"`
	Critique   CritiquePhaseSpec `yaml:"critique,omitempty"`
	Adjudicate PhaseSpec         `yaml:"adjudicate,omitempty"`
	Refine     RefinePhaseSpec   `yaml:"refine,omitempty"`
}

// ApprovalSpec names the approval policy.
type ApprovalSpec struct {
	Policy string `yaml:"policy,omitempty"`
}

// EscalationSpec configures when the run escalates to a human.
type EscalationSpec struct {
	Triggers        []string `yaml:"triggers,omitempty"`
	ThrashThreshold int      `yaml:"thrash_threshold,omitempty"`
}

// Config is the root arena.yaml schema.
type Config struct {
	Mode                Mode                    `yaml:"mode,omitempty"`
	MaxIterations       int                     `yaml:"max_iterations,omitempty"`
	MaxTurns            int                     `yaml:"max_turns,omitempty"`
	Order               []string                `yaml:"order,omitempty"`
	Pattern             string                  `yaml:"pattern,omitempty"` // sequential | parallel
	MinAgree            int                     `yaml:"min_agree,omitempty"`
	EnableResearch      bool                    `yaml:"enable_research,omitempty"`
	ResearchAgent       string                  `yaml:"research_agent,omitempty"`
	Agents              map[string]AgentSpec    `yaml:"agents"`
	Personas            map[string]string       `yaml:"personas,omitempty"`
	Constraints         ConstraintsSpec         `yaml:"constraints,omitempty"`
	Behavior            BehaviorSpec            `yaml:"behavior,omitempty"`
	ConstraintBehaviors map[string]BehaviorSpec `yaml:"constraint_behaviors,omitempty"`
	Approval            ApprovalSpec            `yaml:"approval,omitempty"`
	Escalation          EscalationSpec          `yaml:"escalation,omitempty"`
	Phases              PhasesSpec              `yaml:"phases,omitempty"`
	Workflow            []workflow.Step         `yaml:"workflow,omitempty"`
	WorkflowFile        string                  `yaml:"workflow_file,omitempty"`
}

// Load reads and validates an arena.yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	for name, spec := range c.Agents {
		if len(spec.Cmd) == 0 {
			return fmt.Errorf("agent %s: cmd is required", name)
		}
		if spec.Kind != "" && !spec.Kind.Valid() {
			return fmt.Errorf("agent %s: unknown kind %q", name, spec.Kind)
		}
	}
	switch c.Mode {
	case "", ModePipeline, ModeWorkflow, ModeConversation:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.Pattern {
	case "", "sequential", "parallel":
	default:
		return fmt.Errorf("unknown pattern %q (use sequential or parallel)", c.Pattern)
	}
	for _, name := range c.Order {
		if _, ok := c.Agents[name]; !ok {
			return fmt.Errorf("order references unknown agent %q", name)
		}
	}
	for agent, persona := range c.Personas {
		if _, ok := c.Agents[agent]; !ok {
			return fmt.Errorf("personas references unknown agent %q", agent)
		}
		if !ValidName.MatchString(persona) {
			return fmt.Errorf("agent %s: invalid persona name %q", agent, persona)
		}
	}
	if c.ResearchAgent != "" {
		if _, ok := c.Agents[c.ResearchAgent]; !ok {
			return fmt.Errorf("research_agent references unknown agent %q", c.ResearchAgent)
		}
	}
	if c.Approval.Policy != "" {
		if _, err := engine.PolicyByName(c.Approval.Policy); err != nil {
			return err
		}
	}
	if len(c.Workflow) > 0 {
		if _, err := workflow.NewDefinition(c.Workflow); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) normalize() {
	if c.Mode == "" {
		if len(c.Workflow) > 0 || c.WorkflowFile != "" {
			c.Mode = ModeWorkflow
		} else {
			c.Mode = ModePipeline
		}
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 12
	}
	if c.Pattern == "" {
		c.Pattern = "sequential"
	}
	if c.MinAgree <= 0 {
		c.MinAgree = 2
	}
	if c.Phases.Generate.Agent == "" {
		c.Phases.Generate.Agent = c.firstAgent("claude")
	}
	if c.Phases.Adjudicate.Agent == "" {
		c.Phases.Adjudicate.Agent = c.Phases.Generate.Agent
	}
	if c.Phases.Refine.Agent == "" {
		c.Phases.Refine.Agent = c.Phases.Generate.Agent
	}
	if c.Phases.Critique.Pattern == "" {
		c.Phases.Critique.Pattern = workflow.ExecutionParallel
	}
	if c.Phases.Refine.Mode == "" {
		c.Phases.Refine.Mode = workflow.RefineEdit
	}
	if c.Phases.Refine.ValidationRetries <= 0 {
		c.Phases.Refine.ValidationRetries = engine.DefaultValidationRetries
	}
	if c.Phases.Refine.MaxSizeChangePct <= 0 {
		c.Phases.Refine.MaxSizeChangePct = engine.DefaultMaxSizeChangePct
	}
	if c.Escalation.ThrashThreshold <= 0 {
		c.Escalation.ThrashThreshold = 2
	}
	if len(c.Escalation.Triggers) == 0 {
		c.Escalation.Triggers = []string{"max_iterations", "thrashing", "conflicting_criticals"}
	}
	if len(c.Order) == 0 {
		for name := range c.Agents {
			c.Order = append(c.Order, name)
		}
	}
}

// firstAgent prefers the named agent when configured, else any agent.
func (c *Config) firstAgent(prefer string) string {
	if _, ok := c.Agents[prefer]; ok {
		return prefer
	}
	for name := range c.Agents {
		return name
	}
	return ""
}

// AgentSet converts the specs into the run-time agent table.
func (c *Config) AgentSet() map[string]model.Agent {
	out := make(map[string]model.Agent, len(c.Agents))
	for name, spec := range c.Agents {
		kind := spec.Kind
		if kind == "" {
			kind = model.KindGeneric
		}
		out[name] = model.Agent{
			Name:           name,
			Kind:           kind,
			Cmd:            append([]string(nil), spec.Cmd...),
			Timeout:        time.Duration(spec.TimeoutSeconds) * time.Second,
			SuppressStderr: spec.SuppressStderr,
		}
	}
	return out
}

// AgentNames returns the configured agent names in turn order.
func (c *Config) AgentNames() []string {
	return append([]string(nil), c.Order...)
}

// DispositionConfig converts the behavior specs into the engine's layered
// disposition configuration.
func (c *Config) DispositionConfig() engine.DispositionConfig {
	cfg := engine.DispositionConfig{
		Default:       behaviorTable(c.Behavior),
		PerConstraint: make(map[string]engine.BehaviorTable, len(c.ConstraintBehaviors)),
	}
	for id, spec := range c.ConstraintBehaviors {
		cfg.PerConstraint[id] = behaviorTable(spec)
	}
	return cfg
}

func behaviorTable(spec BehaviorSpec) engine.BehaviorTable {
	m := make(map[model.Severity]model.Disposition, len(spec))
	for sev, disp := range spec {
		m[model.Severity(strings.ToUpper(sev))] = model.Disposition(strings.ToUpper(disp))
	}
	return engine.BehaviorFromMap(m)
}

// ApprovalPolicy resolves the configured approval policy.
func (c *Config) ApprovalPolicy() engine.ApprovalPolicy {
	policy, err := engine.PolicyByName(c.Approval.Policy)
	if err != nil {
		// validate() already rejected unknown names.
		return engine.PolicyNoCriticalOrHigh
	}
	return policy
}

// Definition returns the workflow to execute: the inline step list when one
// is configured, a referenced workflow file, else the default pipeline
// assembled from the phase config.
func (c *Config) Definition() (*workflow.Definition, error) {
	if len(c.Workflow) > 0 {
		return workflow.NewDefinition(c.Workflow)
	}
	if c.WorkflowFile != "" {
		return workflow.LoadDefinitionFile(c.WorkflowFile)
	}
	return workflow.DefaultPipeline(c.Phases.Critique.Pattern, c.Phases.Refine.Mode), nil
}

// EscalatesOn reports whether a named escalation trigger is enabled.
func (c *Config) EscalatesOn(trigger string) bool {
	for _, t := range c.Escalation.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}
