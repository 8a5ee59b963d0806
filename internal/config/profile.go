package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/arena/internal/engine"
	"github.com/kingrea/arena/internal/workflow"
)

// Profile is a partial configuration overlaid on a base Config. Scalar
// fields use pointers so an absent key is distinguishable from a zero
// value. The merge rules are deliberately explicit: each field either
// replaces the base wholesale or deep-merges, never anything in between.
type Profile struct {
	// Replace-wholesale fields.
	Mode           *Mode           `yaml:"mode,omitempty"`
	MaxIterations  *int            `yaml:"max_iterations,omitempty"`
	MaxTurns       *int            `yaml:"max_turns,omitempty"`
	Order          []string        `yaml:"order,omitempty"`
	Pattern        *string         `yaml:"pattern,omitempty"`
	MinAgree       *int            `yaml:"min_agree,omitempty"`
	EnableResearch *bool           `yaml:"enable_research,omitempty"`
	ResearchAgent  *string         `yaml:"research_agent,omitempty"`
	Routing        *engine.Routing `yaml:"routing,omitempty"`
	Approval       *ApprovalSpec   `yaml:"approval,omitempty"`
	Escalation     *EscalationSpec `yaml:"escalation,omitempty"`
	Phases         *PhasesSpec     `yaml:"phases,omitempty"`
	Workflow       []workflow.Step `yaml:"workflow,omitempty"`
	WorkflowFile   *string         `yaml:"workflow_file,omitempty"`

	// Deep-merged fields: entries override per key, the rest survive.
	Agents              map[string]AgentSpec    `yaml:"agents,omitempty"`
	Personas            map[string]string       `yaml:"personas,omitempty"`
	Behavior            BehaviorSpec            `yaml:"behavior,omitempty"`
	ConstraintBehaviors map[string]BehaviorSpec `yaml:"constraint_behaviors,omitempty"`
}

// LoadProfile looks up <name>.yaml in localDir first, then globalDir.
// Either directory may be empty to skip that tier.
func LoadProfile(localDir, globalDir, name string) (*Profile, error) {
	if !ValidName.MatchString(name) {
		return nil, fmt.Errorf("config: invalid profile name %q", name)
	}
	for _, dir := range []string{localDir, globalDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name+".yaml")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read profile %s: %w", path, err)
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
		}
		return &p, nil
	}
	return nil, fmt.Errorf("config: profile %q not found", name)
}

// Apply overlays the profile onto cfg and re-validates the result.
func (p *Profile) Apply(cfg *Config) (*Config, error) {
	merged := *cfg

	if p.Mode != nil {
		merged.Mode = *p.Mode
	}
	if p.MaxIterations != nil {
		merged.MaxIterations = *p.MaxIterations
	}
	if p.MaxTurns != nil {
		merged.MaxTurns = *p.MaxTurns
	}
	if len(p.Order) > 0 {
		merged.Order = append([]string(nil), p.Order...)
	}
	if p.Pattern != nil {
		merged.Pattern = *p.Pattern
	}
	if p.MinAgree != nil {
		merged.MinAgree = *p.MinAgree
	}
	if p.EnableResearch != nil {
		merged.EnableResearch = *p.EnableResearch
	}
	if p.ResearchAgent != nil {
		merged.ResearchAgent = *p.ResearchAgent
	}
	if p.Routing != nil {
		merged.Constraints.Routing = *p.Routing
	}
	if p.Approval != nil {
		merged.Approval = *p.Approval
	}
	if p.Escalation != nil {
		merged.Escalation = *p.Escalation
	}
	if p.Phases != nil {
		merged.Phases = *p.Phases
	}
	if len(p.Workflow) > 0 {
		merged.Workflow = append([]workflow.Step(nil), p.Workflow...)
	}
	if p.WorkflowFile != nil {
		merged.WorkflowFile = *p.WorkflowFile
	}

	if len(p.Agents) > 0 {
		agents := make(map[string]AgentSpec, len(cfg.Agents)+len(p.Agents))
		for name, spec := range cfg.Agents {
			agents[name] = spec
		}
		for name, spec := range p.Agents {
			agents[name] = spec
		}
		merged.Agents = agents
	}
	if len(p.Personas) > 0 {
		personas := make(map[string]string, len(cfg.Personas)+len(p.Personas))
		for agent, name := range cfg.Personas {
			personas[agent] = name
		}
		for agent, name := range p.Personas {
			personas[agent] = name
		}
		merged.Personas = personas
	}
	if len(p.Behavior) > 0 {
		behavior := make(BehaviorSpec, len(cfg.Behavior)+len(p.Behavior))
		for sev, disp := range cfg.Behavior {
			behavior[sev] = disp
		}
		for sev, disp := range p.Behavior {
			behavior[sev] = disp
		}
		merged.Behavior = behavior
	}
	if len(p.ConstraintBehaviors) > 0 {
		cb := make(map[string]BehaviorSpec, len(cfg.ConstraintBehaviors)+len(p.ConstraintBehaviors))
		for id, spec := range cfg.ConstraintBehaviors {
			cb[id] = spec
		}
		for id, spec := range p.ConstraintBehaviors {
			cb[id] = spec
		}
		merged.ConstraintBehaviors = cb
	}

	if err := merged.validate(); err != nil {
		return nil, fmt.Errorf("config: profile merge: %w", err)
	}
	merged.normalize()
	return &merged, nil
}
