// Package workflow defines the step-sequence vocabulary shared by the fixed
// pipeline and custom workflows: an ordered list of generate, critique,
// adjudicate, and refine steps with loop-back. The fixed pipeline is just
// the default definition executed by the same engine.
package workflow

import (
	"fmt"
	"path"
	"strings"
)

// StepKind is the closed set of step types.
type StepKind string

const (
	StepGenerate   StepKind = "generate"
	StepCritique   StepKind = "critique"
	StepAdjudicate StepKind = "adjudicate"
	StepRefine     StepKind = "refine"
)

// Valid reports whether the kind is one of the four step types.
func (k StepKind) Valid() bool {
	switch k {
	case StepGenerate, StepCritique, StepAdjudicate, StepRefine:
		return true
	}
	return false
}

// Execution is how a critique step runs its (constraint, agent) batch.
type Execution string

const (
	// ExecutionParallel fans out every critique concurrently and applies
	// dispositions after the whole batch returns.
	ExecutionParallel Execution = "parallel"
	// ExecutionSerial runs critiques one at a time and halts the pass on
	// the first HALT-disposed issue.
	ExecutionSerial Execution = "serial"
)

// Scope selects which critiques an adjudicate step receives.
type Scope string

const (
	// ScopeAccumulated covers every critique not yet adjudicated.
	ScopeAccumulated Scope = "accumulated"
	// ScopePrevious covers only the immediately preceding critique step.
	ScopePrevious Scope = "previous"
	// ScopeAll covers every critique collected this iteration.
	ScopeAll Scope = "all"
)

// RefineMode is how a refine step changes the artifact.
type RefineMode string

const (
	// RefineEdit asks for targeted edits, validated by a change-magnitude
	// check.
	RefineEdit RefineMode = "edit"
	// RefineRewrite permits full regeneration.
	RefineRewrite RefineMode = "rewrite"
)

// Step is one entry in a workflow definition.
type Step struct {
	Kind        StepKind   `yaml:"step"`
	Name        string     `yaml:"name,omitempty"`
	Agent       string     `yaml:"agent,omitempty"`
	Execution   Execution  `yaml:"execution,omitempty"`
	Constraints []string   `yaml:"constraints,omitempty"`
	Scope       Scope      `yaml:"scope,omitempty"`
	Mode        RefineMode `yaml:"mode,omitempty"`
	LoopTo      string     `yaml:"loop_to,omitempty"`
}

// MatchesConstraint reports whether a critique step's constraint filter
// admits the given constraint id. An empty filter admits everything.
func (s Step) MatchesConstraint(id string) bool {
	if len(s.Constraints) == 0 {
		return true
	}
	for _, pattern := range s.Constraints {
		if ok, err := path.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}

// Definition is a validated workflow: an index-addressed step array plus a
// name table resolved once at load time, so a loop-back jump is an index
// assignment at execution time rather than a name search.
type Definition struct {
	Steps []Step
	index map[string]int
}

// NewDefinition normalizes and validates steps and builds the name table.
func NewDefinition(steps []Step) (*Definition, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow: empty definition")
	}
	normalized := make([]Step, len(steps))
	copy(normalized, steps)
	for i := range normalized {
		normalizeStep(&normalized[i])
	}
	def := &Definition{Steps: normalized, index: make(map[string]int)}
	if errs := def.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("workflow: invalid definition: %s", strings.Join(errs, "; "))
	}
	return def, nil
}

func normalizeStep(s *Step) {
	s.Kind = StepKind(strings.ToLower(strings.TrimSpace(string(s.Kind))))
	s.Name = strings.TrimSpace(s.Name)
	s.LoopTo = strings.TrimSpace(s.LoopTo)
	if s.Execution == "" {
		s.Execution = ExecutionParallel
	}
	if s.Scope == "" {
		s.Scope = ScopeAccumulated
	}
	if s.Mode == "" {
		s.Mode = RefineEdit
	}
}

func (d *Definition) validate() []string {
	var errs []string
	hasGenerate := false
	for i, s := range d.Steps {
		if !s.Kind.Valid() {
			errs = append(errs, fmt.Sprintf("step %d: unknown step kind %q", i, s.Kind))
			continue
		}
		if s.Kind == StepGenerate {
			hasGenerate = true
		}
		if s.Name != "" {
			if _, dup := d.index[s.Name]; dup {
				errs = append(errs, fmt.Sprintf("step %d: duplicate name %q", i, s.Name))
			} else {
				d.index[s.Name] = i
			}
		}
		if s.Kind == StepCritique && s.Execution != ExecutionParallel && s.Execution != ExecutionSerial {
			errs = append(errs, fmt.Sprintf("step %d: invalid execution %q (use parallel or serial)", i, s.Execution))
		}
		if s.Kind == StepAdjudicate {
			switch s.Scope {
			case ScopeAccumulated, ScopePrevious, ScopeAll:
			default:
				errs = append(errs, fmt.Sprintf("step %d: invalid scope %q (use accumulated, previous, or all)", i, s.Scope))
			}
		}
		if s.Kind == StepRefine && s.Mode != RefineEdit && s.Mode != RefineRewrite {
			errs = append(errs, fmt.Sprintf("step %d: invalid mode %q (use edit or rewrite)", i, s.Mode))
		}
		if s.LoopTo != "" && s.Kind != StepRefine {
			errs = append(errs, fmt.Sprintf("step %d: loop_to is only valid on refine steps", i))
		}
	}
	// loop_to may point at a later step, so resolve against the complete
	// name table.
	for i, s := range d.Steps {
		if s.LoopTo == "" {
			continue
		}
		if _, ok := d.index[s.LoopTo]; !ok {
			errs = append(errs, fmt.Sprintf("step %d: loop_to references non-existent step %q", i, s.LoopTo))
		}
	}
	if !hasGenerate {
		errs = append(errs, "workflow must have at least one generate step")
	}
	return errs
}

// IndexOf resolves a step name to its index.
func (d *Definition) IndexOf(name string) (int, bool) {
	i, ok := d.index[name]
	return i, ok
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	steps := make([]Step, len(d.Steps))
	copy(steps, d.Steps)
	for i := range steps {
		if len(d.Steps[i].Constraints) > 0 {
			steps[i].Constraints = append([]string(nil), d.Steps[i].Constraints...)
		}
	}
	index := make(map[string]int, len(d.index))
	for name, i := range d.index {
		index[name] = i
	}
	return &Definition{Steps: steps, index: index}
}

// DefaultPipeline is the fixed generate -> critique -> adjudicate -> refine
// loop expressed as a workflow definition. The refine step loops back to
// generate so the next iteration regenerates against the bill of work.
func DefaultPipeline(critiqueExecution Execution, refineMode RefineMode) *Definition {
	def, err := NewDefinition([]Step{
		{Kind: StepGenerate, Name: "generate"},
		{Kind: StepCritique, Name: "critique", Execution: critiqueExecution},
		{Kind: StepAdjudicate, Name: "adjudicate", Scope: ScopeAccumulated},
		{Kind: StepRefine, Name: "refine", Mode: refineMode, LoopTo: "generate"},
	})
	if err != nil {
		panic(err) // static definition, cannot fail
	}
	return def
}
