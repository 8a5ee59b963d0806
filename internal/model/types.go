// Package model defines the shared data types for arena runs: agents,
// envelopes, constraints, critiques, and adjudications. Values produced by
// the parsers are treated as immutable by the rest of the system; the only
// sanctioned mutation is appending validation warnings to an envelope
// message before it is persisted.
package model

import (
	"fmt"
	"time"
)

// AgentKind selects the output-wrapper parsing rules for an agent's replies.
type AgentKind string

const (
	KindClaude  AgentKind = "claude"
	KindCodex   AgentKind = "codex"
	KindGemini  AgentKind = "gemini"
	KindGeneric AgentKind = "generic"
)

// Valid reports whether the kind is one of the known agent kinds.
func (k AgentKind) Valid() bool {
	switch k {
	case KindClaude, KindCodex, KindGemini, KindGeneric:
		return true
	}
	return false
}

// Agent is the configuration for one external reasoning process. Loaded once
// per run and never mutated afterwards.
type Agent struct {
	Name           string        `yaml:"name" json:"name"`
	Kind           AgentKind     `yaml:"kind" json:"kind"`
	Cmd            []string      `yaml:"cmd" json:"cmd"`
	Timeout        time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	SuppressStderr bool          `yaml:"suppress_stderr,omitempty" json:"suppress_stderr,omitempty"`
}

// EnvelopeStatus is the status field of a conversational agent reply.
type EnvelopeStatus string

const (
	StatusOK            EnvelopeStatus = "ok"
	StatusNeedsHuman    EnvelopeStatus = "needs_human"
	StatusNeedsResearch EnvelopeStatus = "needs_research"
	StatusDone          EnvelopeStatus = "done"
	StatusError         EnvelopeStatus = "error"
)

// Valid reports whether the status is a known envelope status.
func (s EnvelopeStatus) Valid() bool {
	switch s {
	case StatusOK, StatusNeedsHuman, StatusNeedsResearch, StatusDone, StatusError:
		return true
	}
	return false
}

// Question is a question an agent raises for the human operator.
type Question struct {
	ID      string   `json:"id,omitempty"`
	Text    string   `json:"text"`
	Context string   `json:"context,omitempty"`
	Options []string `json:"options,omitempty"`
}

// ArtifactRef points at a file an agent claims to have produced or consulted.
type ArtifactRef struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Envelope is the structured reply of one agent invocation in the
// conversational loop.
type Envelope struct {
	Status         EnvelopeStatus `json:"status"`
	Message        string         `json:"message"`
	Questions      []Question     `json:"questions,omitempty"`
	Artifacts      []ArtifactRef  `json:"artifacts,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	AgreesWith     []string       `json:"agrees_with,omitempty"`
	ResearchTopics []string       `json:"research_topics,omitempty"`
}

// ErrorEnvelope builds the sentinel envelope used when an agent reply could
// not be parsed or an invocation failed outright.
func ErrorEnvelope(msg string) Envelope {
	return Envelope{Status: StatusError, Message: msg}
}

// Severity ranks critique issues. The order of the constants is the
// disposition order: CRITICAL is always the most severe.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Valid reports whether the severity is one of the four known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Disposition is what the engine does with an issue of a given severity.
type Disposition string

const (
	DispositionHalt     Disposition = "HALT"
	DispositionEscalate Disposition = "ESCALATE"
	DispositionContinue Disposition = "CONTINUE"
	DispositionIgnore   Disposition = "IGNORE"
)

// Valid reports whether the disposition is one of the four known values.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionHalt, DispositionEscalate, DispositionContinue, DispositionIgnore:
		return true
	}
	return false
}

// ThreadEntry is one durable record in the run transcript. Step-machine
// runs log lifecycle events; conversation runs log every agent message.
type ThreadEntry struct {
	Timestamp time.Time      `json:"ts"`
	Kind      string         `json:"kind"` // event | message
	Agent     string         `json:"agent,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Turn      int            `json:"turn,omitempty"`
	Step      string         `json:"step,omitempty"`
	Status    EnvelopeStatus `json:"status,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// ConstraintRule is a single enumerated rule inside a constraint.
type ConstraintRule struct {
	ID              string            `yaml:"id" json:"id"`
	Text            string            `yaml:"text" json:"text"`
	DefaultSeverity Severity          `yaml:"default_severity,omitempty" json:"default_severity,omitempty"`
	Examples        map[string]string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// Constraint is a named, prioritized rule-set. Lower priority values take
// precedence. Loaded once per run; immutable thereafter.
type Constraint struct {
	ID         string                   `yaml:"id" json:"id"`
	Priority   int                      `yaml:"priority" json:"priority"`
	Summary    string                   `yaml:"summary" json:"summary"`
	Rules      []ConstraintRule         `yaml:"rules" json:"rules"`
	Script     string                   `yaml:"script,omitempty" json:"script,omitempty"`
	Sources    []string                 `yaml:"sources,omitempty" json:"sources,omitempty"`
	Agents     []string                 `yaml:"agents,omitempty" json:"agents,omitempty"`
	Behavior   map[Severity]Disposition `yaml:"behavior,omitempty" json:"behavior,omitempty"`
	SourcePath string                   `yaml:"-" json:"-"`
}

// CritiqueIssue is one atomic finding inside a critique.
type CritiqueIssue struct {
	ID           string   `json:"id"`
	RuleID       string   `json:"rule_id"`
	Severity     Severity `json:"severity"`
	Location     string   `json:"location"`
	Finding      string   `json:"finding"`
	Evidence     string   `json:"evidence"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// ApprovedSection notes a portion of the artifact a critic found sound.
type ApprovedSection struct {
	Section string `json:"section"`
	Note    string `json:"note,omitempty"`
}

// Critique is one agent's verdict on one constraint at one iteration.
// Overall is "PASS", "FAIL", or the sentinel "ERROR" when the critic's
// output could not be parsed.
type Critique struct {
	ConstraintID     string            `json:"constraint_id"`
	Reviewer         string            `json:"reviewer"`
	Iteration        int               `json:"iteration"`
	Overall          string            `json:"overall"`
	Issues           []CritiqueIssue   `json:"issues"`
	ApprovedSections []ApprovedSection `json:"approved_sections,omitempty"`
	Summary          string            `json:"summary"`
}

const (
	CritiquePass  = "PASS"
	CritiqueFail  = "FAIL"
	CritiqueError = "ERROR"
)

// IssueStatus is the adjudicated fate of an issue.
type IssueStatus string

const (
	IssuePursuing  IssueStatus = "pursuing"
	IssueDismissed IssueStatus = "dismissed"
)

// AdjudicationDecision records the arbiter's ruling on a single issue.
type AdjudicationDecision struct {
	IssueID             string      `json:"issue_id"`
	Constraint          string      `json:"constraint"`
	Severity            Severity    `json:"severity"`
	Status              IssueStatus `json:"status"`
	FlaggedBy           []string    `json:"flagged_by,omitempty"`
	CompetingConstraint string      `json:"competing_constraint,omitempty"`
	Rationale           string      `json:"rationale,omitempty"`
	Guidance            string      `json:"guidance,omitempty"`
}

// TensionAnalysis describes a conflict between constraints the arbiter
// observed while ruling.
type TensionAnalysis struct {
	Constraints []string `json:"constraints"`
	Description string   `json:"description"`
	Resolution  string   `json:"resolution,omitempty"`
}

// Adjudication is one arbitration pass over a set of critiques. Status is
// "REWRITE", "APPROVED", or the sentinel "ERROR".
type Adjudication struct {
	Iteration        int                    `json:"iteration"`
	Status           string                 `json:"status"`
	TensionAnalysis  []TensionAnalysis      `json:"tension_analysis,omitempty"`
	Decisions        []AdjudicationDecision `json:"decisions"`
	BillOfWork       string                 `json:"bill_of_work"`
	CriticalPursuing int                    `json:"critical_pursuing"`
	HighPursuing     int                    `json:"high_pursuing"`
}

const (
	AdjudicationRewrite  = "REWRITE"
	AdjudicationApproved = "APPROVED"
	AdjudicationError    = "ERROR"
)

// Clone returns a deep copy.
func (a Adjudication) Clone() Adjudication {
	out := a
	if len(a.TensionAnalysis) > 0 {
		out.TensionAnalysis = make([]TensionAnalysis, len(a.TensionAnalysis))
		copy(out.TensionAnalysis, a.TensionAnalysis)
	}
	if len(a.Decisions) > 0 {
		out.Decisions = make([]AdjudicationDecision, len(a.Decisions))
		copy(out.Decisions, a.Decisions)
	}
	return out
}

// PursuingIssues returns the decisions still being pursued after
// adjudication, in ruling order.
func (a Adjudication) PursuingIssues() []AdjudicationDecision {
	var out []AdjudicationDecision
	for _, d := range a.Decisions {
		if d.Status == IssuePursuing {
			out = append(out, d)
		}
	}
	return out
}

// PursuingIDs returns the issue ids of pursuing decisions as a set.
func (a Adjudication) PursuingIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, d := range a.Decisions {
		if d.Status == IssuePursuing {
			ids[d.IssueID] = struct{}{}
		}
	}
	return ids
}

// CountPursuing tallies pursuing decisions at CRITICAL and HIGH severity.
func (a *Adjudication) CountPursuing() {
	a.CriticalPursuing = 0
	a.HighPursuing = 0
	for _, d := range a.Decisions {
		if d.Status != IssuePursuing {
			continue
		}
		switch d.Severity {
		case SeverityCritical:
			a.CriticalPursuing++
		case SeverityHigh:
			a.HighPursuing++
		}
	}
}

// ErrorAdjudication builds the sentinel adjudication used when the arbiter's
// output could not be parsed. The failure reason lands in the bill of work
// so the next refinement surfaces it to a human reviewer.
func ErrorAdjudication(iteration int, reason string) Adjudication {
	return Adjudication{
		Iteration:  iteration,
		Status:     AdjudicationError,
		BillOfWork: fmt.Sprintf("Adjudication failed: %s", reason),
	}
}

// ErrorCritique builds the sentinel critique used when a critic's output
// could not be parsed, keeping the failure visible to the adjudicator.
func ErrorCritique(constraintID, reviewer string, iteration int, reason string) Critique {
	return Critique{
		ConstraintID: constraintID,
		Reviewer:     reviewer,
		Iteration:    iteration,
		Overall:      CritiqueError,
		Issues:       nil,
		Summary:      reason,
	}
}
