package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kingrea/arena/internal/config"
	"github.com/kingrea/arena/internal/model"
)

// envelopeInstructions tells an agent the reply shape the parsers expect.
// Agents that cannot comply still get through: the parsers are tolerant and
// fall back to repair before giving up.
const envelopeInstructions = `Respond with a single fenced JSON block:

` + "```json" + `
{
  "status": "ok | needs_human | needs_research | done | error",
  "message": "<your full response text>",
  "questions": [{"text": "...", "context": "..."}],
  "artifacts": [{"path": "relative/path.md", "description": "..."}]
}
` + "```" + `

Use "needs_human" only when you are blocked without human input.
Put the complete document in "message"; do not summarize it.`

const adjudicationInstructions = `Respond with exactly two sections:

=== ADJUDICATION ===
` + "```json" + `
{
  "status": "REWRITE | APPROVED",
  "decisions": [
    {
      "issue_id": "<id from a critique>",
      "constraint": "<constraint id>",
      "severity": "CRITICAL | HIGH | MEDIUM | LOW",
      "status": "pursuing | dismissed",
      "rationale": "...",
      "guidance": "..."
    }
  ],
  "tension_analysis": [
    {"constraints": ["a", "b"], "description": "...", "resolution": "..."}
  ]
}
` + "```" + `

=== BILL_OF_WORK ===
A markdown work order for the refiner: one section per pursuing issue with
the concrete edit to make. Leave this section empty when approving.`

// GeneratorPrompt builds the first-draft prompt.
func GeneratorPrompt(goal *config.Goal, constraintSummary string) string {
	var b strings.Builder
	b.WriteString("# Goal\n\n")
	b.WriteString(goal.Text)
	b.WriteString("\n")
	if goal.Source != "" {
		b.WriteString("\n# Source Material\n\n")
		b.WriteString(goal.Source)
		b.WriteString("\n")
	}
	if constraintSummary != "" {
		b.WriteString("\n")
		b.WriteString(constraintSummary)
	}
	b.WriteString("\nProduce the complete artifact that satisfies the goal.\n\n")
	b.WriteString(envelopeInstructions)
	return b.String()
}

// CriticPrompt builds the review prompt for one constraint. The critic sees
// its full constraint, not the compressed summary the generator gets.
func CriticPrompt(c model.Constraint, artifact string, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing iteration %d of an artifact against one constraint.\n\n", iteration)
	fmt.Fprintf(&b, "# Constraint: %s (Priority %d)\n\n", c.ID, c.Priority)
	if c.Summary != "" {
		b.WriteString(c.Summary)
		b.WriteString("\n\n")
	}
	for _, r := range c.Rules {
		fmt.Fprintf(&b, "- [%s] %s", r.ID, r.Text)
		if r.DefaultSeverity != "" {
			fmt.Fprintf(&b, " (default severity: %s)", r.DefaultSeverity)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n# Artifact\n\n")
	b.WriteString(artifact)
	b.WriteString("\n\nRespond with a single fenced JSON block:\n\n```json\n")
	b.WriteString(`{
  "overall": "PASS | FAIL",
  "summary": "...",
  "issues": [
    {
      "id": "<constraint-id>-<n>",
      "rule_id": "<rule id>",
      "severity": "CRITICAL | HIGH | MEDIUM | LOW",
      "location": "<where in the artifact>",
      "finding": "...",
      "evidence": "<quote from the artifact>",
      "suggested_fix": "...",
      "confidence": 0.9
    }
  ],
  "approved_sections": [{"section": "...", "note": "..."}]
}`)
	b.WriteString("\n```\n\nFlag only violations of this constraint. Severity reflects impact, not certainty.")
	return b.String()
}

// AdjudicatorPrompt builds the arbitration prompt over a set of critiques.
func AdjudicatorPrompt(artifact string, critiques []model.Critique, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are adjudicating %d critiques of iteration %d.\n", len(critiques), iteration)
	b.WriteString("Rule on every issue: pursue it or dismiss it. When constraints pull against\n")
	b.WriteString("each other, name the tension and resolve it explicitly.\n")
	b.WriteString("\n# Artifact\n\n")
	b.WriteString(artifact)
	b.WriteString("\n\n# Critiques\n\n")
	for _, c := range critiques {
		encoded, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "## %s by %s\n\n```json\n%s\n```\n\n", c.ConstraintID, c.Reviewer, encoded)
	}
	b.WriteString(adjudicationInstructions)
	return b.String()
}

// RefinerPrompt builds the revision prompt from the adjudicator's work order.
func RefinerPrompt(artifact, billOfWork, mode string, feedback string) string {
	var b strings.Builder
	if mode == "rewrite" {
		b.WriteString("Rewrite the artifact from scratch, addressing every item in the work order.\n")
	} else {
		b.WriteString("Apply the work order to the artifact with targeted edits. Preserve\n")
		b.WriteString("everything the work order does not touch.\n")
	}
	b.WriteString("\n# Current Artifact\n\n")
	b.WriteString(artifact)
	b.WriteString("\n\n# Work Order\n\n")
	b.WriteString(billOfWork)
	if feedback != "" {
		b.WriteString("\n\n# Revision Feedback\n\nYour previous attempt was rejected: ")
		b.WriteString(feedback)
		b.WriteString("\nTry again.")
	}
	b.WriteString("\n\n")
	b.WriteString(envelopeInstructions)
	return b.String()
}

// ResearchPrompt asks the research agent to investigate open topics.
func ResearchPrompt(topics []string, context string) string {
	var b strings.Builder
	b.WriteString("Research the following topics and report findings concisely:\n\n")
	for _, t := range topics {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	if context != "" {
		b.WriteString("\n# Context\n\n")
		b.WriteString(context)
	}
	b.WriteString("\n\n")
	b.WriteString(envelopeInstructions)
	return b.String()
}
