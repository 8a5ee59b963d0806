package parse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/arena/internal/model"
)

func TestParseEnvelopeFromFencedBlock(t *testing.T) {
	raw := "Here is my reply:\n```json\n{\"status\": \"ok\", \"message\": \"looks good\", \"agrees_with\": [\"codex\"]}\n```\nthanks"
	env := ParseEnvelope(raw, model.KindClaude)
	require.Equal(t, model.StatusOK, env.Status)
	require.Equal(t, "looks good", env.Message)
	require.Equal(t, []string{"codex"}, env.AgreesWith)
}

func TestParseEnvelopeBareJSON(t *testing.T) {
	env := ParseEnvelope(`{"status":"done","message":"finished"}`, model.KindCodex)
	require.Equal(t, model.StatusDone, env.Status)
}

func TestParseEnvelopeRepairsAlmostJSON(t *testing.T) {
	// Trailing comma is invalid JSON but recoverable.
	env := ParseEnvelope(`{"status":"ok","message":"fine",}`, model.KindClaude)
	require.Equal(t, model.StatusOK, env.Status)
	require.Equal(t, "fine", env.Message)
}

func TestParseEnvelopeGarbageNeverFails(t *testing.T) {
	long := strings.Repeat("x", 2000)
	env := ParseEnvelope(long, model.KindClaude)
	require.Equal(t, model.StatusError, env.Status)
	require.Contains(t, env.Message, "JSON parse error")
	// Excerpt is truncated, not the whole output.
	require.Less(t, len(env.Message), 700)
}

func TestParseEnvelopeGeminiWrapper(t *testing.T) {
	raw := `{"response": "{\"status\": \"ok\", \"message\": \"inner\"}"}`
	env := ParseEnvelope(raw, model.KindGemini)
	require.Equal(t, model.StatusOK, env.Status)
	require.Equal(t, "inner", env.Message)
}

func TestParseEnvelopeGeminiPlainResponse(t *testing.T) {
	env := ParseEnvelope(`{"response": "just prose, no envelope"}`, model.KindGemini)
	require.Equal(t, model.StatusOK, env.Status)
	require.Equal(t, "just prose, no envelope", env.Message)
}

func TestParseEnvelopeGeminiBrokenWrapper(t *testing.T) {
	env := ParseEnvelope(`not json at all`, model.KindGemini)
	require.Equal(t, model.StatusError, env.Status)
}

func TestParseEnvelopeGeminiUnwrappedEnvelope(t *testing.T) {
	// A bare envelope with no response wrapper parses like any other
	// agent's reply.
	env := ParseEnvelope(`{"status":"ok","message":"straight envelope"}`, model.KindGemini)
	require.Equal(t, model.StatusOK, env.Status)
	require.Equal(t, "straight envelope", env.Message)
}

func TestParseEnvelopeUnknownStatus(t *testing.T) {
	env := ParseEnvelope(`{"status":"maybe","message":"odd"}`, model.KindClaude)
	require.Equal(t, model.StatusError, env.Status)
	require.Contains(t, env.Message, "maybe")
}

func TestParseCritiqueFillsIdentity(t *testing.T) {
	raw := "```json\n" + `{
	  "overall": "FAIL",
	  "issues": [
	    {"id": "tone-001", "rule_id": "tone.formal", "severity": "HIGH",
	     "location": "para 2", "finding": "slang", "evidence": "gonna"}
	  ],
	  "summary": "one issue"
	}` + "\n```"
	c := ParseCritique(raw, "claude", "tone", 3)
	require.Equal(t, "claude", c.Reviewer)
	require.Equal(t, "tone", c.ConstraintID)
	require.Equal(t, 3, c.Iteration)
	require.Equal(t, model.CritiqueFail, c.Overall)
	require.Len(t, c.Issues, 1)
	require.Equal(t, model.SeverityHigh, c.Issues[0].Severity)
	require.InDelta(t, 0.9, c.Issues[0].Confidence, 0.001)
}

func TestParseCritiqueDefaultsIssueID(t *testing.T) {
	raw := `{"overall": "FAIL", "issues": [{"severity": "LOW", "finding": "nit"}], "summary": "x"}`
	c := ParseCritique(raw, "claude", "tone", 1)
	require.Len(t, c.Issues, 1)
	require.True(t, strings.HasPrefix(c.Issues[0].ID, "tone-"), "id = %q", c.Issues[0].ID)
	require.Greater(t, len(c.Issues[0].ID), len("tone-"))
}

func TestParseCritiqueErrorSentinel(t *testing.T) {
	c := ParseCritique("the critic rambled instead of emitting JSON {", "codex", "citations", 1)
	require.Equal(t, model.CritiqueError, c.Overall)
	require.Equal(t, "codex", c.Reviewer)
	require.Equal(t, "citations", c.ConstraintID)
	require.Empty(t, c.Issues)
	require.Contains(t, c.Summary, "failed to parse critique")
}

func TestParseAdjudicationTwoSection(t *testing.T) {
	raw := `=== ADJUDICATION ===
{
  "status": "REWRITE",
  "decisions": [
    {"issue_id": "tone-001", "constraint": "tone", "severity": "HIGH",
     "status": "pursuing", "flagged_by": ["claude"]},
    {"issue_id": "cite-002", "constraint": "citations", "severity": "MEDIUM",
     "status": "dismissed"}
  ]
}
=== BILL_OF_WORK ===
Fix tone-001: replace slang in paragraph 2.`
	adj := ParseAdjudication(raw, 2)
	require.Equal(t, model.AdjudicationRewrite, adj.Status)
	require.Equal(t, 2, adj.Iteration)
	require.Equal(t, "Fix tone-001: replace slang in paragraph 2.", adj.BillOfWork)
	require.Equal(t, 0, adj.CriticalPursuing)
	require.Equal(t, 1, adj.HighPursuing)
}

func TestParseAdjudicationLegacySingleBlock(t *testing.T) {
	raw := "```json\n" + `{
	  "status": "APPROVED",
	  "decisions": [],
	  "bill_of_work": "nothing to do"
	}` + "\n```"
	adj := ParseAdjudication(raw, 4)
	require.Equal(t, model.AdjudicationApproved, adj.Status)
	require.Equal(t, "nothing to do", adj.BillOfWork)
}

func TestParseAdjudicationYAMLFallback(t *testing.T) {
	raw := "```yaml\nstatus: REWRITE\ndecisions:\n  - issue_id: a-1\n    constraint: tone\n    severity: CRITICAL\n    status: pursuing\nbill_of_work: fix it\n```"
	adj := ParseAdjudication(raw, 1)
	require.Equal(t, model.AdjudicationRewrite, adj.Status)
	require.Equal(t, 1, adj.CriticalPursuing)
}

func TestParseAdjudicationTotalFailure(t *testing.T) {
	adj := ParseAdjudication("{{{{ not parseable ]] :::", 5)
	require.Equal(t, model.AdjudicationError, adj.Status)
	require.Contains(t, adj.BillOfWork, "failed to parse adjudication")
	require.Equal(t, 5, adj.Iteration)
}

func TestValidateArtifactsContainment(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "report.md"), []byte("x"), 0o644))

	env := model.Envelope{
		Status: model.StatusOK,
		Artifacts: []model.ArtifactRef{
			{Path: "report.md"},
			{Path: "missing.md"},
			{Path: "../../etc/passwd"},
		},
	}
	warnings := ValidateArtifacts(env, base)
	require.Len(t, warnings, 2)
	require.Contains(t, warnings[0], "missing.md")
	require.Contains(t, warnings[1], "escapes base directory")
}

func TestValidateArtifactsTraversalNeverExists(t *testing.T) {
	// Even when the target exists on disk, escaping paths are rejected.
	env := model.Envelope{Artifacts: []model.ArtifactRef{{Path: "../../etc/passwd"}}}
	warnings := ValidateArtifacts(env, t.TempDir())
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "escapes base directory")
}
