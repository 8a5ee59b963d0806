// Package parse extracts structured results from semi-structured agent
// output. Every function here is tolerant: a parse failure never returns an
// error to the caller, it returns a sentinel error-shaped value so the
// pipeline keeps moving and the failure stays visible downstream.
package parse

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/arena/internal/model"
	"github.com/kingrea/arena/internal/store"
)

// excerptLimit bounds how much raw agent output is quoted in error messages.
const excerptLimit = 500

// Two-section adjudication markers. The structured verdict and the free-text
// bill of work travel in separate sections so a multi-paragraph instruction
// block never has to be escaped inside a JSON string.
const (
	adjudicationMarker = "=== ADJUDICATION ==="
	billOfWorkMarker   = "=== BILL_OF_WORK ==="
)

var (
	fencedObjectRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	jsonFenceRe    = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	yamlFenceRe    = regexp.MustCompile("(?s)```yaml\\s*(.*?)```")
	bareFenceRe    = regexp.MustCompile("(?s)```\\s*(.*?)```")
)

// excerpt truncates raw output for inclusion in an error message.
func excerpt(raw string) string {
	if len(raw) > excerptLimit {
		return raw[:excerptLimit] + "..."
	}
	return raw
}

// extractObject pulls a JSON object out of raw: first from a fenced code
// block, else the raw text itself.
func extractObject(raw string) string {
	if m := fencedObjectRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}

// decodeObject unmarshals candidate into v, running a repair pass over
// almost-JSON (trailing commas, unquoted keys, truncated tails) before
// giving up.
func decodeObject(candidate string, v any) error {
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("parse: not decodable as JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("parse: repaired output still invalid: %w", err)
	}
	return nil
}

// ParseEnvelope decodes one conversational agent reply. Gemini wraps its
// reply in an outer {"response": ...} object, so that kind gets one level of
// unwrapping first. Never fails: on any decode problem the returned envelope
// has status error and carries a truncated excerpt of the raw output.
func ParseEnvelope(raw string, kind model.AgentKind) model.Envelope {
	raw = strings.TrimSpace(raw)

	if kind == model.KindGemini {
		var outer map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &outer); err != nil {
			return model.ErrorEnvelope(fmt.Sprintf("gemini wrapper parse failed: %v", err))
		}
		// Some gemini configurations emit a bare envelope with no
		// wrapper. Only unwrap when the response field is present;
		// otherwise the standard path below handles the reply.
		if inner, ok := outer["response"]; ok {
			var innerText string
			if err := json.Unmarshal(inner, &innerText); err == nil {
				var env model.Envelope
				if decodeObject(strings.TrimSpace(innerText), &env) == nil && env.Status != "" {
					return normalizeEnvelope(env)
				}
				// Response was a plain string: treat it as the message.
				return model.Envelope{Status: model.StatusOK, Message: innerText}
			}
			var env model.Envelope
			if err := json.Unmarshal(inner, &env); err != nil {
				return model.ErrorEnvelope(fmt.Sprintf("gemini response decode failed: %v", err))
			}
			return normalizeEnvelope(env)
		}
	}

	candidate := extractObject(raw)
	var env model.Envelope
	if err := decodeObject(candidate, &env); err != nil {
		return model.ErrorEnvelope(fmt.Sprintf("JSON parse error: %v. Raw: %s", err, excerpt(candidate)))
	}
	return normalizeEnvelope(env)
}

// normalizeEnvelope defaults missing fields so downstream code never sees an
// empty status.
func normalizeEnvelope(env model.Envelope) model.Envelope {
	if env.Status == "" {
		env.Status = model.StatusError
	}
	if !env.Status.Valid() {
		env.Message = fmt.Sprintf("unknown status %q: %s", env.Status, env.Message)
		env.Status = model.StatusError
	}
	return env
}

// ParseCritique decodes one critic's verdict. On failure the critique comes
// back with overall ERROR and the failure message as its summary so the
// adjudicator sees the parse failure instead of it being silently dropped.
func ParseCritique(raw, agentName, constraintID string, iteration int) model.Critique {
	candidate := extractObject(strings.TrimSpace(raw))
	var critique model.Critique
	if err := decodeObject(candidate, &critique); err != nil {
		return model.ErrorCritique(constraintID, agentName, iteration,
			fmt.Sprintf("failed to parse critique: %v", err))
	}
	critique.Reviewer = agentName
	critique.ConstraintID = constraintID
	critique.Iteration = iteration
	if critique.Overall == "" {
		critique.Overall = model.CritiqueFail
	}
	for i := range critique.Issues {
		if critique.Issues[i].ID == "" {
			critique.Issues[i].ID = fmt.Sprintf("%s-%s", constraintID, uuid.NewString()[:8])
		}
		if !critique.Issues[i].Severity.Valid() {
			critique.Issues[i].Severity = model.SeverityHigh
		}
		if critique.Issues[i].Confidence == 0 {
			critique.Issues[i].Confidence = 0.9
		}
	}
	return critique
}

// ParseAdjudication decodes the arbiter's output. Preferred wire shape: two
// delimited sections, a structured verdict under adjudicationMarker and raw
// remediation markdown under billOfWorkMarker. Legacy shape: one structured
// block with bill_of_work embedded as a field. Structured decoding tries
// JSON (with repair) first, then YAML. On total failure the adjudication
// comes back with status ERROR and the reason as its bill of work.
func ParseAdjudication(raw string, iteration int) model.Adjudication {
	raw = strings.TrimSpace(raw)

	if strings.Contains(raw, adjudicationMarker) {
		adj, err := parseTwoSection(raw)
		if err != nil {
			return model.ErrorAdjudication(iteration, err.Error())
		}
		adj.Iteration = iteration
		adj.CountPursuing()
		return adj
	}

	candidate := extractStructuredBlock(raw)
	var adj model.Adjudication
	if err := decodeStructured(candidate, &adj); err != nil {
		return model.ErrorAdjudication(iteration, fmt.Sprintf("failed to parse adjudication: %v", err))
	}
	adj.Iteration = iteration
	if adj.Status == "" {
		adj.Status = model.AdjudicationRewrite
	}
	adj.CountPursuing()
	return adj
}

// parseTwoSection splits the preferred two-section format.
func parseTwoSection(raw string) (model.Adjudication, error) {
	_, rest, _ := strings.Cut(raw, adjudicationMarker)
	verdictText, billText, hasBill := strings.Cut(rest, billOfWorkMarker)

	candidate := extractStructuredBlock(strings.TrimSpace(verdictText))
	var adj model.Adjudication
	if err := decodeStructured(candidate, &adj); err != nil {
		return model.Adjudication{}, fmt.Errorf("adjudication section not decodable: %w", err)
	}
	if adj.Status == "" {
		adj.Status = model.AdjudicationRewrite
	}
	if hasBill {
		adj.BillOfWork = strings.TrimSpace(billText)
	}
	return adj, nil
}

// extractStructuredBlock strips one layer of code fencing, preferring a
// json fence, then yaml, then a bare fence.
func extractStructuredBlock(raw string) string {
	if m := jsonFenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := yamlFenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := bareFenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}

// decodeStructured tries JSON (with repair), then YAML.
func decodeStructured(candidate string, v any) error {
	if err := decodeObject(candidate, v); err == nil {
		return nil
	}
	if err := yaml.Unmarshal([]byte(candidate), v); err != nil {
		return fmt.Errorf("parse: neither JSON nor YAML: %w", err)
	}
	return nil
}

// ValidateArtifacts checks every artifact reference in the envelope:
// relative paths resolve under baseDir, and anything escaping baseDir or
// missing on disk produces a warning. Warnings never block progress; the
// caller appends them to the envelope message.
func ValidateArtifacts(env model.Envelope, baseDir string) []string {
	var warnings []string
	for _, art := range env.Artifacts {
		if art.Path == "" {
			warnings = append(warnings, "artifact reference with empty path")
			continue
		}
		path := art.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		if !store.IsSubpath(path, baseDir) {
			warnings = append(warnings, fmt.Sprintf("artifact path escapes base directory: %s", art.Path))
			continue
		}
		if _, err := os.Stat(path); err != nil {
			warnings = append(warnings, fmt.Sprintf("artifact not found: %s", art.Path))
		}
	}
	return warnings
}
