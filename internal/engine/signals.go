package engine

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kingrea/arena/internal/model"
)

// Similarity thresholds for the termination heuristics.
const (
	StagnationThreshold = 0.90
	ConsensusThreshold  = 0.85
)

// normalizeText folds case and whitespace so similarity compares content,
// not formatting.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// TextSimilarity returns a 0.0-1.0 ratio between two texts after
// normalization: twice the matched character count over the total length,
// the classic sequence-matcher ratio.
func TextSimilarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == nb {
		return 1.0
	}
	total := len(na) + len(nb)
	if total == 0 {
		return 1.0
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(na, nb, false)
	matched := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			matched += len(d.Text)
		}
	}
	return 2.0 * float64(matched) / float64(total)
}

// Message is one agent utterance from the thread tail, as consumed by
// stagnation detection.
type Message struct {
	Agent   string
	Content string
}

// DetectStagnation reports whether the conversation has stopped moving:
// every agent with at least two messages is repeating itself (similarity of
// its last two messages at or above threshold). Requires at least two such
// agents; a single agent never stagnates.
func DetectStagnation(tail []Message, agents []string, threshold float64) bool {
	if len(agents) < 2 {
		return false
	}
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a] = true
	}
	lastTwo := make(map[string][]string)
	for i := len(tail) - 1; i >= 0; i-- {
		m := tail[i]
		if !known[m.Agent] || len(lastTwo[m.Agent]) >= 2 {
			continue
		}
		lastTwo[m.Agent] = append(lastTwo[m.Agent], m.Content)
	}
	withHistory := 0
	for _, msgs := range lastTwo {
		if len(msgs) < 2 {
			continue
		}
		withHistory++
		if TextSimilarity(msgs[0], msgs[1]) < threshold {
			return false
		}
	}
	return withHistory >= 2
}

// CheckConsensus reports whether the current participants agree. Any error
// or needs_human envelope vetoes consensus outright. Explicit agreement: an
// envelope's agrees_with set, unioned with its author, reaching minAgree
// members among current participants. Failing that, pairwise message
// similarity above ConsensusThreshold clustering minAgree agents counts.
func CheckConsensus(envelopes map[string]model.Envelope, minAgree int) bool {
	if len(envelopes) < 2 {
		return false
	}
	for _, env := range envelopes {
		if env.Status == model.StatusError || env.Status == model.StatusNeedsHuman {
			return false
		}
	}

	participants := make(map[string]struct{}, len(envelopes))
	names := make([]string, 0, len(envelopes))
	for name := range envelopes {
		participants[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		env := envelopes[name]
		if len(env.AgreesWith) == 0 {
			continue
		}
		agreers := map[string]struct{}{name: {}}
		for _, other := range env.AgreesWith {
			if _, ok := participants[other]; ok {
				agreers[other] = struct{}{}
			}
		}
		if len(agreers) >= minAgree {
			return true
		}
	}

	for _, a := range names {
		cluster := 1
		for _, b := range names {
			if a == b {
				continue
			}
			if TextSimilarity(envelopes[a].Message, envelopes[b].Message) > ConsensusThreshold {
				cluster++
			}
		}
		if cluster >= minAgree {
			return true
		}
	}
	return false
}

// ThrashTracker keeps per-issue counters of how often an issue id stays in
// the pursuing set across consecutive adjudications.
type ThrashTracker struct {
	Counts map[string]int `json:"counts"`
}

// NewThrashTracker builds an empty tracker.
func NewThrashTracker() *ThrashTracker {
	return &ThrashTracker{Counts: make(map[string]int)}
}

// Update intersects the previous and current pursuing sets and bumps the
// counter for every issue id present in both. Returns the overlapping ids
// in sorted order.
func (t *ThrashTracker) Update(prev, curr map[string]struct{}) []string {
	if t.Counts == nil {
		t.Counts = make(map[string]int)
	}
	var overlap []string
	for id := range curr {
		if _, ok := prev[id]; ok {
			t.Counts[id]++
			overlap = append(overlap, id)
		}
	}
	sort.Strings(overlap)
	return overlap
}

// Chronic returns the issue ids whose counter has reached threshold, the
// trigger for HITL escalation.
func (t *ThrashTracker) Chronic(threshold int) []string {
	var out []string
	for id, n := range t.Counts {
		if n >= threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
