package engine

import (
	"testing"

	"github.com/kingrea/arena/internal/model"
)

func constraint(id string, priority int) model.Constraint {
	return model.Constraint{ID: id, Priority: priority}
}

func TestRouteResolutionOrder(t *testing.T) {
	routing := &Routing{
		DefaultAgents: []string{"claude"},
		Rules: []RoutingRule{
			{Match: "tone*", Agents: []string{"codex"}},
		},
		PriorityRules: []PriorityRule{
			{Min: 1, Max: 3, Agents: []string{"gemini"}},
		},
	}
	cases := []struct {
		name string
		c    model.Constraint
		want string
	}{
		{"per-constraint override wins", model.Constraint{ID: "tone", Priority: 1, Agents: []string{"custom"}}, "custom"},
		{"glob rule beats priority", constraint("tone-formal", 1), "codex"},
		{"priority range", constraint("citations", 2), "gemini"},
		{"config default", constraint("citations", 9), "claude"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agents, _ := Route(tc.c, routing, nil)
			if len(agents) != 1 || agents[0] != tc.want {
				t.Fatalf("agents = %v, want [%s]", agents, tc.want)
			}
		})
	}
}

func TestRouteNoConfigUsesBuiltinDefault(t *testing.T) {
	agents, _ := Route(constraint("anything", 5), nil, nil)
	if len(agents) != 3 || agents[0] != "claude" {
		t.Fatalf("agents = %v", agents)
	}
}

func TestRouteFiltersToAvailable(t *testing.T) {
	agents, removed := Route(constraint("x", 5), nil, []string{"claude", "gemini"})
	if len(agents) != 2 {
		t.Fatalf("agents = %v", agents)
	}
	if len(removed) != 1 || removed[0] != "codex" {
		t.Fatalf("removed = %v", removed)
	}
}

func TestDispositionPrecedence(t *testing.T) {
	cfg := DispositionConfig{Default: DefaultBehavior()}
	// Global default for CRITICAL is HALT; a per-constraint override to
	// CONTINUE must win.
	c := model.Constraint{
		ID: "tone",
		Behavior: map[model.Severity]model.Disposition{
			model.SeverityCritical: model.DispositionContinue,
		},
	}
	if got := ResolveDisposition(c, model.SeverityCritical, cfg); got != model.DispositionContinue {
		t.Fatalf("constraint override ignored: %s", got)
	}
	// Unspecified severities in the override fall back to defaults.
	if got := ResolveDisposition(c, model.SeverityLow, cfg); got != model.DispositionIgnore {
		t.Fatalf("low = %s", got)
	}
}

func TestDispositionConfigLayer(t *testing.T) {
	cfg := DispositionConfig{
		Default: DefaultBehavior(),
		PerConstraint: map[string]BehaviorTable{
			"citations": {Critical: model.DispositionEscalate, High: model.DispositionContinue,
				Medium: model.DispositionContinue, Low: model.DispositionIgnore},
		},
	}
	if got := ResolveDisposition(constraint("citations", 1), model.SeverityCritical, cfg); got != model.DispositionEscalate {
		t.Fatalf("config layer ignored: %s", got)
	}
	if got := ResolveDisposition(constraint("other", 1), model.SeverityCritical, cfg); got != model.DispositionHalt {
		t.Fatalf("default layer broken: %s", got)
	}
}

func TestApprovalPolicies(t *testing.T) {
	adj := func(critical, high int) model.Adjudication {
		return model.Adjudication{CriticalPursuing: critical, HighPursuing: high}
	}
	cases := []struct {
		policy   ApprovalPolicy
		critical int
		high     int
		want     bool
	}{
		{PolicyNoCriticalOrHigh, 0, 0, true},
		{PolicyNoCriticalOrHigh, 0, 1, false},
		{PolicyNoCritical, 0, 3, true},
		// The CRITICAL bar is never relaxable, whatever the policy.
		{PolicyNoCritical, 1, 0, false},
		{PolicyAllResolved, 1, 0, false},
	}
	for _, tc := range cases {
		if got := tc.policy.Approves(adj(tc.critical, tc.high)); got != tc.want {
			t.Errorf("%s with %d critical / %d high = %v, want %v",
				tc.policy.Name(), tc.critical, tc.high, got, tc.want)
		}
	}
}

func TestPolicyAllResolvedBlocksAnyPursuing(t *testing.T) {
	adj := model.Adjudication{
		Decisions: []model.AdjudicationDecision{
			{IssueID: "m-1", Severity: model.SeverityMedium, Status: model.IssuePursuing},
		},
	}
	adj.CountPursuing()
	if PolicyAllResolved.Approves(adj) {
		t.Fatalf("all_resolved approved with a pursuing MEDIUM issue")
	}
	if !PolicyNoCriticalOrHigh.Approves(adj) {
		t.Fatalf("default policy should tolerate pursuing MEDIUM")
	}
}

func TestPolicyByName(t *testing.T) {
	if p, err := PolicyByName(""); err != nil || p.Name() != "no_critical_or_high" {
		t.Fatalf("empty name: %v %s", err, p.Name())
	}
	if _, err := PolicyByName("lenient"); err == nil {
		t.Fatalf("unknown policy accepted")
	}
}

func TestTextSimilarity(t *testing.T) {
	if sim := TextSimilarity("The  Quick Brown Fox", "the quick brown fox"); sim != 1.0 {
		t.Fatalf("normalized identical texts: %f", sim)
	}
	if sim := TextSimilarity("completely different content here", "zebra quantum flux"); sim > 0.5 {
		t.Fatalf("unrelated texts too similar: %f", sim)
	}
}

func TestDetectStagnationIdenticalMessages(t *testing.T) {
	tail := []Message{
		{Agent: "claude", Content: "we should use approach A"},
		{Agent: "codex", Content: "approach A seems right"},
		{Agent: "claude", Content: "we should use approach A"},
		{Agent: "codex", Content: "approach A seems right"},
	}
	if !DetectStagnation(tail, []string{"claude", "codex"}, StagnationThreshold) {
		t.Fatalf("identical repeated messages should stagnate")
	}
}

func TestDetectStagnationOneAgentMoved(t *testing.T) {
	tail := []Message{
		{Agent: "claude", Content: "we should use approach A"},
		{Agent: "codex", Content: "approach A seems right"},
		{Agent: "claude", Content: "actually, approach B solves the auth problem much better"},
		{Agent: "codex", Content: "approach A seems right"},
	}
	if DetectStagnation(tail, []string{"claude", "codex"}, StagnationThreshold) {
		t.Fatalf("one agent changed position, not stagnant")
	}
}

func TestDetectStagnationSingleAgentNever(t *testing.T) {
	tail := []Message{
		{Agent: "claude", Content: "same thing"},
		{Agent: "claude", Content: "same thing"},
	}
	if DetectStagnation(tail, []string{"claude"}, StagnationThreshold) {
		t.Fatalf("single agent must never stagnate")
	}
}

func TestDetectStagnationNeedsTwoAgentsWithHistory(t *testing.T) {
	tail := []Message{
		{Agent: "claude", Content: "same thing"},
		{Agent: "claude", Content: "same thing"},
		{Agent: "codex", Content: "only one message"},
	}
	if DetectStagnation(tail, []string{"claude", "codex"}, StagnationThreshold) {
		t.Fatalf("only one agent has history, not stagnant")
	}
}

func TestCheckConsensusExplicitAgreement(t *testing.T) {
	envelopes := map[string]model.Envelope{
		"claude": {Status: model.StatusOK, Message: "plan looks good", AgreesWith: []string{"codex"}},
		"codex":  {Status: model.StatusOK, Message: "different words entirely"},
	}
	if !CheckConsensus(envelopes, 2) {
		t.Fatalf("explicit agreement should reach consensus")
	}
}

func TestCheckConsensusErrorVetoes(t *testing.T) {
	envelopes := map[string]model.Envelope{
		"claude": {Status: model.StatusOK, Message: "agreed", AgreesWith: []string{"codex"}},
		"codex":  {Status: model.StatusError, Message: "parse failed"},
	}
	if CheckConsensus(envelopes, 2) {
		t.Fatalf("error envelope must veto consensus")
	}
}

func TestCheckConsensusSimilarityFallback(t *testing.T) {
	envelopes := map[string]model.Envelope{
		"claude": {Status: model.StatusOK, Message: "the final plan is to migrate the database first"},
		"codex":  {Status: model.StatusOK, Message: "the final plan is to migrate the database first."},
	}
	if !CheckConsensus(envelopes, 2) {
		t.Fatalf("near-identical messages should reach consensus")
	}
}

func TestCheckConsensusAgreementWithAbsentAgent(t *testing.T) {
	envelopes := map[string]model.Envelope{
		"claude": {Status: model.StatusOK, Message: "x", AgreesWith: []string{"gemini"}},
		"codex":  {Status: model.StatusOK, Message: "entirely unrelated message about tests"},
	}
	// gemini is not a current participant, so the union is just claude.
	if CheckConsensus(envelopes, 2) {
		t.Fatalf("agreement with an absent agent should not count")
	}
}

func TestThrashTrackerEscalatesAtThreshold(t *testing.T) {
	set := func(ids ...string) map[string]struct{} {
		m := make(map[string]struct{})
		for _, id := range ids {
			m[id] = struct{}{}
		}
		return m
	}
	tracker := NewThrashTracker()

	// Iteration 1 -> 2: first overlap. Logged, not chronic.
	tracker.Update(set("tone-001"), set("tone-001", "cite-002"))
	if chronic := tracker.Chronic(2); len(chronic) != 0 {
		t.Fatalf("chronic too early: %v", chronic)
	}

	// Iteration 2 -> 3: second overlap crosses the threshold.
	tracker.Update(set("tone-001", "cite-002"), set("tone-001"))
	chronic := tracker.Chronic(2)
	if len(chronic) != 1 || chronic[0] != "tone-001" {
		t.Fatalf("chronic = %v, want [tone-001]", chronic)
	}
}

func TestValidateRefinement(t *testing.T) {
	base := "one two three four five six seven eight nine ten"
	if err := ValidateRefinement(base, base, DefaultMaxSizeChangePct); err == nil {
		t.Fatalf("identical artifact accepted")
	}
	if err := ValidateRefinement(base, base+" eleven twelve thirteen fourteen fifteen", DefaultMaxSizeChangePct); err == nil {
		t.Fatalf("50%% growth accepted")
	}
	if err := ValidateRefinement(base, "one two three four five six seven eight nine TEN!", DefaultMaxSizeChangePct); err != nil {
		t.Fatalf("small edit rejected: %v", err)
	}
	if err := ValidateRefinement("", "anything at all", DefaultMaxSizeChangePct); err != nil {
		t.Fatalf("first generation rejected: %v", err)
	}
}

// The concrete scenario: constraint tone routes to [a, b]; a passes, b finds
// one HIGH issue with disposition CONTINUE; adjudication pursues it, so the
// default policy yields REWRITE and the bill of work references the issue.
func TestHighPursuingYieldsRewrite(t *testing.T) {
	tone := model.Constraint{ID: "tone", Priority: 5, Agents: []string{"a", "b"}}
	agents, _ := Route(tone, nil, []string{"a", "b"})
	if len(agents) != 2 {
		t.Fatalf("routing broke: %v", agents)
	}

	cfg := DispositionConfig{Default: BehaviorTable{
		Critical: model.DispositionHalt,
		High:     model.DispositionContinue,
		Medium:   model.DispositionContinue,
		Low:      model.DispositionIgnore,
	}}
	if d := ResolveDisposition(tone, model.SeverityHigh, cfg); d != model.DispositionContinue {
		t.Fatalf("disposition = %s", d)
	}

	adj := model.Adjudication{
		Status: model.AdjudicationRewrite,
		Decisions: []model.AdjudicationDecision{
			{IssueID: "tone-001", Constraint: "tone", Severity: model.SeverityHigh,
				Status: model.IssuePursuing, FlaggedBy: []string{"b"}},
		},
		BillOfWork: "Address tone-001: neutralize the marketing language in section 2.",
	}
	adj.CountPursuing()
	if PolicyNoCriticalOrHigh.Approves(adj) {
		t.Fatalf("HIGH pursuing must block approval")
	}
	if adj.HighPursuing != 1 {
		t.Fatalf("high pursuing = %d", adj.HighPursuing)
	}
}
