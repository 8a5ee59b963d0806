package engine

import (
	"fmt"

	"github.com/kingrea/arena/internal/model"
)

// ApprovalPolicy decides whether an adjudication verdict earns approval.
// The CRITICAL bar is enforced outside the policy and is never relaxable.
type ApprovalPolicy struct {
	name  string
	allow func(adj model.Adjudication) bool
}

// Name identifies the policy in logs and config.
func (p ApprovalPolicy) Name() string { return p.name }

// Approves reports whether the adjudication passes this policy. Any
// pursuing CRITICAL issue blocks approval under every policy.
func (p ApprovalPolicy) Approves(adj model.Adjudication) bool {
	if adj.CriticalPursuing > 0 {
		return false
	}
	return p.allow(adj)
}

// Built-in approval policies.
var (
	// PolicyNoCriticalOrHigh is the default: zero pursuing CRITICAL or
	// HIGH issues.
	PolicyNoCriticalOrHigh = ApprovalPolicy{
		name:  "no_critical_or_high",
		allow: func(adj model.Adjudication) bool { return adj.HighPursuing == 0 },
	}

	// PolicyNoCritical tolerates pursuing HIGH issues.
	PolicyNoCritical = ApprovalPolicy{
		name:  "no_critical",
		allow: func(model.Adjudication) bool { return true },
	}

	// PolicyAllResolved requires zero pursuing issues at any severity.
	PolicyAllResolved = ApprovalPolicy{
		name: "all_resolved",
		allow: func(adj model.Adjudication) bool {
			return len(adj.PursuingIssues()) == 0
		},
	}
)

// PolicyByName looks up a named approval policy. An empty name yields the
// default policy.
func PolicyByName(name string) (ApprovalPolicy, error) {
	switch name {
	case "", PolicyNoCriticalOrHigh.name:
		return PolicyNoCriticalOrHigh, nil
	case PolicyNoCritical.name:
		return PolicyNoCritical, nil
	case PolicyAllResolved.name:
		return PolicyAllResolved, nil
	}
	return ApprovalPolicy{}, fmt.Errorf("engine: unknown approval policy %q", name)
}
