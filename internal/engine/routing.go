// Package engine holds the critique/adjudication decision logic: which
// agents critique which constraints, what happens to issues of each
// severity, when an artifact is approved, and when a run is going nowhere
// (thrashing, stagnation) or has converged (consensus).
package engine

import (
	"path"

	"github.com/kingrea/arena/internal/model"
)

// DefaultAgents is the built-in critic set used when no routing
// configuration says otherwise.
var DefaultAgents = []string{"claude", "codex", "gemini"}

// RoutingRule routes constraints whose id matches a glob pattern.
type RoutingRule struct {
	Match  string   `yaml:"match"`
	Agents []string `yaml:"agents"`
}

// PriorityRule routes constraints whose priority falls in [Min, Max].
type PriorityRule struct {
	Min    int      `yaml:"min"`
	Max    int      `yaml:"max"`
	Agents []string `yaml:"agents"`
}

// Routing is the constraint-to-agent routing configuration.
type Routing struct {
	DefaultAgents []string       `yaml:"default_agents"`
	Rules         []RoutingRule  `yaml:"rules"`
	PriorityRules []PriorityRule `yaml:"priority_routing"`
}

// Route resolves which agents should critique a constraint. Resolution
// order: the constraint's own agent list, then the first matching glob
// rule, then the first matching priority range, then the configured
// default set, then the built-in default. The result is filtered to
// agents actually available; removed names are returned so the caller can
// log them.
func Route(c model.Constraint, routing *Routing, available []string) (agents, removed []string) {
	switch {
	case len(c.Agents) > 0:
		agents = c.Agents
	case routing == nil:
		agents = DefaultAgents
	default:
		agents = routing.resolve(c)
	}

	if len(available) == 0 {
		return agents, nil
	}
	avail := make(map[string]struct{}, len(available))
	for _, a := range available {
		avail[a] = struct{}{}
	}
	var kept []string
	for _, a := range agents {
		if _, ok := avail[a]; ok {
			kept = append(kept, a)
		} else {
			removed = append(removed, a)
		}
	}
	return kept, removed
}

func (r *Routing) resolve(c model.Constraint) []string {
	for _, rule := range r.Rules {
		if ok, err := path.Match(rule.Match, c.ID); err == nil && ok {
			return rule.Agents
		}
	}
	for _, pr := range r.PriorityRules {
		if pr.Min <= c.Priority && c.Priority <= pr.Max {
			return pr.Agents
		}
	}
	if len(r.DefaultAgents) > 0 {
		return r.DefaultAgents
	}
	return DefaultAgents
}
