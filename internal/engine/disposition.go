package engine

import (
	"strings"

	"github.com/kingrea/arena/internal/model"
)

// BehaviorTable maps each severity to a disposition.
type BehaviorTable struct {
	Critical model.Disposition `yaml:"critical"`
	High     model.Disposition `yaml:"high"`
	Medium   model.Disposition `yaml:"medium"`
	Low      model.Disposition `yaml:"low"`
}

// DefaultBehavior is the built-in disposition table.
func DefaultBehavior() BehaviorTable {
	return BehaviorTable{
		Critical: model.DispositionHalt,
		High:     model.DispositionHalt,
		Medium:   model.DispositionContinue,
		Low:      model.DispositionIgnore,
	}
}

// BehaviorFromMap builds a table from a severity-keyed map (keys are
// case-insensitive, as are the disposition values). Unknown or missing
// entries fall back to the built-in defaults.
func BehaviorFromMap(m map[model.Severity]model.Disposition) BehaviorTable {
	table := DefaultBehavior()
	for sev, disp := range m {
		d := model.Disposition(strings.ToUpper(string(disp)))
		if !d.Valid() {
			continue
		}
		switch model.Severity(strings.ToUpper(string(sev))) {
		case model.SeverityCritical:
			table.Critical = d
		case model.SeverityHigh:
			table.High = d
		case model.SeverityMedium:
			table.Medium = d
		case model.SeverityLow:
			table.Low = d
		}
	}
	return table
}

// For returns the disposition for one severity.
func (t BehaviorTable) For(severity model.Severity) model.Disposition {
	switch severity {
	case model.SeverityCritical:
		return t.Critical
	case model.SeverityHigh:
		return t.High
	case model.SeverityMedium:
		return t.Medium
	case model.SeverityLow:
		return t.Low
	}
	return model.DispositionContinue
}

// DispositionConfig carries the configured behavior layers.
type DispositionConfig struct {
	Default       BehaviorTable
	PerConstraint map[string]BehaviorTable
}

// ResolveDisposition decides what to do with an issue of the given severity
// found against the given constraint. Resolution order: the constraint's own
// behavior override, then the per-constraint configuration entry, then the
// configured default table.
func ResolveDisposition(c model.Constraint, severity model.Severity, cfg DispositionConfig) model.Disposition {
	if len(c.Behavior) > 0 {
		return BehaviorFromMap(c.Behavior).For(severity)
	}
	if table, ok := cfg.PerConstraint[c.ID]; ok {
		return table.For(severity)
	}
	return cfg.Default.For(severity)
}
