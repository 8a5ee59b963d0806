package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/arena/internal/model"
)

// LoadConstraints reads every constraint the config names: all *.yaml files in
// the dir (if set) plus the explicit file list. Results come back sorted by
// priority, ties broken by id so ordering is deterministic.
func LoadConstraints(baseDir string, spec ConstraintsSpec) ([]model.Constraint, error) {
	var paths []string
	if spec.Dir != "" {
		dir := spec.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("config: constraint dir %s: %w", dir, err)
		}
		sort.Strings(matches)
		paths = append(paths, matches...)
	}
	for _, f := range spec.Files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(baseDir, f)
		}
		paths = append(paths, f)
	}

	seen := make(map[string]string, len(paths))
	var out []model.Constraint
	for _, path := range paths {
		c, err := loadConstraint(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("config: constraint id %q defined in both %s and %s", c.ID, prev, path)
		}
		seen[c.ID] = path
		out = append(out, *c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func loadConstraint(path string) (*model.Constraint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read constraint %s: %w", path, err)
	}
	var c model.Constraint
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse constraint %s: %w", path, err)
	}
	if c.ID == "" {
		base := filepath.Base(path)
		c.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if len(c.Rules) == 0 {
		return nil, fmt.Errorf("config: constraint %s has no rules", path)
	}
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("config: constraint %s: rule %d has no id", path, i)
		}
		if r.Text == "" {
			return nil, fmt.Errorf("config: constraint %s: rule %s has no text", path, r.ID)
		}
	}
	c.SourcePath = path
	return &c, nil
}

// CompressConstraints renders the constraint set as a compact markdown
// summary for inclusion in generation prompts. Critics get the full
// constraint they own; the generator only needs this overview.
func CompressConstraints(constraints []model.Constraint) string {
	if len(constraints) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Constraints Summary\n")
	for _, c := range constraints {
		fmt.Fprintf(&b, "\n## %s (Priority %d)\n", c.ID, c.Priority)
		if c.Summary != "" {
			b.WriteString(c.Summary)
			b.WriteString("\n")
		}
		for _, r := range c.Rules {
			fmt.Fprintf(&b, "- [%s] %s\n", r.ID, r.Text)
		}
	}
	return b.String()
}
