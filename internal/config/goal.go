package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// goalFile is the YAML shape of goal.yaml.
type goalFile struct {
	Goal    string `yaml:"goal"`
	Profile string `yaml:"profile,omitempty"`
	Source  struct {
		Files  []string `yaml:"files,omitempty"`
		Globs  []string `yaml:"globs,omitempty"`
		Inline string   `yaml:"inline,omitempty"`
	} `yaml:"source,omitempty"`
}

// Goal is the loaded run goal plus any source material it references.
// Profile optionally names a config overlay this goal wants applied; an
// explicitly requested profile takes precedence over it.
type Goal struct {
	Text     string
	Profile  string
	Source   string
	Warnings []string
}

// LoadGoal reads the goal for a run rooted at dir. goal.yaml is preferred;
// goal.md with an optional source.md beside it is the legacy layout.
// Referenced source files that are missing produce warnings, not errors.
func LoadGoal(dir string) (*Goal, error) {
	yamlPath := filepath.Join(dir, "goal.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		return loadGoalYAML(dir, data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
	}

	mdPath := filepath.Join(dir, "goal.md")
	text, err := os.ReadFile(mdPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config: no goal.yaml or goal.md in %s", dir)
		}
		return nil, fmt.Errorf("config: read %s: %w", mdPath, err)
	}
	g := &Goal{Text: strings.TrimSpace(string(text))}
	if g.Text == "" {
		return nil, fmt.Errorf("config: %s is empty", mdPath)
	}
	if src, err := os.ReadFile(filepath.Join(dir, "source.md")); err == nil {
		g.Source = string(src)
	}
	return g, nil
}

func loadGoalYAML(dir string, data []byte) (*Goal, error) {
	var gf goalFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("config: parse goal.yaml: %w", err)
	}
	g := &Goal{Text: strings.TrimSpace(gf.Goal), Profile: strings.TrimSpace(gf.Profile)}
	if g.Text == "" {
		return nil, fmt.Errorf("config: goal.yaml has no goal text")
	}

	var parts []string
	if gf.Source.Inline != "" {
		parts = append(parts, gf.Source.Inline)
	}
	paths := append([]string(nil), gf.Source.Files...)
	for _, pattern := range gf.Source.Globs {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			g.Warnings = append(g.Warnings, fmt.Sprintf("bad source glob %q: %v", pattern, err))
			continue
		}
		for _, m := range matches {
			rel, err := filepath.Rel(dir, m)
			if err != nil {
				rel = m
			}
			paths = append(paths, rel)
		}
	}
	for _, p := range paths {
		content, err := os.ReadFile(filepath.Join(dir, p))
		if err != nil {
			g.Warnings = append(g.Warnings, fmt.Sprintf("source file %s: %v", p, err))
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", p, string(content)))
	}
	g.Source = strings.Join(parts, "\n\n")
	return g, nil
}
