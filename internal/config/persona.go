package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPersona looks up personas/<name>.md under localDir first, then
// globalDir, and returns the document body with any YAML frontmatter
// stripped. Either directory may be empty to skip that tier.
func LoadPersona(localDir, globalDir, name string) (string, error) {
	if !ValidName.MatchString(name) {
		return "", fmt.Errorf("config: invalid persona name %q", name)
	}
	for _, dir := range []string{localDir, globalDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name+".md")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("config: read persona %s: %w", path, err)
		}
		return stripFrontmatter(string(data)), nil
	}
	return "", fmt.Errorf("config: persona %q not found", name)
}

// LoadPersonas resolves the agent -> persona-name table into agent ->
// persona-body. A missing persona is an error: a silently absent role
// document would change an agent's behavior without any signal.
func LoadPersonas(localDir, globalDir string, table map[string]string) (map[string]string, error) {
	if len(table) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(table))
	for agent, name := range table {
		body, err := LoadPersona(localDir, globalDir, name)
		if err != nil {
			return nil, fmt.Errorf("config: agent %s: %w", agent, err)
		}
		out[agent] = body
	}
	return out, nil
}

// stripFrontmatter drops a leading YAML frontmatter block, keeping the
// markdown body.
func stripFrontmatter(doc string) string {
	if !strings.HasPrefix(doc, "---\n") {
		return strings.TrimSpace(doc)
	}
	rest := doc[len("---\n"):]
	if idx := strings.Index(rest, "\n---"); idx >= 0 {
		body := rest[idx+len("\n---"):]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		} else {
			body = ""
		}
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(doc)
}
