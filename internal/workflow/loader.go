package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// definitionFile is the on-disk shape of a workflow file: the step list
// under a workflow key, matching the config schema.
type definitionFile struct {
	Workflow []Step `yaml:"workflow"`
}

// ParseDefinitionYAML decodes and validates a workflow definition from YAML
// bytes. Accepts either a bare step list or a document with a workflow key.
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("workflow: definition payload is empty")
	}
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Workflow) > 0 {
		return NewDefinition(file.Workflow)
	}
	var steps []Step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return NewDefinition(steps)
}

// LoadDefinitionReader reads a workflow definition from an io.Reader.
func LoadDefinitionReader(r io.Reader) (*Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a workflow definition from a file path.
func LoadDefinitionFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return def, nil
}
