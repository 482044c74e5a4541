// Package prompt selects the system prompt injected ahead of a conversation.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

type promptFile struct {
	Default string            `yaml:"default"`
	Models  map[string]string `yaml:"models"`
}

// Builder maps a model id to its system prompt. It is immutable and safe for
// concurrent use.
type Builder struct {
	fallback string
	models   map[string]string
}

// NewBuilder returns a builder with the built in prompts.
func NewBuilder() (*Builder, error) {
	return Parse(defaultPrompts)
}

// Load reads prompts from a YAML file, using the built in prompts when path is empty.
func Load(path string) (*Builder, error) {
	if path == "" {
		return NewBuilder()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML prompt file with a required default prompt and optional
// per-model prompts.
func Parse(data []byte) (*Builder, error) {
	var file promptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}

	if strings.TrimSpace(file.Default) == "" {
		return nil, fmt.Errorf("default prompt is required")
	}

	b := &Builder{
		fallback: strings.TrimSpace(file.Default),
		models:   make(map[string]string, len(file.Models)),
	}
	for id, text := range file.Models {
		b.models[id] = strings.TrimSpace(text)
	}

	return b, nil
}

// Build returns the system prompt for modelID, falling back to the default prompt.
func (b *Builder) Build(modelID string) string {
	if text, ok := b.models[modelID]; ok && text != "" {
		return text
	}
	return b.fallback
}
