package flowline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFile is the on-disk authoring format for workflow definitions.
// The graph itself lives under the definition key in the same node/edge
// schema the engine stores; YAML files are converted to canonical JSON text
// before parsing.
type DefinitionFile struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Definition  map[string]any `yaml:"definition" json:"definition"`
}

// LoadDefinitionFile reads a .yaml, .yml, or .json definition file.
func LoadDefinitionFile(path string) (*DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	var file DefinitionFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse yaml definition file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse json definition file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported definition file extension: %s", filepath.Ext(path))
	}
	if file.Name == "" {
		file.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if file.Definition == nil {
		return nil, fmt.Errorf("definition file %s has no definition section", path)
	}
	return &file, nil
}

// GraphJSON returns the graph section as JSON text, the form the lifecycle
// service and the execution engine consume.
func (f *DefinitionFile) GraphJSON() (string, error) {
	normalized, err := normalizeYAMLValue(f.Definition)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to marshal definition graph: %w", err)
	}
	return string(data), nil
}

// Graph parses and returns the graph section.
func (f *DefinitionFile) Graph() (*Graph, error) {
	text, err := f.GraphJSON()
	if err != nil {
		return nil, err
	}
	return ParseGraph(text)
}

// normalizeYAMLValue converts yaml.v3's map[any]any shapes into the
// map[string]any shapes encoding/json accepts.
func normalizeYAMLValue(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			normalized, err := normalizeYAMLValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			text, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v in definition graph", key)
			}
			normalized, err := normalizeYAMLValue(item)
			if err != nil {
				return nil, err
			}
			out[text] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			normalized, err := normalizeYAMLValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return v, nil
	}
}
