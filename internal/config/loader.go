package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// decode parses data as JSON or YAML. The format is determined by the file
// extension in path, or defaults to YAML if the path is empty or has an
// unknown extension.
func decode(data []byte, path string, out any) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// LoadSettings reads process settings from a file. Defaults and environment
// overrides are not applied.
func LoadSettings(path string) (*Settings, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := decode(data, path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseFlock parses and validates a single flock document.
func ParseFlock(data []byte, path string) (*FlockConfig, error) {
	if err := ValidateFlockSchema(data, path); err != nil {
		return nil, err
	}
	var c FlockConfig
	if err := decode(data, path, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFlock reads a single flock document from a file.
func LoadFlock(path string) (*FlockConfig, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFlock(data, path)
}

// LoadFlocks reads an autostart file holding a list of flock documents.
func LoadFlocks(path string) ([]FlockConfig, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var raw []any
	if err := decode(data, path, &raw); err != nil {
		return nil, err
	}

	result := make([]FlockConfig, 0, len(raw))
	names := make(map[string]bool, len(raw))
	for i, item := range raw {
		doc, err := json.Marshal(normalize(item))
		if err != nil {
			return nil, fmt.Errorf("flock %d: %w", i, err)
		}
		c, err := ParseFlock(doc, "autostart.json")
		if err != nil {
			return nil, fmt.Errorf("flock %d: %w", i, err)
		}
		if names[c.Name] {
			return nil, fmt.Errorf("flock %d: duplicate flock name %s", i, c.Name)
		}
		names[c.Name] = true
		result = append(result, *c)
	}
	return result, nil
}

// ParseSolitary parses and validates a solitary document.
func ParseSolitary(data []byte, path string) (*SolitaryConfig, error) {
	var c SolitaryConfig
	if err := decode(data, path, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadSolitary reads a solitary document from a file.
func LoadSolitary(path string) (*SolitaryConfig, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSolitary(data, path)
}

// normalize converts YAML-decoded values into JSON-compatible ones.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
