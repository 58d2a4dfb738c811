package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

type ParameterType string

const (
	ParameterTypeString  ParameterType = "string"
	ParameterTypeNumber  ParameterType = "number"
	ParameterTypeBoolean ParameterType = "boolean"
)

// Parameter is one typed field of a script's parameter schema
type Parameter struct {
	Name        string        `yaml:"name" json:"name"`
	Type        ParameterType `yaml:"type" json:"type"`
	Title       string        `yaml:"title" json:"title,omitempty"`
	Description string        `yaml:"description" json:"description,omitempty"`
	Required    bool          `yaml:"required" json:"required"`
	Default     any           `yaml:"default" json:"default,omitempty"`
	Options     []string      `yaml:"options" json:"options,omitempty"`
}

// CaptureSpec lists what a run should collect for its bundle
type CaptureSpec struct {
	Paths []string `yaml:"paths" json:"paths,omitempty"`
	Env   []string `yaml:"env" json:"env,omitempty"`
}

// Manifest describes a runnable script
type Manifest struct {
	ID            string      `yaml:"id" json:"id"`
	Name          string      `yaml:"name" json:"name"`
	Description   string      `yaml:"description" json:"description"`
	Repo          string      `yaml:"repo" json:"repo,omitempty"`
	Path          string      `yaml:"path" json:"path"`
	DefaultRunner Backend     `yaml:"default_runner" json:"default_runner,omitempty"`
	Parameters    []Parameter `yaml:"parameters" json:"parameters"`
	Capture       CaptureSpec `yaml:"capture" json:"capture"`
}

// ParameterSchema is the submit-time contract of a script
type ParameterSchema struct {
	Parameters []Parameter `json:"parameters"`
	Capture    CaptureSpec `json:"capture"`
}

// Schema returns the manifest's parameter schema
func (m *Manifest) Schema() *ParameterSchema {
	params := m.Parameters
	if params == nil {
		params = []Parameter{}
	}
	return &ParameterSchema{Parameters: params, Capture: m.Capture}
}

// Normalize validates params against the schema and returns a copy with defaults filled in.
// A schema without parameters accepts anything.
func (s *ParameterSchema) Normalize(params map[string]any) (map[string]any, error) {
	out := maps.Clone(params)
	if out == nil {
		out = map[string]any{}
	}
	if len(s.Parameters) == 0 {
		return out, nil
	}

	known := make(map[string]struct{}, len(s.Parameters))
	for _, p := range s.Parameters {
		known[p.Name] = struct{}{}
		v, ok := out[p.Name]
		if !ok || v == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, fmt.Errorf("%w: parameter %q is required", ErrInvalidArgument, p.Name)
			}
			continue
		}
		coerced, err := p.coerce(v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}

	for name := range out {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrInvalidArgument, name)
		}
	}
	return out, nil
}

func (p Parameter) coerce(v any) (any, error) {
	switch p.Type {
	case ParameterTypeNumber:
		switch n := v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return n, nil
		case json.Number:
			return n.Float64()
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: parameter %q must be a number", ErrInvalidArgument, p.Name)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%w: parameter %q must be a number", ErrInvalidArgument, p.Name)

	case ParameterTypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("%w: parameter %q must be a boolean", ErrInvalidArgument, p.Name)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("%w: parameter %q must be a boolean", ErrInvalidArgument, p.Name)

	default:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q must be a string", ErrInvalidArgument, p.Name)
		}
		if len(p.Options) > 0 && !slices.Contains(p.Options, str) {
			return nil, fmt.Errorf("%w: parameter %q must be one of %v", ErrInvalidArgument, p.Name, p.Options)
		}
		return str, nil
	}
}
