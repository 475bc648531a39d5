package models

// JSONSchema represents a JSON Schema used to describe worker inputs,
// outputs, and configuration.
type JSONSchema struct {
	Type        string               `json:"type"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Property represents a JSON Schema property.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Default     any                  `json:"default,omitempty"`
	Format      string               `json:"format,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// HasProperty reports whether the schema declares the named property.
func (s *JSONSchema) HasProperty(name string) bool {
	if s == nil {
		return false
	}

	_, ok := s.Properties[name]

	return ok
}

// PropertyDefault returns the declared default for the named property, if any.
func (s *JSONSchema) PropertyDefault(name string) (any, bool) {
	if s == nil {
		return nil, false
	}

	p, ok := s.Properties[name]
	if !ok || p.Default == nil {
		return nil, false
	}

	return p.Default, true
}

// WorkerDefinition describes a registered worker type: the shape of the
// input it consumes, the output it produces, and its configuration.
type WorkerDefinition struct {
	Type         string      `json:"type"        validate:"required"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	InputSchema  *JSONSchema `json:"input_schema,omitempty"`
	OutputSchema *JSONSchema `json:"output_schema,omitempty"`
	ConfigSchema *JSONSchema `json:"config_schema,omitempty"`
}
