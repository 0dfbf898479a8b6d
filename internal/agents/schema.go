package agents

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Property is one config field's schema
type Property struct {
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Minimum     *float64      `json:"minimum,omitempty"`
	Maximum     *float64      `json:"maximum,omitempty"`
	Items       *Property     `json:"items,omitempty"`
}

// ConfigSchema is the JSON-schema-shaped config spec an agent type declares
type ConfigSchema struct {
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ApplyDefaults fills missing config fields from schema defaults, returning a
// copy; the caller's map is not mutated.
func (s ConfigSchema) ApplyDefaults(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config)+len(s.Properties))
	for k, v := range config {
		out[k] = v
	}
	for name, prop := range s.Properties {
		if _, set := out[name]; !set && prop.Default != nil {
			out[name] = prop.Default
		}
	}
	return out
}

// document renders the schema as a standard JSON Schema object
func (s ConfigSchema) document() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	for name, prop := range s.Properties {
		props[name] = prop
	}
	doc := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	return doc
}

// Validate checks a config map against the schema. Call after ApplyDefaults
// so defaulted fields satisfy required.
func (s ConfigSchema) Validate(config map[string]interface{}) error {
	if len(s.Properties) == 0 && len(s.Required) == 0 {
		return nil
	}

	// Round-trip both sides through JSON so numeric types normalize the way
	// the validator expects.
	schemaJSON, err := json.Marshal(s.document())
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var payload any
	if err := json.Unmarshal(configJSON, &payload); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

func floatPtr(v float64) *float64 { return &v }
