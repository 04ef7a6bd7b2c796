package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/namel3ss/n3flow/expr"
)

// schemaCache compiles each tool's response schema once and reuses it.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks data against the tool's response schema. The payload is
// round-tripped through JSON so schema keywords see canonical JSON values.
func (c *schemaCache) validate(toolName string, schema map[string]any, data any) error {
	compiled, err := c.compile(toolName, schema)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(expr.ToJSONSafe(data))
	if err != nil {
		return fmt.Errorf("encode tool output: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode tool output: %w", err)
	}
	return compiled.Validate(doc)
}

func (c *schemaCache) compile(toolName string, schema map[string]any) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.compiled[toolName]; ok {
		return compiled, nil
	}
	raw, err := json.Marshal(expr.ToJSONSafe(schema))
	if err != nil {
		return nil, fmt.Errorf("encode response schema for tool '%s': %w", toolName, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode response schema for tool '%s': %w", toolName, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := toolName + "-response.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add response schema for tool '%s': %w", toolName, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile response schema for tool '%s': %w", toolName, err)
	}
	c.compiled[toolName] = compiled
	return compiled, nil
}
