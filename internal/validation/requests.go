package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/postforge/postforge/pkg/schema"
)

// Per-tool JSON Schemas for MCP tool arguments, Draft 2020-12. Embedded as
// constants to avoid filesystem dependencies. The transport layer already
// enforces required strings; these schemas catch type and range errors and
// the cross-field rules (a modify decision needs a note) before any engine
// call runs.
const toolSchemasJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://postforge.dev/schemas/tools.json",
  "$defs": {
    "workflow_id": { "type": "string", "minLength": 1 },
    "run": {
      "type": "object",
      "required": ["query"],
      "properties": {
        "query": { "type": "string", "minLength": 1 },
        "async": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "status": {
      "type": "object",
      "required": ["workflow_id"],
      "properties": {
        "workflow_id": { "$ref": "#/$defs/workflow_id" },
        "filter": { "type": "string" }
      },
      "additionalProperties": false
    },
    "feedback": {
      "type": "object",
      "required": ["workflow_id", "draft_version", "decision"],
      "properties": {
        "workflow_id": { "$ref": "#/$defs/workflow_id" },
        "draft_version": { "type": "integer", "minimum": 1 },
        "decision": { "type": "string", "enum": ["approve", "reject", "modify"] },
        "note": { "type": "string" }
      },
      "if": {
        "properties": { "decision": { "const": "modify" } }
      },
      "then": {
        "required": ["note"],
        "properties": { "note": { "type": "string", "minLength": 1 } }
      },
      "additionalProperties": false
    },
    "confirm": {
      "type": "object",
      "required": ["workflow_id", "confirmed"],
      "properties": {
        "workflow_id": { "$ref": "#/$defs/workflow_id" },
        "confirmed": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "resume": {
      "type": "object",
      "required": ["workflow_id"],
      "properties": {
        "workflow_id": { "$ref": "#/$defs/workflow_id" }
      },
      "additionalProperties": false
    },
    "cancel": {
      "type": "object",
      "required": ["workflow_id"],
      "properties": {
        "workflow_id": { "$ref": "#/$defs/workflow_id" },
        "reason": { "type": "string" }
      },
      "additionalProperties": false
    },
    "schedule": {
      "type": "object",
      "properties": {
        "query": { "type": "string", "minLength": 1 },
        "cron": { "type": "string", "minLength": 1 },
        "schedule_id": { "type": "string", "minLength": 1 },
        "enabled": { "type": "boolean" },
        "remove": { "type": "boolean" }
      },
      "additionalProperties": false,
      "oneOf": [
        { "required": ["query", "cron"] },
        { "required": ["schedule_id"] }
      ]
    },
    "query": {
      "type": "object",
      "required": ["resource"],
      "properties": {
        "resource": { "type": "string", "enum": ["workflows", "events", "checkpoints", "drafts", "schedules"] },
        "filter": { "type": "object" },
        "jq": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// RequestValidator validates MCP tool arguments against the embedded
// per-tool JSON Schemas. Safe for concurrent use.
type RequestValidator struct {
	tools map[string]*jsonschema.Schema
}

// NewRequestValidator compiles the tool schemas.
func NewRequestValidator() (*RequestValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(toolSchemasJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal tool schemas: %w", err)
	}
	if err := c.AddResource("https://postforge.dev/schemas/tools.json", doc); err != nil {
		return nil, fmt.Errorf("add tool schema resource: %w", err)
	}

	tools := make(map[string]*jsonschema.Schema)
	for _, name := range []string{"run", "status", "feedback", "confirm", "resume", "cancel", "schedule", "query"} {
		compiled, err := c.Compile("https://postforge.dev/schemas/tools.json#/$defs/" + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		tools[name] = compiled
	}
	return &RequestValidator{tools: tools}, nil
}

// ValidateArgs validates the argument map for the named tool (the short
// name, without the "pipeline." prefix).
func (v *RequestValidator) ValidateArgs(tool string, args map[string]any) error {
	compiled, ok := v.tools[tool]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "no argument schema for tool %q", tool)
	}
	if args == nil {
		args = map[string]any{}
	}

	doc, err := toJSONValue(args)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize tool arguments").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toPipelineError(err)
	}
	return nil
}

// DynamicValidator compiles and caches caller-supplied JSON Schemas, for
// validating externally configured payloads such as webhook responses.
type DynamicValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewDynamicValidator creates an empty DynamicValidator.
func NewDynamicValidator() *DynamicValidator {
	return &DynamicValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks a document against a raw JSON Schema. An empty schema
// means no validation.
func (v *DynamicValidator) Validate(doc any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return toPipelineError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a
// new one.
func (v *DynamicValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("postforge://dynamic-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPipelineError converts a jsonschema.ValidationError into a
// VALIDATION_ERROR with one message per violated constraint.
func toPipelineError(err error) *schema.PipelineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
