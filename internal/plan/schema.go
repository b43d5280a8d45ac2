package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// planSchemaJSON is the JSON Schema for PlanDocument validation.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://turnpike.dev/schemas/plan.json",
  "type": "object",
  "required": ["pattern", "agents", "entry_point"],
  "properties": {
    "pattern": {
      "type": "string",
      "minLength": 1
    },
    "agents": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "string",
        "minLength": 1
      }
    },
    "entry_point": {
      "type": "string",
      "minLength": 1
    },
    "skip_agents": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1
      }
    },
    "resume_query": {
      "type": "string"
    },
    "route": {
      "type": "string"
    },
    "route_locked": {
      "type": "boolean"
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false
}`

// DocumentValidator validates raw plan documents against the plan JSON
// Schema before they are normalized into plans. Safe for concurrent use.
type DocumentValidator struct {
	compiled *jsonschema.Schema
}

// NewDocumentValidator compiles the embedded plan schema.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://turnpike.dev/schemas/plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	compiled, err := c.Compile("https://turnpike.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &DocumentValidator{compiled: compiled}, nil
}

// Validate checks raw JSON against the plan schema.
func (v *DocumentValidator) Validate(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "plan document is not valid JSON").WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return toPipelineError(err)
	}
	return nil
}

// ParseDocument validates raw JSON and builds a Plan from it.
func (v *DocumentValidator) ParseDocument(raw []byte) (*Plan, error) {
	if err := v.Validate(raw); err != nil {
		return nil, err
	}
	var doc schema.PlanDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode plan document").WithCause(err)
	}
	return FromDocument(&doc)
}

// toPipelineError converts a jsonschema.ValidationError into a PipelineError
// with the leaf violations listed for planner-friendly error reporting.
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
		"plan document failed validation with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
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
