package audit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// overrideSchemaJSON gates authority-override payloads. An override that
// enters the chain without its operator, justification, and risk
// acknowledgment is unusable in review, so the gate runs before the append.
const overrideSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "override_id",
    "operator_id",
    "operator_tier",
    "target",
    "original_decision",
    "override_decision",
    "justification",
    "citation",
    "risk_acknowledged",
    "timestamp",
    "session_id",
    "source_ip"
  ],
  "properties": {
    "override_id": {"type": "string", "minLength": 1},
    "operator_id": {"type": "string", "minLength": 1},
    "operator_tier": {"type": "string", "enum": ["L1", "L2", "L3", "ADMIN"]},
    "target": {"type": "string", "minLength": 1},
    "original_decision": {"type": "string", "minLength": 1},
    "override_decision": {"type": "string", "minLength": 1},
    "justification": {"type": "string", "minLength": 10},
    "citation": {"type": "string", "minLength": 1},
    "risk_acknowledged": {"type": "boolean", "const": true},
    "timestamp": {"type": "string"},
    "session_id": {"type": "string", "minLength": 1},
    "source_ip": {"type": "string", "minLength": 1}
  }
}`

var overrideSchema = jsonschema.MustCompileString("override-payload.json", overrideSchemaJSON)

// validateOverridePayload checks payload against the override schema.
func validateOverridePayload(payload map[string]any) error {
	if payload == nil {
		return fmt.Errorf("override payload is required")
	}
	if err := overrideSchema.Validate(normalizePayload(payload)); err != nil {
		return fmt.Errorf("override payload rejected: %w", err)
	}
	return nil
}

// normalizePayload converts payload into the plain JSON types the schema
// validator expects. Callers build payloads in Go, not from decoded JSON, so
// non-JSON scalar types show up and must be coerced.
func normalizePayload(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = normalizePayload(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = normalizePayload(v)
		}
		return out
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	default:
		return typed
	}
}

// schemaErrorDetail flattens a validation error into one line for logging.
func schemaErrorDetail(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		var parts []string
		for _, cause := range ve.BasicOutput().Errors {
			if cause.Error != "" {
				parts = append(parts, cause.Error)
			}
		}
		return strings.Join(parts, "; ")
	}
	return err.Error()
}
