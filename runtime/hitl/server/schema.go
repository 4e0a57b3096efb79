package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// continuationSchemaURL identifies the continuation schema resource. It is
// absolute so the compiler never resolves it against the working directory.
const continuationSchemaURL = "https://goa.design/hitl/continuation.json"

// continuationSchema describes the body of POST /api/continuation.
const continuationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "run_id": {"type": "string"},
    "approvals": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "tool_results": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "tool": {"type": "string"},
          "state": {"type": "string"},
          "errorText": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

// compileSchema compiles a JSON schema document.
func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal([]byte(doc), &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validate decodes body as a JSON instance and validates it against schema.
func validate(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(inst)
}
