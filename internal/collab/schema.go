package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const decisionSchemaURL = "warden://schema/decision.json"

// decisionSchema constrains the shape of a decision beyond the enum that
// Validate checks: fix actions must at least carry a type, or the
// executor would reject them one boundary too late.
const decisionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["decision"],
  "properties": {
    "decision": {"type": "string"},
    "reason": {"type": "string"},
    "fix_actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string", "minLength": 1},
          "params": {"type": "object"},
          "items": {"type": "array"}
        }
      }
    }
  }
}`

var (
	decisionSchemaOnce     sync.Once
	decisionSchemaCompiled *jsonschema.Schema
	decisionSchemaErr      error
)

func compiledDecisionSchema() (*jsonschema.Schema, error) {
	decisionSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(decisionSchemaURL, strings.NewReader(decisionSchema)); err != nil {
			decisionSchemaErr = fmt.Errorf("failed to load decision schema: %w", err)
			return
		}
		decisionSchemaCompiled, decisionSchemaErr = c.Compile(decisionSchemaURL)
	})
	return decisionSchemaCompiled, decisionSchemaErr
}

func validateDecisionJSON(raw []byte) error {
	schema, err := compiledDecisionSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: decision is not valid JSON: %v", ErrProtocol, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: decision failed schema validation: %v", ErrProtocol, err)
	}
	return nil
}
