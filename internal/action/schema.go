package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const planSchemaURL = "warden://schema/plan.json"

// planSchema constrains the plan envelope only. Action types are not
// enumerated here: unknown types are a dispatch-time hard failure, and
// the configured allowlist can be narrower than the vocabulary.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["actions"],
  "properties": {
    "plan_id": {"type": "string"},
    "actions": {
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
	planSchemaOnce     sync.Once
	planSchemaCompiled *jsonschema.Schema
	planSchemaErr      error
)

func compiledPlanSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(planSchemaURL, strings.NewReader(planSchema)); err != nil {
			planSchemaErr = fmt.Errorf("failed to load plan schema: %w", err)
			return
		}
		planSchemaCompiled, planSchemaErr = c.Compile(planSchemaURL)
	})
	return planSchemaCompiled, planSchemaErr
}

// ValidatePlan checks raw JSON against the plan envelope schema.
func ValidatePlan(raw []byte) error {
	schema, err := compiledPlanSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("plan failed schema validation: %w", err)
	}
	return nil
}
