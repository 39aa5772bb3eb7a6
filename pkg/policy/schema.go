package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// bundleSchema validates the decoded YAML bundle before it can become the
// active policy set. An invalid bundle never replaces the current snapshot.
const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "name", "policies"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "policies": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["platform", "class"],
        "properties": {
          "platform": {"enum": ["windows", "darwin", "linux"]},
          "class": {"type": "string", "minLength": 1},
          "must_sign": {"type": "boolean"},
          "cert_chain_required": {"type": "boolean"},
          "whql_required": {"type": "boolean"},
          "notarized": {"type": "boolean"},
          "gpg_signed": {"type": "boolean"},
          "allowed_signers": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "min_driver_version": {"type": "string"},
          "expression": {"type": "string"},
          "on_noncompliant": {
            "type": "array",
            "items": {"enum": ["quarantine", "notify", "ticket"]}
          }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var (
	compiledSchema     *jsonschema.Schema
	compileSchemaOnce  sync.Once
	compileSchemaError error
)

func schema() (*jsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://drivergate.schemas.local/policy-bundle.schema.json"
		if err := c.AddResource(url, strings.NewReader(bundleSchema)); err != nil {
			compileSchemaError = fmt.Errorf("policy: schema load failed: %w", err)
			return
		}
		compiledSchema, compileSchemaError = c.Compile(url)
	})
	return compiledSchema, compileSchemaError
}

// validateBundle checks a decoded bundle document against the JSON Schema.
// The value is round-tripped through encoding/json so that the validator
// sees JSON-native types regardless of how YAML decoded it.
func validateBundle(doc any) error {
	s, err := schema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("policy: bundle not JSON-representable: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("policy: bundle re-decode failed: %w", err)
	}

	if err := s.Validate(generic); err != nil {
		return fmt.Errorf("policy: bundle schema validation failed: %w", err)
	}
	return nil
}
