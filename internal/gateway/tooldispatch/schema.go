package tooldispatch

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// Dialect is the bounded schema interpreter named by the "dynamic
// schema validation" design note: object/array/string/number/enum/
// required, nothing beyond that. It is built atop invopop/jsonschema's
// Schema type rather than implementing a parallel schema
// representation, since that is the one schema-document library
// present anywhere in the pack.
type Dialect struct {
	schema *jsonschema.Schema
}

// NewDialect wraps a pre-built jsonschema.Schema (a tool's registered
// parameter schema) for validation.
func NewDialect(schema *jsonschema.Schema) *Dialect {
	return &Dialect{schema: schema}
}

// Validate checks args against the dialect's bounded rule set. It does
// not attempt full JSON-Schema compliance (no $ref, no oneOf/anyOf,
// no format validators) — only what spec §9 bounds: object/array/
// string/number/enum/required.
func (d *Dialect) Validate(args map[string]interface{}) error {
	if d.schema == nil {
		return nil
	}
	for _, name := range d.schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	if d.schema.Properties == nil {
		return nil
	}
	for name, value := range args {
		propSchema, ok := d.schema.Properties.Get(name)
		if !ok {
			continue // unknown fields tolerated, not rejected
		}
		if err := validateValue(name, value, propSchema); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, value interface{}, prop *jsonschema.Schema) error {
	if prop == nil {
		return nil
	}
	if len(prop.Enum) > 0 {
		for _, allowed := range prop.Enum {
			if allowed == value {
				return nil
			}
		}
		return fmt.Errorf("field %q: value not in enum", name)
	}
	switch prop.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field %q: expected string", name)
		}
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("field %q: expected number", name)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return fmt.Errorf("field %q: expected array", name)
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Errorf("field %q: expected object", name)
		}
	}
	return nil
}
