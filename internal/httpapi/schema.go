package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const syncRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "customerId": {"type": "string", "minLength": 1, "maxLength": 255},
    "invoiceId":  {"type": "string", "minLength": 1, "maxLength": 255},
    "locationId": {"type": "string", "minLength": 1, "maxLength": 255},
    "pageSize":   {"type": "integer", "minimum": 1, "maximum": 100}
  }
}`

const notifyRequestSchema = `{
  "type": "object",
  "required": ["invoice"],
  "properties": {
    "invoice": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id":          {"type": "string", "minLength": 1},
        "amount_due":  {"type": "integer"},
        "amount_paid": {"type": "integer"},
        "currency":    {"type": "string"}
      }
    },
    "paymentUrl":     {"type": "string", "pattern": "^https?://"},
    "recipientEmail": {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+$"},
    "subject":        {"type": "string", "maxLength": 998},
    "customMessage":  {"type": "string", "maxLength": 10000}
  }
}`

// requestSchemas holds the compiled request body schemas keyed by name.
type requestSchemas map[string]*jsonschema.Schema

func compileSchemas() (requestSchemas, error) {
	sources := map[string]string{
		"sync.json":   syncRequestSchema,
		"notify.json": notifyRequestSchema,
	}
	compiler := jsonschema.NewCompiler()
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := requestSchemas{}
	for name := range sources {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}

func mustCompileSchemas() requestSchemas {
	schemas, err := compileSchemas()
	if err != nil {
		panic(err)
	}
	return schemas
}

// validate checks body against the named schema. An empty body is treated
// as an empty object.
func (s requestSchemas) validate(name string, body []byte) error {
	schema, ok := s[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return schema.Validate(inst)
}
