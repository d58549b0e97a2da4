package providers

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/resilience"
)

const extractionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["vendor", "invoice_number", "amount", "date"],
  "properties": {
    "vendor": {"type": "string", "minLength": 1},
    "invoice_number": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "minimum": 0},
    "currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "line_items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description", "amount"],
        "properties": {
          "description": {"type": "string"},
          "quantity": {"type": "number"},
          "unit_price": {"type": "number"},
          "amount": {"type": "number"}
        }
      }
    },
    "text": {"type": "string"}
  }
}`

var extractionSchema = jsonschema.MustCompileString("extraction.schema.json", extractionSchemaJSON)

// ValidateExtraction checks extraction output against the invoice schema.
// Violations classify as Fallback.
func ValidateExtraction(ext *model.ExtractedInvoice) error {
	if ext == nil {
		return resilience.NewFallback(eris.New("providers: empty extraction"))
	}
	b, err := json.Marshal(ext)
	if err != nil {
		return eris.Wrap(err, "providers: marshal extraction")
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return eris.Wrap(err, "providers: unmarshal extraction")
	}
	if err := extractionSchema.Validate(v); err != nil {
		return resilience.NewFallback(eris.Wrap(err, "providers: extraction does not match schema"))
	}
	return nil
}
