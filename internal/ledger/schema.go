package ledger

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema pins the delivered body shape. Anything that fails here
// is permanently malformed and must be answered with a 4xx, never a 5xx,
// so the sender does not burn retry budget on it.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "outcome", "source_kind", "produced_at"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "outcome": {"type": "string", "enum": ["success", "failure"]},
    "non_anonymous_report_base64": {"type": "string"},
    "anonymous_report_base64": {"type": "string"},
    "non_anonymous_size": {"type": "integer", "minimum": 0},
    "anonymous_size": {"type": "integer", "minimum": 0},
    "non_anonymous_sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "anonymous_sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "user_id": {"type": ["integer", "null"]},
    "invoice_id": {"type": ["integer", "null"]},
    "external_ref": {"type": ["string", "null"]},
    "source_kind": {"type": "string", "enum": ["pdf", "images"]},
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {
        "code": {"type": "string", "enum": ["invalid_input", "processing_error", "timeout", "internal"]},
        "message": {"type": "string"}
      }
    },
    "produced_at": {"type": "string"}
  }
}`

var compiledEnvelopeSchema = jsonschema.MustCompileString("envelope.schema.json", envelopeSchema)

// validateEnvelope checks a decoded body against the envelope schema.
func validateEnvelope(doc any) error {
	return compiledEnvelopeSchema.Validate(doc)
}
