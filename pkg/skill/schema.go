package skill

import (
	"encoding/json"

	invopop "github.com/invopop/jsonschema"
)

// SchemaFor generates a JSON schema from a Go struct, for typed local
// skills. The schema is inlined (no $defs indirection) so providers can
// consume it directly as a tool parameter schema.
func SchemaFor(v any) map[string]any {
	reflector := &invopop.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	// The version marker is noise in a tool parameter schema.
	delete(out, "$schema")
	return out
}

// toGenericJSON round-trips a value through encoding/json so typed Go
// values (int, []string, nested structs) become the generic shapes the
// schema validator expects.
func toGenericJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
