package agent

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// ParamSchema reflects a tool's parameter struct into the JSON schema
// published to models. Fields are optional unless tagged
// jsonschema:"required"; descriptions and bounds come from the same
// tag, so one struct drives both the schema and the decode.
func ParamSchema(v any) json.RawMessage {
	r := jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
