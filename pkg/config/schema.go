package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema produces a JSON schema for the config document, used by
// the `codeloom schema` command and by editor integrations.
func GenerateSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	schema := reflector.Reflect(&Config{})
	schema.Title = "Codeloom Configuration"
	schema.Description = "Configuration schema for the codeloom agent runtime"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
