package tenants

import (
	"bytes"
	"encoding/json"
	"fmt"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed settings_schema.json
var settingsSchemaJSON []byte

var settingsSchema = mustCompileSettingsSchema()

func mustCompileSettingsSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://settld.dev/schemas/tenant-settings.json"
	if err := c.AddResource(url, bytes.NewReader(settingsSchemaJSON)); err != nil {
		panic(fmt.Sprintf("tenants: settings schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("tenants: settings schema compile failed: %v", err))
	}
	return compiled
}

// ValidatePatch checks a settings patch against the settings schema. The
// schema closes the object, so unrecognized keys are rejected rather than
// silently dropped.
func ValidatePatch(patchJSON []byte) error {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(patchJSON))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("tenants: settings patch is not valid JSON: %w", err)
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return fmt.Errorf("tenants: settings patch must be a JSON object")
	}
	if err := settingsSchema.Validate(doc); err != nil {
		return fmt.Errorf("tenants: %w", err)
	}
	return nil
}
