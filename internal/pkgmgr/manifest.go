package pkgmgr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// manifestSchema constrains plugin.json. Unknown keys are allowed.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "main"],
  "properties": {
    "name":        {"type": "string", "minLength": 1},
    "version":     {"type": "string"},
    "description": {"type": "string"},
    "main":        {"type": "string", "minLength": 1},
    "preload":     {"type": "string"},
    "shortcut":    {"type": "string"}
  }
}`

const manifestSchemaURL = "mortis://plugin.json"

// Manifest is a plugin package's plugin.json.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Author      any    `json:"author,omitempty"`
	Main        string `json:"main"`
	Preload     string `json:"preload,omitempty"`
	Shortcut    string `json:"shortcut,omitempty"`

	// Raw is the document as read, including keys not modelled above.
	Raw json.RawMessage `json:"-"`
}

func compileManifestSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(manifestSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add manifest schema: %w", err)
	}
	return c.Compile(manifestSchemaURL)
}

// parseManifest validates data against the manifest schema and decodes it.
func parseManifest(schema *jsonschema.Schema, data []byte) (*Manifest, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return &m, nil
}
