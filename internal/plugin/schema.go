package plugin

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

var (
	manifestSchema = sync.OnceValues(func() (*jschema.Schema, error) {
		data, err := GenerateSchema()
		if err != nil {
			return nil, err
		}
		return compileSchema("manifest.json", data)
	})
	windowSchema = sync.OnceValues(func() (*jschema.Schema, error) {
		data, err := GenerateWindowSchema()
		if err != nil {
			return nil, err
		}
		return compileSchema("window.json", data)
	})
)

// GenerateSchema generates a JSON Schema from the Manifest struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := r.Reflect(&Manifest{})

	// Add schema metadata
	schema.ID = jsonschema.ID(GetSchemaID())
	schema.Title = "Plugin Host Plugin Manifest"
	schema.Description = "Schema for plugin.yaml manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("plugin").Wrapf(err, "failed to marshal schema")
	}
	return data, nil
}

// GenerateWindowSchema generates the JSON Schema a plugin window export must
// satisfy. Route nodes are recursive, so definitions are referenced rather
// than inlined. Unknown properties are allowed so plugins can carry extra
// route data the host ignores.
func GenerateWindowSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(&Window{})
	schema.ID = jsonschema.ID(GetWindowSchemaID())
	schema.Title = "Plugin Host Plugin Window"
	schema.Description = "Shape of the 'plugin' export of a plugin entrypoint"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("plugin").Wrapf(err, "failed to marshal window schema")
	}
	return data, nil
}

func compileSchema(name string, data []byte) (*jschema.Schema, error) {
	var schemaData any
	if err := json.Unmarshal(data, &schemaData); err != nil {
		return nil, oops.In("plugin").Wrapf(err, "failed to parse schema JSON")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(name, schemaData); err != nil {
		return nil, oops.In("plugin").Wrapf(err, "failed to add schema resource")
	}

	sch, err := c.Compile(name)
	if err != nil {
		return nil, oops.In("plugin").Wrapf(err, "failed to compile schema")
	}
	return sch, nil
}

// ValidateSchema validates YAML data against the plugin manifest JSON Schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return manifestError().Errorf("manifest data is empty")
	}

	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return manifestError().Wrapf(err, "invalid YAML")
	}

	sch, err := manifestSchema()
	if err != nil {
		return err
	}

	if err := sch.Validate(convertToJSONTypes(yamlData)); err != nil {
		return manifestError().Wrapf(err, "schema validation failed")
	}
	return nil
}

// DecodeWindow validates an evaluated window export and decodes it. A nil
// export yields the empty window. Empty collections count as absent, since
// an entrypoint cannot tell an empty list from an empty map.
func DecodeWindow(export any) (Window, error) {
	if export == nil {
		return Window{}, nil
	}

	data := dropEmpty(convertToJSONTypes(export))
	if _, ok := data.(map[string]any); !ok {
		if isEmptyCollection(data) {
			return Window{}, nil
		}
		return Window{}, oops.In("plugin").Code("INVALID_WINDOW").
			Errorf("plugin export must be a table, got %T", export)
	}

	sch, err := windowSchema()
	if err != nil {
		return Window{}, err
	}
	if err := sch.Validate(data); err != nil {
		return Window{}, oops.In("plugin").Code("INVALID_WINDOW").
			Hint(FormatSchemaError(err)).Wrapf(err, "plugin export does not match the window shape")
	}

	raw, err := sonic.Marshal(data)
	if err != nil {
		return Window{}, oops.In("plugin").Code("INVALID_WINDOW").Wrapf(err, "encode window")
	}
	var w Window
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return Window{}, oops.In("plugin").Code("INVALID_WINDOW").Wrapf(err, "decode window")
	}
	return w, nil
}

// convertToJSONTypes converts YAML- or Lua-derived data to JSON-compatible
// types, recursing into nested structures.
func convertToJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = convertToJSONTypes(v)
		}
		return result
	case map[any]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			if s, ok := k.(string); ok {
				result[s] = convertToJSONTypes(v)
			}
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = convertToJSONTypes(v)
		}
		return result
	case string, bool, int, int64, float64, nil:
		return val
	default:
		// For other types, try to convert via JSON round-trip
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}

// dropEmpty removes map entries whose values are empty collections.
func dropEmpty(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			item = dropEmpty(item)
			if isEmptyCollection(item) {
				delete(val, k)
				continue
			}
			val[k] = item
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = dropEmpty(item)
		}
		return val
	default:
		return val
	}
}

func isEmptyCollection(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	default:
		return false
	}
}

// GetSchemaID returns the schema $id for use in plugin.yaml files.
func GetSchemaID() string {
	return "https://holomush.dev/schemas/pluginhost/plugin.schema.json"
}

// GetWindowSchemaID returns the $id of the window schema.
func GetWindowSchemaID() string {
	return "https://holomush.dev/schemas/pluginhost/window.schema.json"
}

// FormatSchemaError formats a schema validation error for display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if _, after, found := strings.Cut(msg, "schema validation failed: "); found {
		msg = after
	}
	return msg
}
