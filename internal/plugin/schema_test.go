package plugin_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/pkg/errutil"
)

func TestValidateSchema_ValidManifest(t *testing.T) {
	yaml := `
name: kubernetes
version: 1.0.0
dev:
  port: 5173
schemas:
  - resource-key: k8s.pod
    uri: https://schemas.example.com/pod.json
    url: https://schemas.example.com/pod.json
    language: yaml
`
	if err := plugin.ValidateSchema([]byte(yaml)); err != nil {
		t.Errorf("ValidateSchema() error = %v, want nil", err)
	}
}

func TestValidateSchema_NameTooLong(t *testing.T) {
	yaml := "name: " + strings.Repeat("a", 65) + "\nversion: 1.0.0\n"
	if err := plugin.ValidateSchema([]byte(yaml)); err == nil {
		t.Error("ValidateSchema() expected error for name exceeding 64 chars")
	}
}

func TestValidateSchema_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "version: 1.0.0"},
		{"missing version", "name: kube"},
		{"schema missing language", "name: kube\nversion: 1.0.0\nschemas:\n  - resource-key: k\n    uri: u"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := plugin.ValidateSchema([]byte(tt.yaml)); err == nil {
				t.Error("ValidateSchema() expected error")
			}
		})
	}
}

func TestValidateSchema_InvalidLanguage(t *testing.T) {
	yaml := "name: kube\nversion: 1.0.0\nschemas:\n  - resource-key: k\n    uri: u\n    language: toml"
	err := plugin.ValidateSchema([]byte(yaml))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
}

func TestValidateSchema_EmptyInput(t *testing.T) {
	if err := plugin.ValidateSchema(nil); err == nil {
		t.Error("ValidateSchema(nil) expected error")
	}
}

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, plugin.GetSchemaID(), schema["$id"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "name")
	assert.Contains(t, props, "dev")
	assert.Contains(t, props, "schemas")
}

func TestGenerateWindowSchema(t *testing.T) {
	data, err := plugin.GenerateWindowSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), plugin.GetWindowSchemaID())
	assert.Contains(t, string(data), "RouteNode")
	assert.Contains(t, string(data), "extensionPointId")
}

func TestDecodeWindow_Valid(t *testing.T) {
	export := map[string]any{
		"routes": []any{
			map[string]any{"path": "/pods", "component": "PodList", "children": []any{
				map[string]any{"index": true, "component": "PodIndex"},
				map[string]any{"path": ":name", "component": "PodDetail", "handle": "crumb"},
			}},
		},
		"extensions": []any{
			map[string]any{"extensionPointId": "sidebar.item", "payload": map[string]any{"label": "Pods"}},
		},
	}

	w, err := plugin.DecodeWindow(export)
	require.NoError(t, err)
	require.Len(t, w.Routes, 1)
	assert.Equal(t, "/pods", w.Routes[0].Path)
	require.Len(t, w.Routes[0].Children, 2)
	assert.True(t, w.Routes[0].Children[0].Index)
	assert.Equal(t, ":name", w.Routes[0].Children[1].Path)
	require.Len(t, w.Extensions, 1)
	assert.Equal(t, "sidebar.item", w.Extensions[0].ExtensionPointID)
	assert.Equal(t, map[string]any{"label": "Pods"}, w.Extensions[0].Payload)
}

func TestDecodeWindow_EmptyDefaults(t *testing.T) {
	for name, export := range map[string]any{
		"nil":         nil,
		"empty table": []any{},
		"empty map":   map[string]any{},
		"empty lists": map[string]any{"routes": []any{}, "extensions": []any{}},
	} {
		t.Run(name, func(t *testing.T) {
			w, err := plugin.DecodeWindow(export)
			require.NoError(t, err)
			assert.Empty(t, w.Routes)
			assert.Empty(t, w.Extensions)
		})
	}
}

func TestDecodeWindow_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		export any
	}{
		{"not a table", "hello"},
		{"routes not a list", map[string]any{"routes": "nope"}},
		{"route path not a string", map[string]any{"routes": []any{map[string]any{"path": 42.0}}}},
		{"extension without point id", map[string]any{"extensions": []any{map[string]any{"payload": "x"}}}},
		{"children not a list", map[string]any{"routes": []any{map[string]any{"path": "a", "children": true}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.DecodeWindow(tt.export)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "INVALID_WINDOW")
		})
	}
}

func TestFormatSchemaError(t *testing.T) {
	assert.Empty(t, plugin.FormatSchemaError(nil))
	assert.Equal(t, "missing name", plugin.FormatSchemaError(errString("schema validation failed: missing name")))
	assert.Equal(t, "other", plugin.FormatSchemaError(errString("other")))
}

type errString string

func (e errString) Error() string { return string(e) }
