package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	reportsManifest = "name: reports\nversion: 1.0.0\ndescription: Usage reports\n"
	reportsEntry    = `return { plugin = { routes = { { index = true, id = "reports.home", component = "Reports" } } } }`
)

// writePlugin installs a plugin with the given manifest and entrypoint.
func writePlugin(t *testing.T, dir, id, manifest, entry string) {
	t.Helper()
	pluginDir := filepath.Join(dir, id)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(manifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "entry.lua"), []byte(entry), 0o600))
}
