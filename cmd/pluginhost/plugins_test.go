// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { configFile = "" })

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPluginsList_Table(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "reports", reportsManifest, reportsEntry)
	writePlugin(t, dir, "metrics", "name: metrics\nversion: 0.2.0\ndev:\n  port: 5174\n", reportsEntry)

	out, err := runCLI(t, "plugins", "list", "--plugins-dir", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "metrics")
	assert.Contains(t, out, "5174")
	assert.Contains(t, out, "reports")
	assert.Contains(t, out, "Usage reports")
	assert.Less(t, bytes.Index([]byte(out), []byte("metrics")), bytes.Index([]byte(out), []byte("reports")), "sorted by name")
}

func TestPluginsList_JSON(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "reports", reportsManifest, reportsEntry)

	out, err := runCLI(t, "plugins", "list", "--plugins-dir", dir, "--json")
	require.NoError(t, err)

	var rows []installedPlugin
	require.NoError(t, sonic.UnmarshalString(out, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "reports", rows[0].Name)
	assert.Equal(t, "1.0.0", rows[0].Version)
}

func TestPluginsList_Empty(t *testing.T) {
	out, err := runCLI(t, "plugins", "list", "--plugins-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No plugins installed")
}

func TestPluginsValidate(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "reports", reportsManifest, reportsEntry)
	writePlugin(t, dir, "broken", "name: broken\nversion: 1.0.0\n", `return {`)

	out, err := runCLI(t, "plugins", "validate", "--plugins-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, out, "ok   reports (1 routes)")
	assert.Contains(t, out, "FAIL broken")

	out, err = runCLI(t, "plugins", "validate", "--plugins-dir", dir, "reports")
	require.NoError(t, err)
	assert.NotContains(t, out, "broken")

	_, err = runCLI(t, "plugins", "validate", "--plugins-dir", dir, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
}
