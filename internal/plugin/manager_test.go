// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/pkg/errutil"
)

// Helper functions for creating test fixtures with secure permissions.
func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

func installPlugin(t *testing.T, pluginsDir, dir, manifest string) {
	t.Helper()
	pluginDir := filepath.Join(pluginsDir, dir)
	mkdirAll(t, pluginDir)
	writeFile(t, filepath.Join(pluginDir, plugin.ManifestFile), []byte(manifest))
	writeFile(t, filepath.Join(pluginDir, "entry.lua"), []byte("return {}"))
}

func TestManager_Discover(t *testing.T) {
	pluginsDir := filepath.Join(t.TempDir(), "plugins")
	installPlugin(t, pluginsDir, "kubernetes", "name: kubernetes\nversion: 1.0.0\n")
	installPlugin(t, pluginsDir, "aws", "name: aws\nversion: 2.0.0\n")

	mgr := plugin.NewManager(pluginsDir)
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, found, 2)
	assert.Equal(t, "aws", found[0].Manifest.Name, "sorted by name")
	assert.Equal(t, filepath.Join(pluginsDir, "kubernetes"), found[1].Dir)
	assert.Equal(t, []string{"aws", "kubernetes"}, mgr.ListPlugins())
}

func TestManager_Discover_SkipsInvalidPlugins(t *testing.T) {
	pluginsDir := filepath.Join(t.TempDir(), "plugins")
	installPlugin(t, pluginsDir, "valid", "name: valid\nversion: 1.0.0\n")
	installPlugin(t, pluginsDir, "invalid", "invalid: [")
	installPlugin(t, pluginsDir, "copy", "name: valid\nversion: 1.0.1\n")
	mkdirAll(t, filepath.Join(pluginsDir, "no-manifest"))
	writeFile(t, filepath.Join(pluginsDir, "not-a-plugin.txt"), []byte("hello"))

	mgr := plugin.NewManager(pluginsDir)
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Equal(t, []string{"valid"}, mgr.ListPlugins())
}

func TestManager_Discover_SkipsIncompatibleHost(t *testing.T) {
	pluginsDir := filepath.Join(t.TempDir(), "plugins")
	installPlugin(t, pluginsDir, "old", "name: old\nversion: 1.0.0\nhost: \"< 1.0.0\"\n")
	installPlugin(t, pluginsDir, "new", "name: new\nversion: 1.0.0\nhost: \">= 1.0.0\"\n")

	mgr := plugin.NewManager(pluginsDir, plugin.WithHostVersion(semver.MustParse("1.1.0")))
	_, err := mgr.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, mgr.ListPlugins())
}

func TestManager_Discover_NonExistentDirectory(t *testing.T) {
	mgr := plugin.NewManager(filepath.Join(t.TempDir(), "missing"))
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err, "Discover() should handle non-existent dir gracefully")
	assert.Empty(t, found)
}

func TestManager_Descriptors(t *testing.T) {
	pluginsDir := filepath.Join(t.TempDir(), "plugins")
	installPlugin(t, pluginsDir, "kubernetes", "name: kubernetes\nversion: 1.0.0\ndev:\n  port: 5173\n")
	installPlugin(t, pluginsDir, "aws", "name: aws\nversion: 1.0.0\nintegrity: sha256-abc\n")

	t.Run("production", func(t *testing.T) {
		mgr := plugin.NewManager(pluginsDir)
		_, err := mgr.Discover(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []plugin.Descriptor{
			{PluginID: "aws", ModuleHash: "sha256-abc"},
			{PluginID: "kubernetes"},
		}, mgr.Descriptors())
	})

	t.Run("dev mode", func(t *testing.T) {
		mgr := plugin.NewManager(pluginsDir, plugin.WithDevMode(true, "127.0.0.1"))
		_, err := mgr.Discover(context.Background())
		require.NoError(t, err)

		desc, err := mgr.Descriptor("kubernetes")
		require.NoError(t, err)
		assert.Equal(t, plugin.Descriptor{PluginID: "kubernetes", DevMode: true, DevPort: 5173}, desc)

		desc, err = mgr.Descriptor("aws")
		require.NoError(t, err)
		assert.False(t, desc.DevMode, "plugins without a dev server load normally")
		assert.True(t, mgr.DevMode())
		assert.Equal(t, "127.0.0.1", mgr.DevHost())
	})

	t.Run("unknown plugin", func(t *testing.T) {
		mgr := plugin.NewManager(pluginsDir)
		_, err := mgr.Descriptor("gcp")
		errutil.AssertErrorCode(t, err, "PLUGIN_NOT_FOUND")
	})
}

func TestManager_DevServerReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	mgr := plugin.NewManager(t.TempDir(), plugin.WithDevMode(true, "127.0.0.1"))
	desc := plugin.Descriptor{PluginID: "kubernetes", DevMode: true, DevPort: port}

	require.NoError(t, mgr.DevServerReady(context.Background(), desc))
	require.NoError(t, ln.Close())

	err = mgr.DevServerReady(context.Background(), desc)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "DEV_SERVER_UNAVAILABLE")

	assert.NoError(t, mgr.DevServerReady(context.Background(), plugin.Descriptor{PluginID: "aws"}))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	_, err := plugin.LoadDir(dir)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")

	writeFile(t, filepath.Join(dir, plugin.ManifestFile), []byte("name: aws\nversion: 1.0.0\n"))
	dp, err := plugin.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "aws", dp.Manifest.Name)
}
