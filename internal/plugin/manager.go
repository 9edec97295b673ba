package plugin

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// Manager discovers installed plugins and answers questions about them.
type Manager struct {
	pluginsDir  string
	hostVersion *semver.Version
	devMode     bool
	devHost     string
	installed   map[string]*DiscoveredPlugin
	mu          sync.RWMutex
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithHostVersion sets the version manifests' host constraints are checked
// against.
func WithHostVersion(v *semver.Version) ManagerOption {
	return func(m *Manager) {
		m.hostVersion = v
	}
}

// WithDevMode makes plugins that declare a dev server load from it.
func WithDevMode(enabled bool, host string) ManagerOption {
	return func(m *Manager) {
		m.devMode = enabled
		m.devHost = host
	}
}

// NewManager creates a plugin manager.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		devHost:    "localhost",
		installed:  make(map[string]*DiscoveredPlugin),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// Descriptor returns the load descriptor for the plugin. Dev mode applies
// only when enabled and the manifest declares a dev server.
func (p *DiscoveredPlugin) Descriptor(devMode bool) Descriptor {
	d := Descriptor{
		PluginID:   p.Manifest.Name,
		ModuleHash: p.Manifest.Integrity,
	}
	if devMode && p.Manifest.Dev != nil {
		d.DevMode = true
		d.DevPort = p.Manifest.Dev.Port
	}
	return d
}

// Discover finds all valid plugins in the plugins directory.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No plugins directory
		}
		return nil, oops.In("plugin").With("dir", m.pluginsDir).Wrapf(err, "failed to read plugins directory")
	}

	var plugins []*DiscoveredPlugin
	seen := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		dp, err := LoadDir(pluginDir)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		if seen[dp.Manifest.Name] {
			slog.Warn("skipping plugin with duplicate name",
				"dir", entry.Name(),
				"plugin", dp.Manifest.Name)
			continue
		}

		if !dp.Manifest.CompatibleWith(m.hostVersion) {
			slog.Warn("skipping plugin incompatible with host",
				"plugin", dp.Manifest.Name,
				"constraint", dp.Manifest.Host,
				"host_version", m.hostVersion.String())
			continue
		}

		seen[dp.Manifest.Name] = true
		plugins = append(plugins, dp)
	}

	sort.Slice(plugins, func(i, j int) bool {
		return plugins[i].Manifest.Name < plugins[j].Manifest.Name
	})

	m.mu.Lock()
	m.installed = make(map[string]*DiscoveredPlugin, len(plugins))
	for _, dp := range plugins {
		m.installed[dp.Manifest.Name] = dp
	}
	m.mu.Unlock()

	return plugins, nil
}

// LoadDir reads and validates the manifest in dir.
func LoadDir(dir string) (*DiscoveredPlugin, error) {
	manifestPath := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
	if err != nil {
		return nil, manifestError().With("path", manifestPath).Wrapf(err, "read manifest")
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, oops.With("path", manifestPath).Wrap(err)
	}
	return &DiscoveredPlugin{Manifest: manifest, Dir: dir}, nil
}

// Get returns an installed plugin found by the last Discover.
func (m *Manager) Get(id string) (*DiscoveredPlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dp, ok := m.installed[id]
	return dp, ok
}

// Descriptor returns the load descriptor for an installed plugin.
func (m *Manager) Descriptor(id string) (Descriptor, error) {
	dp, ok := m.Get(id)
	if !ok {
		return Descriptor{}, oops.In("plugin").Code("PLUGIN_NOT_FOUND").With("plugin", id).Errorf("plugin %s is not installed", id)
	}
	return dp.Descriptor(m.devMode), nil
}

// Descriptors returns descriptors for every installed plugin, sorted by id.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Descriptor, 0, len(m.installed))
	for _, dp := range m.installed {
		out = append(out, dp.Descriptor(m.devMode))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// ListPlugins returns names of all installed plugins.
func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.installed))
	for name := range m.installed {
		names = append(names, name)
	}

	// Sort for deterministic output
	sort.Strings(names)
	return names
}

// DevMode reports whether dev mode is enabled.
func (m *Manager) DevMode() bool {
	return m.devMode
}

// DevHost returns the host dev servers listen on.
func (m *Manager) DevHost() string {
	return m.devHost
}

// DevServerReady reports whether the dev server for desc accepts
// connections.
func (m *Manager) DevServerReady(ctx context.Context, desc Descriptor) error {
	if !desc.DevMode {
		return nil
	}
	addr := net.JoinHostPort(m.devHost, strconv.Itoa(desc.DevPort))

	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return oops.In("plugin").Code("DEV_SERVER_UNAVAILABLE").
			With("plugin", desc.PluginID).With("addr", addr).Wrap(err)
	}
	_ = conn.Close()
	return nil
}
