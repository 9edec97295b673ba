// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package host wires the plugin runtime together and serves it: the host
// router that mounts plugin routes, the plugin render boundary, the asset
// server for installed bundles and the editor schema API.
package host

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/config"
	"github.com/holomush/pluginhost/internal/devwatch"
	"github.com/holomush/pluginhost/internal/editorschema"
	"github.com/holomush/pluginhost/internal/eventbus"
	"github.com/holomush/pluginhost/internal/extension"
	"github.com/holomush/pluginhost/internal/hotreload"
	"github.com/holomush/pluginhost/internal/loader"
	"github.com/holomush/pluginhost/internal/modsys"
	"github.com/holomush/pluginhost/internal/modsys/luaeval"
	"github.com/holomush/pluginhost/internal/observability"
	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/registry"
	"github.com/holomush/pluginhost/internal/shared"
	"github.com/holomush/pluginhost/pkg/errutil"
)

// ManifestConnection is the connection id manifest-declared schemas are
// registered under.
const ManifestConnection = "manifest"

// DefaultVersion is reported when no host version is configured.
var DefaultVersion = semver.MustParse("0.1.0")

// Host is the plugin host.
type Host struct {
	cfg     config.Config
	version *semver.Version
	logger  *slog.Logger
	metrics *observability.Metrics

	fetcher     modsys.Fetcher
	sessionsFn  hotreload.SessionFactory
	scheduler   editorschema.Scheduler
	ownSched    *editorschema.LoopScheduler
	extraShared []shared.Entry

	navigator  *Navigator
	sessions   *sessionTable
	manager    *plugin.Manager
	shared     *shared.Registry
	modules    *modsys.System
	loader     *loader.Loader
	extensions *extension.Registry
	routes     *registry.Registry
	bus        *eventbus.Bus
	reloads    *hotreload.Controller
	surface    *editorschema.MemorySurface
	schemas    *editorschema.Registry
	watcher    *devwatch.Watcher

	mu       sync.RWMutex
	failures map[string]error

	ready  atomic.Bool
	closed atomic.Bool
}

// Option configures a Host.
type Option func(*Host)

// WithVersion sets the host version plugin manifests are checked against.
func WithVersion(v *semver.Version) Option {
	return func(h *Host) {
		h.version = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		h.logger = l
	}
}

// WithMetrics records runtime metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithFetcher replaces the HTTP fetcher used for entrypoints the host does
// not serve itself.
func WithFetcher(f modsys.Fetcher) Option {
	return func(h *Host) {
		h.fetcher = f
	}
}

// WithScheduler sets the editor schema flush scheduler.
func WithScheduler(s editorschema.Scheduler) Option {
	return func(h *Host) {
		h.scheduler = s
	}
}

// WithSessionFactory sets how backend sessions are opened for mounted
// plugins.
func WithSessionFactory(f hotreload.SessionFactory) Option {
	return func(h *Host) {
		h.sessionsFn = f
	}
}

// WithSharedDependency adds a shared dependency next to the host's own.
func WithSharedDependency(e shared.Entry) Option {
	return func(h *Host) {
		h.extraShared = append(h.extraShared, e)
	}
}

// New builds the host. The import map is registered with the module system
// here, before anything can import a plugin.
func New(cfg config.Config, opts ...Option) (*Host, error) {
	h := &Host{
		cfg:       cfg,
		version:   DefaultVersion,
		logger:    slog.Default(),
		navigator: &Navigator{},
		sessions:  newSessionTable(),
		failures:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sessionsFn == nil {
		h.sessionsFn = h.sessions.open
	}

	h.manager = plugin.NewManager(cfg.PluginsDir,
		plugin.WithHostVersion(h.version),
		plugin.WithDevMode(cfg.Dev, cfg.DevHost))

	entries, err := h.sharedEntries()
	if err != nil {
		return nil, err
	}
	h.shared, err = shared.NewRegistry(entries,
		shared.WithLogger(h.logger),
		shared.WithMetrics(h.metrics))
	if err != nil {
		return nil, oops.In("host").Wrap(err)
	}

	if h.fetcher == nil {
		h.fetcher = modsys.NewHTTPFetcher(
			modsys.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout}),
			modsys.WithRetries(uint64(cfg.FetchRetries), 100*time.Millisecond)) //nolint:gosec // validated non-negative
	}
	h.modules = modsys.New(
		newLocalFetcher(cfg.Origin, h.manager, h.fetcher),
		luaeval.NewEvaluator(0),
		modsys.WithCacheSize(cfg.ModuleCacheSize),
		modsys.WithMetrics(h.metrics),
		modsys.WithLogger(h.logger))

	imports, err := modsys.BuildImportMap(h.modules, h.shared)
	if err != nil {
		return nil, oops.In("host").Wrap(err)
	}

	h.extensions = extension.NewRegistry()
	h.routes = registry.New()
	h.routes.SetBoundary(http.HandlerFunc(h.renderPlugin), h.renderRetryPage)

	h.loader = loader.New(h.modules, imports, h.extensions,
		loader.WithOrigin(cfg.Origin),
		loader.WithDevHost(cfg.DevHost),
		loader.WithDevReadiness(h.manager, 10, 100*time.Millisecond),
		loader.WithBuiltin(CorePluginID, coreExports()),
		loader.WithMetrics(h.metrics),
		loader.WithLogger(h.logger))

	h.bus = eventbus.New(h.logger)
	h.reloads = hotreload.New(h.bus, h.loader, reloadWindows{h},
		hotreload.WithSessionFactory(h.sessionsFn),
		hotreload.WithMetrics(h.metrics),
		hotreload.WithLogger(h.logger))

	if h.scheduler == nil {
		h.ownSched = editorschema.NewLoopScheduler(cfg.EditorFlushDelay)
		h.scheduler = h.ownSched
	}
	h.surface = editorschema.NewMemorySurface()
	h.schemas = editorschema.New(h.surface, h.scheduler,
		editorschema.WithLogger(h.logger),
		editorschema.WithMetrics(h.metrics))

	return h, nil
}

// Start resolves the shared dependencies, loads every installed plugin and,
// in dev mode, starts watching plugin sources. A plugin that fails to load
// stays mounted behind its retry page; it never fails Start.
func (h *Host) Start(ctx context.Context) error {
	if err := h.shared.ResolveAll(ctx); err != nil {
		return oops.In("host").Wrap(err)
	}

	installed, err := h.manager.Discover(ctx)
	if err != nil {
		return oops.In("host").Wrap(err)
	}

	for _, id := range h.loader.Builtins() {
		h.loadPlugin(ctx, plugin.Descriptor{PluginID: id})
	}
	for _, dp := range installed {
		h.loadPlugin(ctx, dp.Descriptor(h.manager.DevMode()))
		h.registerManifestSchemas(dp)
	}

	if h.cfg.Dev && h.cfg.DevWatch {
		if err := h.startWatcher(installed); err != nil {
			errutil.LogError(h.logger, "dev watcher unavailable", err)
		}
	}

	h.ready.Store(true)
	h.logger.Info("plugin host started",
		"plugins", len(installed),
		"builtins", len(h.loader.Builtins()),
		"dev", h.cfg.Dev)
	return nil
}

func (h *Host) loadPlugin(ctx context.Context, desc plugin.Descriptor) {
	window, err := h.loader.ImportPluginWindow(ctx, desc)
	if err != nil {
		h.setFailure(desc.PluginID, err)
		errutil.LogError(h.logger.With("plugin", desc.PluginID), "plugin failed to load", err)
	} else {
		h.clearFailure(desc.PluginID)
		h.routes.RegisterPlugin(desc.PluginID, window)
	}

	if _, err := h.reloads.Mount(ctx, desc); err != nil {
		errutil.LogError(h.logger.With("plugin", desc.PluginID), "plugin mount failed", err)
	}
}

func (h *Host) startWatcher(installed []*plugin.DiscoveredPlugin) error {
	w, err := devwatch.New(h.bus, h.cfg.DevDebounce, devwatch.WithLogger(h.logger))
	if err != nil {
		return err //nolint:wrapcheck // devwatch errors carry their code
	}
	h.watcher = w
	for _, dp := range installed {
		if dp.Manifest.Dev == nil {
			continue
		}
		if err := w.Add(dp.Manifest.Name, dp.Dir, dp.Manifest.Dev.Watch); err != nil {
			errutil.LogError(h.logger, "watching plugin failed", err)
		}
	}
	return nil
}

// registerManifestSchemas contributes the schemas a manifest declares. File
// schemas are read from the plugin directory; unreadable ones are skipped.
func (h *Host) registerManifestSchemas(dp *plugin.DiscoveredPlugin) {
	if len(dp.Manifest.Schemas) == 0 {
		return
	}
	var contribs []editorschema.Contribution
	for _, s := range dp.Manifest.Schemas {
		base := editorschema.Contribution{
			ResourceKey: s.ResourceKey,
			URI:         s.URI,
			URL:         s.URL,
			Language:    editorschema.Language(s.Language),
		}
		if s.URL == "" {
			content, err := readPluginFile(dp.Dir, s.File)
			if err != nil {
				h.logger.Warn("skipping manifest schema", "plugin", dp.Manifest.Name, "file", s.File, "error", err)
				continue
			}
			base.Content = content
		}
		if len(s.FileMatch) == 0 {
			contribs = append(contribs, base)
			continue
		}
		for _, fm := range s.FileMatch {
			c := base
			c.FileMatch = fm
			contribs = append(contribs, c)
		}
	}
	h.schemas.Register(dp.Manifest.Name, ManifestConnection, contribs)
}

func readPluginFile(dir, rel string) ([]byte, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(rel))
	data, err := os.ReadFile(filepath.Join(dir, clean)) //nolint:gosec // confined to the plugin directory
	if err != nil {
		return nil, oops.In("host").With("file", rel).Wrap(err)
	}
	return data, nil
}

// Descriptor returns the load descriptor for a builtin or installed plugin.
func (h *Host) Descriptor(pluginID string) (plugin.Descriptor, error) {
	if h.loader.IsBuiltin(pluginID) {
		return plugin.Descriptor{PluginID: pluginID}, nil
	}
	return h.manager.Descriptor(pluginID) //nolint:wrapcheck // carries PLUGIN_NOT_FOUND
}

// Retry re-runs the loader for one plugin. A mounted plugin is reloaded in
// place and moves to its next generation on success.
func (h *Host) Retry(ctx context.Context, pluginID string) error {
	desc, err := h.Descriptor(pluginID)
	if err != nil {
		return err
	}
	inst, ok := h.reloads.Get(pluginID)
	if !ok {
		h.loadPlugin(ctx, desc)
		return h.Failure(pluginID)
	}
	if err := inst.Reload(ctx); err != nil {
		h.setFailure(pluginID, err)
		return err //nolint:wrapcheck // reload errors propagate unchanged
	}
	return nil
}

// RequestReload publishes a reload notification for pluginID, as a plugin
// backend does after it restarts.
func (h *Host) RequestReload(ctx context.Context, pluginID string) error {
	if _, err := h.Descriptor(pluginID); err != nil {
		return err
	}
	if h.loader.IsBuiltin(pluginID) {
		return oops.In("host").Code("BUILTIN_PLUGIN").With("plugin", pluginID).
			Errorf("builtin plugin %s cannot be reloaded", pluginID)
	}
	if _, err := h.bus.Publish(ctx, hotreload.ReloadTopic, hotreload.ReloadPayload{ID: pluginID}); err != nil {
		return oops.In("host").With("plugin", pluginID).Wrap(err)
	}
	return nil
}

// Unload unmounts a plugin and drops everything it registered.
func (h *Host) Unload(pluginID string) error {
	desc, err := h.Descriptor(pluginID)
	if err != nil {
		return err
	}
	h.reloads.Unmount(pluginID)
	h.routes.UnregisterPlugin(pluginID)
	h.extensions.RemovePlugin(pluginID)
	h.schemas.UnregisterPlugin(pluginID)
	h.loader.ClearPlugin(desc)
	h.clearFailure(pluginID)
	h.logger.Info("plugin unloaded", "plugin", pluginID)
	return nil
}

// Failure returns the error that keeps pluginID behind its retry page.
func (h *Host) Failure(pluginID string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.failures[pluginID]
}

func (h *Host) setFailure(pluginID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[pluginID] = err
}

func (h *Host) clearFailure(pluginID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, pluginID)
}

// reloadWindows commits a reloaded window: routes and extensions together,
// then lifts the plugin's failure.
type reloadWindows struct {
	h *Host
}

func (w reloadWindows) RegisterPlugin(pluginID string, window plugin.Window) registry.Entry {
	w.h.loader.RegisterExtensions(pluginID, window)
	entry := w.h.routes.RegisterPlugin(pluginID, window)
	w.h.clearFailure(pluginID)
	return entry
}

// Ready reports whether shared dependencies are resolved and the initial
// plugin load finished.
func (h *Host) Ready() bool {
	return h.ready.Load() && h.shared.Ready()
}

// Routes returns the plugin registry.
func (h *Host) Routes() *registry.Registry { return h.routes }

// Extensions returns the extension registry.
func (h *Host) Extensions() *extension.Registry { return h.extensions }

// Reloads returns the hot-reload controller.
func (h *Host) Reloads() *hotreload.Controller { return h.reloads }

// Schemas returns the editor schema registry.
func (h *Host) Schemas() *editorschema.Registry { return h.schemas }

// Surface returns the editor surface schemas are pushed to.
func (h *Host) Surface() *editorschema.MemorySurface { return h.surface }

// Bus returns the event bus reload notifications travel on.
func (h *Host) Bus() *eventbus.Bus { return h.bus }

// Navigator returns the navigation log of the shared router.
func (h *Host) Navigator() *Navigator { return h.navigator }

// Close stops watching, unmounts every plugin and stops the event bus.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.ready.Store(false)
	var err error
	if h.watcher != nil {
		err = h.watcher.Close()
	}
	h.reloads.Close()
	h.bus.Close()
	if h.ownSched != nil {
		h.ownSched.Close()
	}
	return err //nolint:wrapcheck // devwatch errors carry their context
}
