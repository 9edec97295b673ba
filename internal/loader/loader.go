// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package loader imports plugin entrypoints through the module system and
// extracts the window each plugin exposes to the host.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/pluginhost/internal/modsys"
	"github.com/holomush/pluginhost/internal/observability"
	"github.com/holomush/pluginhost/internal/plugin"
)

// EntryFile is the entrypoint file name of every plugin bundle.
const EntryFile = "entry.lua"

// Modules is the module system surface the loader uses.
type Modules interface {
	Import(ctx context.Context, addr string) (*modsys.Module, error)
	Delete(addr string)
	SetIntegrity(addr, value string) error
	Integrity(addr string) (string, bool)
}

// Extensions receives the extension registrations of loaded windows.
type Extensions interface {
	ReplacePlugin(pluginID string, regs []plugin.ExtensionRegistration)
}

// DevReadiness reports whether a dev-mode plugin's dev server is up.
type DevReadiness interface {
	DevServerReady(ctx context.Context, desc plugin.Descriptor) error
}

// Loader imports plugins. It is safe for concurrent use; calls for the same
// plugin id are serialized.
type Loader struct {
	modules    Modules
	extensions Extensions
	imports    modsys.ImportMap

	origin   string
	devHost  string
	dev      DevReadiness
	devTries uint64
	devBase  time.Duration
	builtins map[string]*modsys.Module
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Loader.
type Option func(*Loader)

// WithOrigin sets the origin production entrypoints are served from.
func WithOrigin(origin string) Option {
	return func(l *Loader) {
		l.origin = strings.TrimRight(origin, "/")
	}
}

// WithDevHost sets the host dev-mode entrypoints are fetched from.
func WithDevHost(host string) Option {
	return func(l *Loader) {
		l.devHost = host
	}
}

// WithDevReadiness waits for dev servers before importing dev-mode plugins.
// Readiness is retried with exponential backoff starting at base.
func WithDevReadiness(d DevReadiness, retries uint64, base time.Duration) Option {
	return func(l *Loader) {
		l.dev = d
		l.devTries = retries
		l.devBase = base
	}
}

// WithBuiltin compiles a plugin into the host. Builtin plugins are never
// fetched, cached or reloaded.
func WithBuiltin(pluginID string, exports modsys.Exports) Option {
	return func(l *Loader) {
		l.builtins[pluginID] = &modsys.Module{
			Address:  "builtin://" + pluginID,
			Exports:  exports,
			LoadedAt: time.Now(),
		}
	}
}

// WithMetrics records import outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// WithTracer sets the tracer for import spans.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loader) {
		l.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// New creates a loader. The import map must already be registered with the
// module system, since plugin code resolves shared dependencies through it
// while it is evaluated. Panics if modules, imports or extensions is nil.
func New(modules Modules, imports modsys.ImportMap, extensions Extensions, opts ...Option) *Loader {
	if modules == nil {
		panic("loader: modules cannot be nil")
	}
	if imports == nil {
		panic("loader: import map must be built before plugins are loaded")
	}
	if extensions == nil {
		panic("loader: extensions cannot be nil")
	}

	l := &Loader{
		modules:    modules,
		extensions: extensions,
		imports:    imports,
		origin:     "http://localhost:8080",
		devHost:    "localhost",
		devTries:   10,
		devBase:    100 * time.Millisecond,
		builtins:   make(map[string]*modsys.Module),
		logger:     slog.Default(),
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer("github.com/holomush/pluginhost/internal/loader")
	}
	return l
}

// ImportMap returns the import map the loader was built with.
func (l *Loader) ImportMap() modsys.ImportMap {
	return l.imports
}

// IsBuiltin reports whether pluginID is compiled into the host.
func (l *Loader) IsBuiltin(pluginID string) bool {
	_, ok := l.builtins[pluginID]
	return ok
}

// Builtins returns the ids of the compiled-in plugins, sorted.
func (l *Loader) Builtins() []string {
	ids := make([]string, 0, len(l.builtins))
	for id := range l.builtins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Address returns the entrypoint address for desc. It depends only on desc
// and the loader's configuration.
func (l *Loader) Address(desc plugin.Descriptor) string {
	if desc.DevMode {
		return fmt.Sprintf("http://%s:%d/%s", l.devHost, desc.DevPort, EntryFile)
	}
	return fmt.Sprintf("%s/_/plugins/%s/assets/%s", l.origin, desc.PluginID, EntryFile)
}

// ImportPlugin imports the plugin's entrypoint module. Errors from the module
// system are returned unchanged.
func (l *Loader) ImportPlugin(ctx context.Context, desc plugin.Descriptor) (*modsys.Module, error) {
	if mod, ok := l.builtins[desc.PluginID]; ok {
		return mod, nil
	}

	addr := l.Address(desc)
	ctx, span := l.tracer.Start(ctx, "loader.ImportPlugin", trace.WithAttributes(
		attribute.String("plugin.id", desc.PluginID),
		attribute.String("plugin.address", addr),
		attribute.Bool("plugin.dev_mode", desc.DevMode),
	))
	defer span.End()

	if desc.DevMode && l.dev != nil {
		if err := l.waitForDevServer(ctx, desc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dev server not ready")
			return nil, err
		}
	}

	if desc.ModuleHash != "" {
		if _, pinned := l.modules.Integrity(addr); !pinned {
			if err := l.modules.SetIntegrity(addr, desc.ModuleHash); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "invalid integrity")
				return nil, err
			}
		}
	}

	mod, err := l.modules.Import(ctx, addr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "import failed")
		//nolint:wrapcheck // module system errors propagate unchanged
		return nil, err
	}
	return mod, nil
}

func (l *Loader) waitForDevServer(ctx context.Context, desc plugin.Descriptor) error {
	backoff := retry.WithMaxRetries(l.devTries, retry.NewExponential(l.devBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := l.dev.DevServerReady(ctx, desc); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// ImportPluginWindow imports the plugin and returns its window. A module
// without a window export yields the empty window. The window's extensions
// replace any the plugin registered before.
func (l *Loader) ImportPluginWindow(ctx context.Context, desc plugin.Descriptor) (plugin.Window, error) {
	unlock := l.lock(desc.PluginID)
	defer unlock()

	window, err := l.importWindow(ctx, desc)
	if err != nil {
		return plugin.Window{}, err
	}
	l.RegisterExtensions(desc.PluginID, window)
	return window, nil
}

// RegisterExtensions replaces the plugin's extensions with those of window.
func (l *Loader) RegisterExtensions(pluginID string, window plugin.Window) {
	l.extensions.ReplacePlugin(pluginID, window.Extensions)
}

// ClearPlugin drops the cached entrypoint of desc so the next import
// fetches it again.
func (l *Loader) ClearPlugin(desc plugin.Descriptor) {
	if l.IsBuiltin(desc.PluginID) {
		return
	}
	l.modules.Delete(l.Address(desc))
}

// Reload clears the plugin's cached entrypoint and imports its window again.
// Both steps run under the plugin's lock, so the import cannot observe the
// stale module. The extension registry is left alone: the caller commits the
// window with RegisterExtensions once the reload as a whole succeeded.
func (l *Loader) Reload(ctx context.Context, desc plugin.Descriptor) (plugin.Window, error) {
	unlock := l.lock(desc.PluginID)
	defer unlock()

	l.ClearPlugin(desc)
	return l.importWindow(ctx, desc)
}

func (l *Loader) importWindow(ctx context.Context, desc plugin.Descriptor) (plugin.Window, error) {
	mod, err := l.ImportPlugin(ctx, desc)
	if err != nil {
		l.metrics.RecordImport(desc.PluginID, false)
		return plugin.Window{}, err
	}

	export, _ := mod.Export(plugin.Export)
	window, err := plugin.DecodeWindow(export)
	if err != nil {
		l.metrics.RecordImport(desc.PluginID, false)
		return plugin.Window{}, oops.With("plugin", desc.PluginID).With("address", mod.Address).Wrap(err)
	}

	l.metrics.RecordImport(desc.PluginID, true)
	l.logger.Info("plugin window loaded",
		"plugin", desc.PluginID,
		"address", mod.Address,
		"routes", len(window.Routes),
		"extensions", len(window.Extensions))
	return window, nil
}

// lock acquires the per-plugin lock and returns its release.
func (l *Loader) lock(pluginID string) func() {
	l.mu.Lock()
	m, ok := l.locks[pluginID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[pluginID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
