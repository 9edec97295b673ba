// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hotreload swaps a mounted plugin's backend session when its
// backend reports a reload, leaving every other plugin untouched.
package hotreload

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/eventbus"
	"github.com/holomush/pluginhost/internal/observability"
	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/registry"
	"github.com/holomush/pluginhost/pkg/errutil"
)

// ReloadTopic is the topic backends publish reload notifications on.
const ReloadTopic = "plugin/dev_reload_complete"

// ReloadPayload is the payload of a reload notification.
type ReloadPayload struct {
	ID string `json:"id"`
}

// Reloader clears and re-imports a plugin's window.
type Reloader interface {
	Reload(ctx context.Context, desc plugin.Descriptor) (plugin.Window, error)
	IsBuiltin(pluginID string) bool
}

// Windows commits reloaded windows. It is only called once the reload has
// fully succeeded, so a failed reload leaves every registry untouched.
type Windows interface {
	RegisterPlugin(pluginID string, window plugin.Window) registry.Entry
}

// Session is a live backend connection owned by a mounted plugin.
type Session interface {
	Close() error
}

// SessionFactory opens the backend session for a plugin at a generation.
type SessionFactory func(ctx context.Context, pluginID string, generation uint64) (Session, error)

// Controller owns the mounted plugin instances.
type Controller struct {
	bus      *eventbus.Bus
	reloader Reloader
	windows  Windows
	sessions SessionFactory
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// Option configures a Controller.
type Option func(*Controller)

// WithSessionFactory sets how backend sessions are opened. Without one,
// instances carry no session.
func WithSessionFactory(f SessionFactory) Option {
	return func(c *Controller) {
		c.sessions = f
	}
}

// WithMetrics records reload outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// New creates a controller.
func New(bus *eventbus.Bus, reloader Reloader, windows Windows, opts ...Option) *Controller {
	c := &Controller{
		bus:       bus,
		reloader:  reloader,
		windows:   windows,
		logger:    slog.Default(),
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mount opens the plugin's backend session at generation 0 and starts
// listening for its reload notifications.
func (c *Controller) Mount(ctx context.Context, desc plugin.Descriptor) (*Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.instances[desc.PluginID]; ok {
		return nil, oops.In("hotreload").Code("ALREADY_MOUNTED").With("plugin", desc.PluginID).
			Errorf("plugin %s is already mounted", desc.PluginID)
	}

	inst := &Instance{
		controller: c,
		desc:       desc,
		state:      StateMounted,
	}

	session, err := c.openSession(ctx, desc.PluginID, 0)
	if err != nil {
		return nil, err
	}
	inst.session = session

	if !c.reloader.IsBuiltin(desc.PluginID) {
		sub, err := c.bus.Subscribe(ReloadTopic, inst.handleEvent)
		if err != nil {
			if session != nil {
				_ = session.Close()
			}
			return nil, oops.In("hotreload").With("plugin", desc.PluginID).Wrap(err)
		}
		inst.sub = sub
	}

	c.instances[desc.PluginID] = inst
	c.metrics.SetMountedPlugins(len(c.instances))
	c.logger.Info("plugin mounted", "plugin", desc.PluginID)
	return inst, nil
}

func (c *Controller) openSession(ctx context.Context, pluginID string, generation uint64) (Session, error) {
	if c.sessions == nil {
		return nil, nil //nolint:nilnil // no session factory configured
	}
	s, err := c.sessions(ctx, pluginID, generation)
	if err != nil {
		return nil, oops.In("hotreload").Code("SESSION_FAILED").
			With("plugin", pluginID).With("generation", generation).Wrap(err)
	}
	return s, nil
}

// Get returns the mounted instance for pluginID.
func (c *Controller) Get(pluginID string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[pluginID]
	return inst, ok
}

// Mounted returns the ids of mounted plugins, sorted.
func (c *Controller) Mounted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unmount unmounts pluginID if it is mounted.
func (c *Controller) Unmount(pluginID string) {
	if inst, ok := c.Get(pluginID); ok {
		inst.Unmount()
	}
}

// Close unmounts every instance.
func (c *Controller) Close() {
	for _, id := range c.Mounted() {
		c.Unmount(id)
	}
}

func (c *Controller) forget(inst *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instances[inst.desc.PluginID] == inst {
		delete(c.instances, inst.desc.PluginID)
	}
	c.metrics.SetMountedPlugins(len(c.instances))
}

func (c *Controller) logReloadFailure(pluginID string, generation uint64, err error) {
	errutil.LogError(c.logger.With("plugin", pluginID, "generation", generation), "plugin reload failed", err)
}
