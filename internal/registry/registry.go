// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry stores the window of every loaded plugin and publishes
// the merged route list the host router mounts.
package registry

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/holomush/pluginhost/internal/plugin"
)

// Entry is a registered plugin.
type Entry struct {
	PluginID         string
	Window           plugin.Window
	NormalizedRoutes []plugin.RouteNode
	RegisteredAt     time.Time
}

// RouteData is what a mounted route's loader hands to the renderer.
type RouteData struct {
	PluginID string `json:"pluginId"`
}

// ErrorHandler renders a failure inside a plugin's region.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, pluginID string, err error)

// MountedRoute is the top-level route for one plugin.
type MountedRoute struct {
	Path          string             `json:"path"`
	Loader        func() RouteData   `json:"-"`
	Component     http.Handler       `json:"-"`
	ErrorBoundary ErrorHandler       `json:"-"`
	Children      []plugin.RouteNode `json:"children"`
}

// Registry holds one entry per plugin id. Entries are replaced, never
// patched.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	boundary http.Handler
	onError  ErrorHandler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// SetBoundary sets the render boundary and error boundary shared by every
// mounted route.
func (r *Registry) SetBoundary(component http.Handler, onError ErrorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boundary = component
	r.onError = onError
}

// RegisterPlugin stores or replaces the entry for pluginID.
func (r *Registry) RegisterPlugin(pluginID string, window plugin.Window) Entry {
	e := Entry{
		PluginID:         pluginID,
		Window:           window,
		NormalizedRoutes: NormalizePluginRoutes(window.Routes),
		RegisteredAt:     time.Now(),
	}
	r.mu.Lock()
	r.entries[pluginID] = e
	r.mu.Unlock()
	return e
}

// UnregisterPlugin removes the entry for pluginID.
func (r *Registry) UnregisterPlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pluginID)
}

// Get returns the entry for pluginID.
func (r *Registry) Get(pluginID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pluginID]
	return e, ok
}

// List returns every entry sorted by plugin id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// AllPluginRoutes builds one mounted route per registered plugin from the
// current entries.
func (r *Registry) AllPluginRoutes() []MountedRoute {
	r.mu.RLock()
	component, onError := r.boundary, r.onError
	r.mu.RUnlock()

	entries := r.List()
	routes := make([]MountedRoute, 0, len(entries))
	for _, e := range entries {
		id := e.PluginID
		routes = append(routes, MountedRoute{
			Path:          id,
			Loader:        func() RouteData { return RouteData{PluginID: id} },
			Component:     component,
			ErrorBoundary: onError,
			Children:      e.NormalizedRoutes,
		})
	}
	return routes
}

// Match resolves a path below a plugin's mount point against its routes.
// An empty path matches a plugin with no routes.
func (r *Registry) Match(pluginID, path string) (Match, bool) {
	e, ok := r.Get(pluginID)
	if !ok {
		return Match{}, false
	}

	segments := splitPath(path)
	params := make(map[string]string)
	chain, ok := matchRoutes(e.NormalizedRoutes, segments, params)
	if !ok {
		if len(segments) == 0 && len(e.NormalizedRoutes) == 0 {
			return Match{PluginID: pluginID}, true
		}
		return Match{}, false
	}
	if len(params) == 0 {
		params = nil
	}
	return Match{PluginID: pluginID, Chain: chain, Params: params}, true
}
