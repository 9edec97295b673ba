// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package extension collects the payloads plugins contribute to host
// extension points.
package extension

import (
	"sort"
	"sync"

	"github.com/holomush/pluginhost/internal/plugin"
)

// Contribution is one plugin's payload for an extension point.
type Contribution struct {
	PluginID         string `json:"pluginId"`
	ExtensionPointID string `json:"extensionPointId"`
	Payload          any    `json:"payload,omitempty"`
}

type key struct {
	plugin string
	point  string
}

// Registry stores contributions keyed by (plugin, extension point). A second
// contribution for the same key replaces the first.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]Contribution
}

// NewRegistry creates an empty extension registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]Contribution)}
}

// AddExtensionPoint records a plugin's contribution.
func (r *Registry) AddExtensionPoint(pluginID string, reg plugin.ExtensionRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key{pluginID, reg.ExtensionPointID}] = Contribution{
		PluginID:         pluginID,
		ExtensionPointID: reg.ExtensionPointID,
		Payload:          reg.Payload,
	}
}

// RemovePlugin drops every contribution from pluginID.
func (r *Registry) RemovePlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.entries {
		if k.plugin == pluginID {
			delete(r.entries, k)
		}
	}
}

// ReplacePlugin swaps every contribution from pluginID for regs in one step.
// Readers see either the old set or the new one.
func (r *Registry) ReplacePlugin(pluginID string, regs []plugin.ExtensionRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.entries {
		if k.plugin == pluginID {
			delete(r.entries, k)
		}
	}
	for _, reg := range regs {
		r.entries[key{pluginID, reg.ExtensionPointID}] = Contribution{
			PluginID:         pluginID,
			ExtensionPointID: reg.ExtensionPointID,
			Payload:          reg.Payload,
		}
	}
}

// List returns the contributions to pointID ordered by plugin id. An empty
// pointID lists every contribution.
func (r *Registry) List(pointID string) []Contribution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Contribution, 0)
	for k, c := range r.entries {
		if pointID == "" || k.point == pointID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExtensionPointID != out[j].ExtensionPointID {
			return out[i].ExtensionPointID < out[j].ExtensionPointID
		}
		return out[i].PluginID < out[j].PluginID
	})
	return out
}
