// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics contains the plugin host's Prometheus metrics.
//
// Every Record method is safe to call on a nil *Metrics, so components can
// take metrics as an optional dependency.
type Metrics struct {
	SharedResolutions *prometheus.CounterVec
	ModuleCache       *prometheus.CounterVec
	PluginImports     *prometheus.CounterVec
	Reloads           *prometheus.CounterVec
	SchemaFlushes     *prometheus.CounterVec
	SchemasPublished  *prometheus.GaugeVec
	MountedPlugins    prometheus.Gauge
}

// NewMetrics creates and registers the plugin host metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SharedResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_shared_resolutions_total",
				Help: "Shared dependency resolutions by dependency and status",
			},
			[]string{"dependency", "status"},
		),
		ModuleCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_module_cache_lookups_total",
				Help: "Module cache lookups by result",
			},
			[]string{"result"},
		),
		PluginImports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_plugin_imports_total",
				Help: "Plugin window imports by plugin and status",
			},
			[]string{"plugin", "status"},
		),
		Reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_plugin_reloads_total",
				Help: "Hot reloads by plugin and status",
			},
			[]string{"plugin", "status"},
		),
		SchemaFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_editor_schema_flushes_total",
				Help: "Editor schema pushes by language",
			},
			[]string{"language"},
		),
		SchemasPublished: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pluginhost_editor_schemas",
				Help: "Schemas in the last push by language",
			},
			[]string{"language"},
		),
		MountedPlugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pluginhost_mounted_plugins",
			Help: "Plugin instances currently mounted",
		}),
	}

	reg.MustRegister(
		m.SharedResolutions,
		m.ModuleCache,
		m.PluginImports,
		m.Reloads,
		m.SchemaFlushes,
		m.SchemasPublished,
		m.MountedPlugins,
	)
	return m
}

func statusLabel(ok bool) string {
	if ok {
		return StatusOK
	}
	return StatusError
}

// RecordSharedResolution counts one shared dependency resolution.
func (m *Metrics) RecordSharedResolution(dependency string, ok bool) {
	if m == nil {
		return
	}
	m.SharedResolutions.WithLabelValues(dependency, statusLabel(ok)).Inc()
}

// RecordCacheLookup counts a module cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ModuleCache.WithLabelValues(result).Inc()
}

// RecordImport counts one plugin window import.
func (m *Metrics) RecordImport(plugin string, ok bool) {
	if m == nil {
		return
	}
	m.PluginImports.WithLabelValues(plugin, statusLabel(ok)).Inc()
}

// RecordReload counts one hot reload attempt.
func (m *Metrics) RecordReload(plugin string, ok bool) {
	if m == nil {
		return
	}
	m.Reloads.WithLabelValues(plugin, statusLabel(ok)).Inc()
}

// RecordSchemaFlush records a schema push for a language.
func (m *Metrics) RecordSchemaFlush(language string, schemas int) {
	if m == nil {
		return
	}
	m.SchemaFlushes.WithLabelValues(language).Inc()
	m.SchemasPublished.WithLabelValues(language).Set(float64(schemas))
}

// SetMountedPlugins sets the number of mounted plugin instances.
func (m *Metrics) SetMountedPlugins(n int) {
	if m == nil {
		return
	}
	m.MountedPlugins.Set(float64(n))
}
