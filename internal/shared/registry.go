// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package shared holds the host-owned singletons plugins import by name
// instead of bundling their own copies.
package shared

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/holomush/pluginhost/internal/modsys"
	"github.com/holomush/pluginhost/internal/observability"
)

// Loader produces the exports of a shared dependency.
type Loader func(ctx context.Context) (modsys.Exports, error)

// Entry declares a shared dependency.
type Entry struct {
	Name   string
	Loader Loader
}

// Compile-time interface check.
var _ modsys.Dependencies = (*Registry)(nil)

// Registry resolves shared dependencies and caches their values. The set of
// entries is fixed at construction.
type Registry struct {
	entries []Entry
	byName  map[string]Loader
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	resolved map[string]modsys.Exports
	flights  singleflight.Group
	ready    atomic.Bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for resolution warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithMetrics records resolution outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a registry for entries. Entry names must be unique and
// every entry must have a loader.
func NewRegistry(entries []Entry, opts ...Option) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]Loader, len(entries)),
		resolved: make(map[string]modsys.Exports, len(entries)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, e := range entries {
		if e.Name == "" {
			return nil, oops.In("shared").Code("INVALID_ENTRY").Errorf("shared dependency name cannot be empty")
		}
		if e.Loader == nil {
			return nil, oops.In("shared").Code("INVALID_ENTRY").With("dependency", e.Name).Errorf("shared dependency %s has no loader", e.Name)
		}
		if _, dup := r.byName[e.Name]; dup {
			return nil, oops.In("shared").Code("DUPLICATE_ENTRY").With("dependency", e.Name).Errorf("shared dependency %s declared twice", e.Name)
		}
		r.byName[e.Name] = e.Loader
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// Entries returns the declared entries in declaration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Names returns the declared dependency names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}

// Get returns the resolved value of name, if it has been resolved.
func (r *Registry) Get(name string) (modsys.Exports, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.resolved[name]
	return v, ok
}

// Ready reports whether ResolveAll has completed at least once.
func (r *Registry) Ready() bool {
	return r.ready.Load()
}

// Resolve returns the value of name, running its loader if it has not been
// resolved yet. Concurrent callers share one loader invocation; a failed
// resolution is not cached.
func (r *Registry) Resolve(ctx context.Context, name string) (modsys.Exports, error) {
	if v, ok := r.Get(name); ok {
		return v, nil
	}

	load, ok := r.byName[name]
	if !ok {
		return nil, oops.In("shared").Code("UNKNOWN_DEPENDENCY").With("dependency", name).Errorf("unknown shared dependency %s", name)
	}

	v, err, _ := r.flights.Do(name, func() (any, error) {
		if v, ok := r.Get(name); ok {
			return v, nil
		}
		exports, err := load(ctx)
		r.metrics.RecordSharedResolution(name, err == nil)
		if err != nil {
			return nil, oops.In("shared").Code("SHARED_RESOLVE_FAILED").With("dependency", name).Wrap(err)
		}
		if exports == nil {
			exports = modsys.Exports{}
		}
		r.mu.Lock()
		r.resolved[name] = exports
		r.mu.Unlock()
		return exports, nil
	})
	if err != nil {
		//nolint:wrapcheck // wrapped inside the flight
		return nil, err
	}
	exports, _ := v.(modsys.Exports)
	return exports, nil
}

// ResolveAll runs every unresolved loader concurrently and waits for all of
// them to settle. Failures are reported in a single warning and never
// returned; the failed dependencies stay unresolved and are retried by the
// next ResolveAll or Resolve. The only error is ctx being done before
// resolution started.
func (r *Registry) ResolveAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return oops.In("shared").Wrap(err)
	}

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		g      errgroup.Group
	)
	for _, e := range r.entries {
		name := e.Name
		g.Go(func() error {
			if _, err := r.Resolve(ctx, name); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			// Never fail the group: one loader must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		sort.Strings(names)
		attrs := []any{"dependencies", strings.Join(names, ", ")}
		for _, name := range names {
			attrs = append(attrs, slog.String("error."+name, failed[name].Error()))
		}
		r.logger.Warn("shared dependencies failed to resolve", attrs...)
	}

	r.ready.Store(true)
	return nil
}
