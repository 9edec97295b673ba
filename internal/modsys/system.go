// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package modsys

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"

	"github.com/holomush/pluginhost/internal/observability"
)

// DefaultCacheSize bounds the number of evaluated modules kept in the cache.
const DefaultCacheSize = 256

// Importer resolves specifiers and imports modules. Evaluators use it to
// satisfy require() calls made by module code.
type Importer interface {
	Import(ctx context.Context, addr string) (*Module, error)
	ResolveSpecifier(specifier string) string
}

// Evaluator turns fetched module source into exports.
type Evaluator interface {
	Evaluate(ctx context.Context, addr string, source []byte, imp Importer) (Exports, error)
}

// registered is a synthetic module definition and its executed result.
type registered struct {
	def    Definition
	module *Module
}

// System is the dynamic module system. It is safe for concurrent use.
type System struct {
	fetcher   Fetcher
	evaluator Evaluator
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu        sync.RWMutex
	defs      map[string]*registered
	imports   map[string]string
	integrity map[string]string
	// epochs counts deletions per address so a flight started before a
	// Delete cannot repopulate the cache afterwards.
	epochs map[string]uint64

	cache    *lru.Cache[string, *Module]
	inflight singleflight.Group
}

// Option configures a System.
type Option func(*systemConfig)

type systemConfig struct {
	cacheSize int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// WithCacheSize bounds the module cache.
func WithCacheSize(n int) Option {
	return func(c *systemConfig) {
		c.cacheSize = n
	}
}

// WithMetrics records cache lookups.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *systemConfig) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *systemConfig) {
		c.logger = l
	}
}

// New creates a module system. Panics if fetcher or evaluator is nil.
func New(fetcher Fetcher, evaluator Evaluator, opts ...Option) *System {
	if fetcher == nil {
		panic("modsys: fetcher cannot be nil")
	}
	if evaluator == nil {
		panic("modsys: evaluator cannot be nil")
	}

	cfg := systemConfig{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cacheSize <= 0 {
		cfg.cacheSize = DefaultCacheSize
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	cache, err := lru.New[string, *Module](cfg.cacheSize)
	if err != nil {
		// Only returned for a non-positive size, which is excluded above.
		panic("modsys: " + err.Error())
	}

	return &System{
		fetcher:   fetcher,
		evaluator: evaluator,
		metrics:   cfg.metrics,
		logger:    cfg.logger,
		defs:      make(map[string]*registered),
		imports:   make(map[string]string),
		integrity: make(map[string]string),
		epochs:    make(map[string]uint64),
		cache:     cache,
	}
}

// Has reports whether a definition is registered for addr.
func (s *System) Has(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.defs[addr]
	return ok
}

// Register declares a synthetic module. Registering the same address twice
// is an error.
func (s *System) Register(addr string, def Definition) error {
	if addr == "" {
		return oops.In("modsys").Code("INVALID_ADDRESS").Errorf("address cannot be empty")
	}
	if def.Execute == nil {
		return oops.In("modsys").Code("INVALID_DEFINITION").With("address", addr).Errorf("definition has no execute step")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[addr]; ok {
		return oops.In("modsys").Code("ALREADY_REGISTERED").With("address", addr).Errorf("module %s already registered", addr)
	}
	s.defs[addr] = &registered{def: def}
	return nil
}

// MapImport maps a bare specifier to an address.
func (s *System) MapImport(specifier, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imports[specifier] = addr
}

// ImportMap returns a copy of the current specifier mapping.
func (s *System) ImportMap() ImportMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(ImportMap, len(s.imports))
	for k, v := range s.imports {
		m[k] = v
	}
	return m
}

// ResolveSpecifier maps a specifier through the import map. Unmapped
// specifiers are returned unchanged.
func (s *System) ResolveSpecifier(specifier string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if addr, ok := s.imports[specifier]; ok {
		return addr
	}
	return specifier
}

// SetIntegrity pins the expected integrity of addr.
func (s *System) SetIntegrity(addr, value string) error {
	if _, _, err := ParseIntegrity(value); err != nil {
		return oops.With("address", addr).Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrity[addr] = value
	return nil
}

// Integrity returns the pinned integrity of addr.
func (s *System) Integrity(addr string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.integrity[addr]
	return v, ok
}

// Cached reports whether addr has an evaluated module in the cache.
func (s *System) Cached(addr string) bool {
	return s.cache.Contains(addr)
}

// CachedAddresses returns the cached addresses in sorted order.
func (s *System) CachedAddresses() []string {
	keys := s.cache.Keys()
	sort.Strings(keys)
	return keys
}

// Delete removes the cached module for addr. A later Import fetches and
// evaluates it again.
func (s *System) Delete(addr string) {
	s.mu.Lock()
	s.epochs[addr]++
	s.mu.Unlock()

	s.cache.Remove(addr)
	s.inflight.Forget(addr)
}

func (s *System) epoch(addr string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[addr]
}

// Import returns the module at addr, evaluating it on first use. Concurrent
// imports of the same address share one fetch.
func (s *System) Import(ctx context.Context, addr string) (*Module, error) {
	s.mu.RLock()
	reg, synthetic := s.defs[addr]
	s.mu.RUnlock()

	if synthetic {
		return s.importDefinition(ctx, addr, reg)
	}

	if mod, ok := s.cache.Get(addr); ok {
		s.metrics.RecordCacheLookup(true)
		return mod, nil
	}
	s.metrics.RecordCacheLookup(false)

	v, err, _ := s.inflight.Do(addr, func() (any, error) {
		if mod, ok := s.cache.Get(addr); ok {
			return mod, nil
		}
		started := s.epoch(addr)
		mod, err := s.load(ctx, addr)
		if err != nil {
			return nil, err
		}
		if s.epoch(addr) == started {
			s.cache.Add(addr, mod)
		}
		return mod, nil
	})
	if err != nil {
		//nolint:wrapcheck // errors from load already carry module context
		return nil, err
	}
	mod, _ := v.(*Module)
	return mod, nil
}

func (s *System) importDefinition(ctx context.Context, addr string, reg *registered) (*Module, error) {
	s.mu.RLock()
	mod := reg.module
	s.mu.RUnlock()
	if mod != nil {
		return mod, nil
	}

	v, err, _ := s.inflight.Do(addr, func() (any, error) {
		exports, err := reg.def.Execute(ctx)
		if err != nil {
			return nil, oops.In("modsys").Code("EVALUATION_FAILED").With("address", addr).Wrap(err)
		}
		mod := &Module{Address: addr, Exports: exports, LoadedAt: time.Now()}

		s.mu.Lock()
		reg.module = mod
		s.mu.Unlock()
		return mod, nil
	})
	if err != nil {
		//nolint:wrapcheck // already wrapped inside the flight
		return nil, err
	}
	result, _ := v.(*Module)
	return result, nil
}

// load fetches, verifies and evaluates addr.
func (s *System) load(ctx context.Context, addr string) (*Module, error) {
	source, err := s.fetcher.Fetch(ctx, addr)
	if err != nil {
		//nolint:wrapcheck // fetch errors are propagated unchanged
		return nil, err
	}

	if expected, ok := s.Integrity(addr); ok {
		if err := verifyIntegrity(addr, expected, source); err != nil {
			return nil, err
		}
	}

	exports, err := s.evaluator.Evaluate(ctx, addr, source, s)
	if err != nil {
		if _, ok := oops.AsOops(err); ok {
			return nil, err
		}
		return nil, oops.In("modsys").Code("EVALUATION_FAILED").With("address", addr).Wrap(err)
	}
	if exports == nil {
		exports = Exports{}
	}

	s.logger.Debug("module evaluated", "address", addr, "exports", len(exports))
	return &Module{Address: addr, Exports: exports, LoadedAt: time.Now()}, nil
}
