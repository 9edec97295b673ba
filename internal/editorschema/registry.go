// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package editorschema merges the validation schemas plugin connections
// contribute to the shared editor and pushes the full set per language.
package editorschema

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/observability"
	"github.com/holomush/pluginhost/pkg/errutil"
)

// Language is an editor schema language.
type Language string

// Supported languages. Every flush pushes both.
const (
	LanguageYAML Language = "yaml"
	LanguageJSON Language = "json"
)

// Languages lists the supported languages in push order.
var Languages = []Language{LanguageYAML, LanguageJSON}

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	return l == LanguageYAML || l == LanguageJSON
}

// Contribution is one resource/schema pairing offered by a plugin
// connection. Content holds an inline JSON schema and is only read when URL
// is empty.
type Contribution struct {
	ResourceKey string   `json:"resourceKey"`
	FileMatch   string   `json:"fileMatch"`
	URI         string   `json:"uri"`
	URL         string   `json:"url,omitempty"`
	Content     []byte   `json:"content,omitempty"`
	Language    Language `json:"language"`
}

// Schema is one entry of the set pushed to the editor.
type Schema struct {
	URI       string   `json:"uri"`
	FileMatch []string `json:"fileMatch"`
	URL       string   `json:"url,omitempty"`
	Schema    any      `json:"schema,omitempty"`
}

// Surface is the editor validation surface. Update replaces the full schema
// set of one language.
type Surface interface {
	Update(lang Language, schemas []Schema) error
}

type entry struct {
	resourceKey string
	fileMatch   string
	uri         string
	url         string
	schema      any
	language    Language
}

// Registry holds contributions keyed by plugin and connection. Mutations
// apply immediately; the push to the surface is deferred to the scheduler
// and bursts of mutations collapse into one flush.
type Registry struct {
	surface   Surface
	scheduler Scheduler
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu             sync.Mutex
	entries        map[string][]entry
	flushScheduled bool

	// pushMu keeps flushes from interleaving their surface updates.
	pushMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithMetrics records flushes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates a registry that pushes to surface on scheduler's cycle.
// Panics if surface or scheduler is nil.
func New(surface Surface, scheduler Scheduler, opts ...Option) *Registry {
	if surface == nil {
		panic("editorschema: surface cannot be nil")
	}
	if scheduler == nil {
		panic("editorschema: scheduler cannot be nil")
	}
	r := &Registry{
		surface:   surface,
		scheduler: scheduler,
		logger:    slog.Default(),
		entries:   make(map[string][]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key returns the composite key contributions are grouped under.
func Key(pluginID, connectionID string) string {
	return pluginID + ":" + connectionID
}

// Register replaces the contributions of the plugin connection. Invalid
// contributions are skipped with a warning; the rest are kept. Returns the
// number kept.
func (r *Registry) Register(pluginID, connectionID string, contributions []Contribution) int {
	key := Key(pluginID, connectionID)
	entries := make([]entry, 0, len(contributions))
	for i, c := range contributions {
		e, err := toEntry(c)
		if err != nil {
			errutil.LogWarn(r.logger.With("key", key, "index", i, "resource_key", c.ResourceKey),
				"skipping schema contribution", err)
			continue
		}
		entries = append(entries, e)
	}

	r.mu.Lock()
	r.entries[key] = entries
	r.mu.Unlock()

	r.scheduleFlush()
	return len(entries)
}

// Unregister removes the contributions of one plugin connection.
func (r *Registry) Unregister(pluginID, connectionID string) {
	r.mu.Lock()
	delete(r.entries, Key(pluginID, connectionID))
	r.mu.Unlock()

	r.scheduleFlush()
}

// UnregisterPlugin removes the contributions of every connection of
// pluginID.
func (r *Registry) UnregisterPlugin(pluginID string) {
	prefix := pluginID + ":"
	r.mu.Lock()
	for key := range r.entries {
		if strings.HasPrefix(key, prefix) {
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	r.scheduleFlush()
}

// Keys returns the registered composite keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FlushPending reports whether a flush is scheduled but has not run.
func (r *Registry) FlushPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushScheduled
}

func (r *Registry) scheduleFlush() {
	r.mu.Lock()
	if r.flushScheduled {
		r.mu.Unlock()
		return
	}
	r.flushScheduled = true
	r.mu.Unlock()

	r.scheduler.Schedule(r.flush)
}

// Merged returns the current merged schema set for lang.
func (r *Registry) Merged(lang Language) []Schema {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merge()[lang]
}

func (r *Registry) flush() {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	r.mu.Lock()
	r.flushScheduled = false
	sets := r.merge()
	r.mu.Unlock()

	for _, lang := range Languages {
		schemas := sets[lang]
		if err := r.surface.Update(lang, schemas); err != nil {
			errutil.LogError(r.logger.With("language", string(lang)), "editor schema update failed", err)
			continue
		}
		r.metrics.RecordSchemaFlush(string(lang), len(schemas))
	}
	r.logger.Debug("editor schemas flushed",
		"yaml", len(sets[LanguageYAML]),
		"json", len(sets[LanguageJSON]))
}

// merge partitions entries by language and collapses entries sharing a URI
// into one schema whose file matches are the union of theirs. The first
// entry in key order supplies the schema. Callers hold r.mu.
func (r *Registry) merge() map[Language][]Schema {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byURI := map[Language]map[string]*Schema{}
	out := make(map[Language][]Schema, len(Languages))
	for _, lang := range Languages {
		byURI[lang] = map[string]*Schema{}
		out[lang] = []Schema{}
	}

	for _, k := range keys {
		for _, e := range r.entries[k] {
			s, ok := byURI[e.language][e.uri]
			if !ok {
				s = &Schema{URI: e.uri, URL: e.url, Schema: e.schema, FileMatch: []string{}}
				byURI[e.language][e.uri] = s
			}
			if e.fileMatch != "" && !contains(s.FileMatch, e.fileMatch) {
				s.FileMatch = append(s.FileMatch, e.fileMatch)
			}
		}
	}

	for lang, schemas := range byURI {
		for _, s := range schemas {
			sort.Strings(s.FileMatch)
			out[lang] = append(out[lang], *s)
		}
		sort.Slice(out[lang], func(i, j int) bool { return out[lang][i].URI < out[lang][j].URI })
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func toEntry(c Contribution) (entry, error) {
	errb := oops.In("editorschema").Code("INVALID_CONTRIBUTION").With("uri", c.URI)
	if !c.Language.Valid() {
		return entry{}, errb.With("language", string(c.Language)).Errorf("unsupported schema language %q", c.Language)
	}
	if c.URI == "" {
		return entry{}, errb.Errorf("schema uri is required")
	}

	e := entry{
		resourceKey: c.ResourceKey,
		fileMatch:   c.FileMatch,
		uri:         c.URI,
		url:         c.URL,
		language:    c.Language,
	}
	if c.URL != "" {
		return e, nil
	}
	if len(c.Content) == 0 {
		return entry{}, errb.Errorf("schema has neither url nor content")
	}
	if !utf8.Valid(c.Content) {
		return entry{}, errb.Errorf("schema content is not valid UTF-8")
	}
	var doc any
	if err := sonic.Unmarshal(c.Content, &doc); err != nil {
		return entry{}, errb.Wrapf(err, "schema content is not valid JSON")
	}
	e.schema = doc
	return e, nil
}
