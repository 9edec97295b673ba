// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package editorschema

import "sync"

// MemorySurface keeps the last schema set pushed for each language.
type MemorySurface struct {
	mu      sync.RWMutex
	sets    map[Language][]Schema
	updates map[Language]int
}

// NewMemorySurface creates an empty surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{
		sets:    make(map[Language][]Schema),
		updates: make(map[Language]int),
	}
}

// Update replaces the stored set for lang.
func (s *MemorySurface) Update(lang Language, schemas []Schema) error {
	cp := make([]Schema, len(schemas))
	copy(cp, schemas)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[lang] = cp
	s.updates[lang]++
	return nil
}

// Schemas returns the last set pushed for lang.
func (s *MemorySurface) Schemas(lang Language) []Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Schema, len(s.sets[lang]))
	copy(out, s.sets[lang])
	return out
}

// Updates returns how many times lang was pushed.
func (s *MemorySurface) Updates(lang Language) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates[lang]
}
