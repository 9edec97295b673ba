// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package modsys is the host's dynamic module system: it resolves module
// addresses to evaluated modules, caches them by address, and lets the host
// declare synthetic modules that are backed by host-owned values.
package modsys

import (
	"context"
	"strings"
	"time"
)

// SharedScheme prefixes every synthetic module address.
const SharedScheme = "shared://"

// Exports holds the named exports of an evaluated module.
type Exports map[string]any

// Func is a host function exported by a shared module. Plugin code can call
// it through the evaluator.
type Func func(ctx context.Context, args ...any) (any, error)

// Module is an evaluated module.
type Module struct {
	Address  string
	Exports  Exports
	LoadedAt time.Time
}

// Export returns the named export.
func (m *Module) Export(name string) (any, bool) {
	if m == nil || m.Exports == nil {
		return nil, false
	}
	v, ok := m.Exports[name]
	return v, ok
}

// Definition declares a module whose body is supplied by the host instead of
// being fetched. Execute runs at most once per successful import.
type Definition struct {
	Execute func(ctx context.Context) (Exports, error)
}

// SyntheticAddress returns the stable address for a shared dependency name.
func SyntheticAddress(name string) string {
	return SharedScheme + name
}

// IsSynthetic reports whether addr is a synthetic address.
func IsSynthetic(addr string) bool {
	return strings.HasPrefix(addr, SharedScheme)
}
