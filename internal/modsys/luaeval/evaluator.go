// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package luaeval

import (
	"bytes"
	"context"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/pluginhost/internal/modsys"
)

// DefaultTimeout bounds the evaluation of a single entrypoint.
const DefaultTimeout = 5 * time.Second

// Compile-time interface check.
var _ modsys.Evaluator = (*Evaluator)(nil)

// Evaluator runs Lua module sources. A module is a chunk that returns a table
// of named exports; returning nothing yields no exports.
type Evaluator struct {
	factory *stateFactory
	timeout time.Duration
}

// NewEvaluator creates an evaluator. A non-positive timeout uses DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{
		factory: newStateFactory(),
		timeout: timeout,
	}
}

type chainKey struct{}

// evaluating returns the addresses currently being evaluated on this call path.
func evaluating(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	return chain
}

// Evaluate runs source as the module at addr.
func (e *Evaluator) Evaluate(ctx context.Context, addr string, source []byte, imp modsys.Importer) (modsys.Exports, error) {
	chain := evaluating(ctx)
	if slices.Contains(chain, addr) {
		return nil, oops.In("luaeval").Code("IMPORT_CYCLE").
			With("address", addr).With("chain", chain).Errorf("import cycle through %s", addr)
	}
	ctx = context.WithValue(ctx, chainKey{}, append(slices.Clone(chain), addr))

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	L, err := e.factory.newState(ctx)
	if err != nil {
		return nil, oops.In("luaeval").Code("EVALUATION_FAILED").With("address", addr).Wrap(err)
	}
	defer L.Close()

	L.SetGlobal("require", L.NewFunction(e.require(ctx, addr, imp)))

	fn, err := L.Load(bytes.NewReader(source), addr)
	if err != nil {
		return nil, oops.In("luaeval").Code("EVALUATION_FAILED").With("address", addr).Hint("syntax error").Wrap(err)
	}

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, oops.In("luaeval").Code("EVALUATION_FAILED").With("address", addr).Wrap(err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	switch val := ret.(type) {
	case *lua.LTable:
		return exportsFromTable(val), nil
	default:
		if ret == lua.LNil {
			return modsys.Exports{}, nil
		}
		return nil, oops.In("luaeval").Code("EVALUATION_FAILED").
			With("address", addr).With("returned", ret.Type().String()).
			Errorf("module must return a table of exports")
	}
}

// require resolves a specifier relative to the importing module, maps it
// through the host import map and returns the imported module's exports.
func (e *Evaluator) require(ctx context.Context, from string, imp modsys.Importer) lua.LGFunction {
	return func(L *lua.LState) int {
		specifier := L.CheckString(1)
		addr := imp.ResolveSpecifier(resolveRelative(from, specifier))

		if slices.Contains(evaluating(ctx), addr) {
			L.RaiseError("import cycle: %s requires %s", from, addr)
			return 0
		}

		mod, err := imp.Import(ctx, addr)
		if err != nil {
			L.RaiseError("require %q: %s", specifier, err.Error())
			return 0
		}
		L.Push(toLua(ctx, L, map[string]any(mod.Exports), 0))
		return 1
	}
}

// resolveRelative resolves "./x" and "../x" against the importing address.
func resolveRelative(from, specifier string) string {
	if !strings.HasPrefix(specifier, "./") && !strings.HasPrefix(specifier, "../") {
		return specifier
	}
	base, err := url.Parse(from)
	if err != nil {
		return specifier
	}
	ref, err := url.Parse(specifier)
	if err != nil {
		return specifier
	}
	return base.ResolveReference(ref).String()
}
