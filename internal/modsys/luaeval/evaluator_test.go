// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package luaeval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginhost/internal/modsys"
	"github.com/holomush/pluginhost/internal/modsys/luaeval"
	"github.com/holomush/pluginhost/pkg/errutil"
)

type sources map[string]string

func (s sources) Fetch(_ context.Context, addr string) ([]byte, error) {
	src, ok := s[addr]
	if !ok {
		return nil, errors.New("no module at " + addr)
	}
	return []byte(src), nil
}

const base = "http://localhost/_/plugins/kubernetes/assets/"

func newSystem(t *testing.T, src sources) *modsys.System {
	t.Helper()
	return modsys.New(src, luaeval.NewEvaluator(time.Second))
}

func TestEvaluate_ReturnsExports(t *testing.T) {
	sys := newSystem(t, sources{base + "entry.lua": `
		return {
			name = "kubernetes",
			count = 3,
			enabled = true,
			tags = { "infra", "k8s" },
			plugin = { routes = { { path = "/", component = "Home" } } },
			helper = function() return 1 end,
		}
	`})

	mod, err := sys.Import(context.Background(), base+"entry.lua")
	require.NoError(t, err)

	assert.Equal(t, "kubernetes", mod.Exports["name"])
	assert.InDelta(t, 3.0, mod.Exports["count"], 0)
	assert.Equal(t, true, mod.Exports["enabled"])
	assert.Equal(t, []any{"infra", "k8s"}, mod.Exports["tags"])
	assert.NotContains(t, mod.Exports, "helper", "functions are not exported as data")

	window, ok := mod.Exports["plugin"].(map[string]any)
	require.True(t, ok)
	routes, ok := window["routes"].([]any)
	require.True(t, ok)
	require.Len(t, routes, 1)
	assert.Equal(t, map[string]any{"path": "/", "component": "Home"}, routes[0])
}

func TestEvaluate_NilReturnYieldsNoExports(t *testing.T) {
	sys := newSystem(t, sources{base + "entry.lua": `local x = 1`})

	mod, err := sys.Import(context.Background(), base+"entry.lua")
	require.NoError(t, err)
	assert.Empty(t, mod.Exports)
}

func TestEvaluate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"syntax error", `return {`},
		{"runtime error", `error("boom")`},
		{"non-table return", `return 42`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := newSystem(t, sources{base + "entry.lua": tt.source})

			_, err := sys.Import(context.Background(), base+"entry.lua")
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "EVALUATION_FAILED")
		})
	}
}

func TestEvaluate_SandboxHidesUnsafeLibraries(t *testing.T) {
	sys := newSystem(t, sources{base + "entry.lua": `
		return {
			os = os ~= nil,
			io = io ~= nil,
			dofile = dofile ~= nil,
			loadstring = loadstring ~= nil,
			string = string ~= nil,
		}
	`})

	mod, err := sys.Import(context.Background(), base+"entry.lua")
	require.NoError(t, err)
	assert.Equal(t, false, mod.Exports["os"])
	assert.Equal(t, false, mod.Exports["io"])
	assert.Equal(t, false, mod.Exports["dofile"])
	assert.Equal(t, false, mod.Exports["loadstring"])
	assert.Equal(t, true, mod.Exports["string"])
}

func TestEvaluate_RequireSharedDependency(t *testing.T) {
	sys := newSystem(t, sources{base + "entry.lua": `
		local router = require("router")
		return { target = router.navigate("/kubernetes/pods"), kind = router.kind }
	`})

	var navigated []any
	require.NoError(t, sys.Register("shared://router", modsys.Definition{
		Execute: func(context.Context) (modsys.Exports, error) {
			return modsys.Exports{
				"kind": "router",
				"navigate": modsys.Func(func(_ context.Context, args ...any) (any, error) {
					navigated = append(navigated, args...)
					return "ok", nil
				}),
			}, nil
		},
	}))
	sys.MapImport("router", "shared://router")

	mod, err := sys.Import(context.Background(), base+"entry.lua")
	require.NoError(t, err)
	assert.Equal(t, "ok", mod.Exports["target"])
	assert.Equal(t, "router", mod.Exports["kind"])
	assert.Equal(t, []any{"/kubernetes/pods"}, navigated)
}

func TestEvaluate_HostFunctionErrorRaises(t *testing.T) {
	sys := newSystem(t, sources{base + "entry.lua": `
		local router = require("router")
		router.navigate("/nowhere")
		return {}
	`})
	require.NoError(t, sys.Register("shared://router", modsys.Definition{
		Execute: func(context.Context) (modsys.Exports, error) {
			return modsys.Exports{
				"navigate": modsys.Func(func(context.Context, ...any) (any, error) {
					return nil, errors.New("route not found")
				}),
			}, nil
		},
	}))
	sys.MapImport("router", "shared://router")

	_, err := sys.Import(context.Background(), base+"entry.lua")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route not found")
}

func TestEvaluate_RequireRelative(t *testing.T) {
	sys := newSystem(t, sources{
		base + "entry.lua":         `local util = require("./lib/util.lua") return { greeting = util.greet }`,
		base + "lib/util.lua":      `local c = require("../constants.lua") return { greet = "hello " .. c.who }`,
		base + "constants.lua":     `return { who = "cluster" }`,
		base + "lib/unrelated.lua": `return {}`,
	})

	mod, err := sys.Import(context.Background(), base+"entry.lua")
	require.NoError(t, err)
	assert.Equal(t, "hello cluster", mod.Exports["greeting"])
	assert.True(t, sys.Cached(base+"lib/util.lua"))
	assert.True(t, sys.Cached(base+"constants.lua"))
	assert.False(t, sys.Cached(base+"lib/unrelated.lua"))
}

func TestEvaluate_ImportCycleFails(t *testing.T) {
	sys := newSystem(t, sources{
		base + "a.lua": `local b = require("./b.lua") return { b = b }`,
		base + "b.lua": `local a = require("./a.lua") return { a = a }`,
	})

	_, err := sys.Import(context.Background(), base+"a.lua")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import cycle")
}

func TestEvaluate_TimeoutStopsRunawayModule(t *testing.T) {
	sys := modsys.New(sources{base + "entry.lua": `while true do end`}, luaeval.NewEvaluator(50*time.Millisecond))

	start := time.Now()
	_, err := sys.Import(context.Background(), base+"entry.lua")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewEvaluator_DefaultTimeout(t *testing.T) {
	assert.NotNil(t, luaeval.NewEvaluator(0))
}
