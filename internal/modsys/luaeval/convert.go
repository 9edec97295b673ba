package luaeval

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/pluginhost/internal/modsys"
)

// maxDepth bounds conversion of nested values; deeper values are dropped.
const maxDepth = 32

// toLua converts a Go value exported by the host into a Lua value.
func toLua(ctx context.Context, L *lua.LState, v any, depth int) lua.LValue {
	if depth > maxDepth {
		return lua.LNil
	}

	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		t := L.CreateTable(len(val), 0)
		for _, s := range val {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLua(ctx, L, item, depth+1))
		}
		return t
	case modsys.Exports:
		return mapToLua(ctx, L, val, depth)
	case map[string]any:
		return mapToLua(ctx, L, val, depth)
	case modsys.Func:
		return L.NewFunction(wrapFunc(ctx, val))
	case func(ctx context.Context, args ...any) (any, error):
		return L.NewFunction(wrapFunc(ctx, val))
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func mapToLua(ctx context.Context, L *lua.LState, m map[string]any, depth int) *lua.LTable {
	t := L.CreateTable(0, len(m))
	for k, item := range m {
		t.RawSetString(k, toLua(ctx, L, item, depth+1))
	}
	return t
}

// wrapFunc exposes a host function to Lua. Arguments are converted to Go
// values, the single result back to Lua; errors are raised as Lua errors.
func wrapFunc(ctx context.Context, fn modsys.Func) lua.LGFunction {
	return func(L *lua.LState) int {
		args := make([]any, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			args = append(args, toGo(L.Get(i), 0))
		}
		result, err := fn(ctx, args...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(toLua(ctx, L, result, 0))
		return 1
	}
}

// toGo converts a Lua value into plain Go data: nil, bool, float64, string,
// []any or map[string]any. Functions and userdata are dropped.
func toGo(v lua.LValue, depth int) any {
	if depth > maxDepth {
		return nil
	}

	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		return tableToGo(val, depth)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, depth int) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if count == 0 {
		return []any{}
	}

	if n > 0 && count == n {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			if item := toGo(t.RawGetInt(i), depth+1); item != nil {
				arr = append(arr, item)
			}
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, item lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kv), 'f', -1, 64)
		default:
			return
		}
		if converted := toGo(item, depth+1); converted != nil {
			m[key] = converted
		}
	})
	return m
}

// exportsFromTable converts a module's returned table into exports. Keys are
// visited in sorted order so conversion is deterministic.
func exportsFromTable(t *lua.LTable) modsys.Exports {
	keys := make([]string, 0)
	t.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			keys = append(keys, string(s))
		}
	})
	sort.Strings(keys)

	exports := make(modsys.Exports, len(keys))
	for _, k := range keys {
		if v := toGo(t.RawGetString(k), 0); v != nil {
			exports[k] = v
		}
	}
	return exports
}
