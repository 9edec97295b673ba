// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host

import (
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/modsys"
	"github.com/holomush/pluginhost/internal/shared"
)

// Shared dependency names every plugin can require.
const (
	DepHost       = "host"
	DepRouter     = "router"
	DepTheme      = "theme"
	DepQueryCache = "query-cache"
)

const queryCacheSize = 512

// Navigator records navigation requests made by plugins through the shared
// router.
type Navigator struct {
	mu      sync.Mutex
	history []string
}

// Navigate records path and returns its mount-relative form.
func (n *Navigator) Navigate(path string) string {
	p := "/" + strings.TrimLeft(path, "/")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, p)
	return p
}

// History returns every recorded navigation, oldest first.
func (n *Navigator) History() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.history))
	copy(out, n.history)
	return out
}

func stringArg(args []any, i int, fn string) (string, error) {
	if len(args) <= i {
		return "", oops.In("host").Code("INVALID_ARGUMENT").Errorf("%s: missing argument %d", fn, i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", oops.In("host").Code("INVALID_ARGUMENT").Errorf("%s: argument %d must be a string, got %T", fn, i+1, args[i])
	}
	return s, nil
}

// sharedEntries declares the host-owned singletons in the order they are
// resolved and mapped.
func (h *Host) sharedEntries() ([]shared.Entry, error) {
	cache, err := lru.New[string, any](queryCacheSize)
	if err != nil {
		return nil, oops.In("host").Wrapf(err, "create query cache")
	}

	entries := []shared.Entry{
		{
			Name: DepHost,
			Loader: func(context.Context) (modsys.Exports, error) {
				return modsys.Exports{
					"version": h.version.String(),
					"origin":  h.cfg.Origin,
					"dev":     h.cfg.Dev,
				}, nil
			},
		},
		{
			Name: DepRouter,
			Loader: func(context.Context) (modsys.Exports, error) {
				return modsys.Exports{
					"base": PluginMountPrefix,
					"navigate": modsys.Func(func(_ context.Context, args ...any) (any, error) {
						path, err := stringArg(args, 0, "navigate")
						if err != nil {
							return nil, err
						}
						return h.navigator.Navigate(path), nil
					}),
				}, nil
			},
		},
		{
			Name: DepTheme,
			Loader: func(context.Context) (modsys.Exports, error) {
				return modsys.Exports{
					"name": "default",
					"mode": "dark",
					"colors": map[string]any{
						"primary":    "#3b82f6",
						"background": "#0f172a",
						"text":       "#e2e8f0",
					},
				}, nil
			},
		},
		{
			Name: DepQueryCache,
			Loader: func(context.Context) (modsys.Exports, error) {
				return modsys.Exports{
					"get": modsys.Func(func(_ context.Context, args ...any) (any, error) {
						key, err := stringArg(args, 0, "get")
						if err != nil {
							return nil, err
						}
						v, _ := cache.Get(key)
						return v, nil
					}),
					"set": modsys.Func(func(_ context.Context, args ...any) (any, error) {
						key, err := stringArg(args, 0, "set")
						if err != nil {
							return nil, err
						}
						if len(args) < 2 {
							return nil, oops.In("host").Code("INVALID_ARGUMENT").Errorf("set: missing value for %s", key)
						}
						cache.Add(key, args[1])
						return args[1], nil
					}),
					"size": modsys.Func(func(context.Context, ...any) (any, error) {
						return cache.Len(), nil
					}),
				}, nil
			},
		},
	}

	for _, extra := range h.extraShared {
		for _, e := range entries {
			if e.Name == extra.Name {
				return nil, oops.In("host").Code("DUPLICATE_ENTRY").
					Errorf("shared dependency %s is provided by the host", extra.Name)
			}
		}
		entries = append(entries, extra)
	}
	return entries, nil
}
