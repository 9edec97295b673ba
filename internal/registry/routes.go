// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"strings"

	"github.com/holomush/pluginhost/internal/plugin"
)

// NormalizePluginRoutes re-roots a plugin's route tree so it can be nested
// under the plugin's own path segment. Index routes lose any path; every
// other path has all leading separators stripped. Children are normalized
// before their parent is returned. The input is not modified.
func NormalizePluginRoutes(routes []plugin.RouteNode) []plugin.RouteNode {
	if routes == nil {
		return nil
	}
	out := make([]plugin.RouteNode, len(routes))
	for i, r := range routes {
		r.Children = NormalizePluginRoutes(r.Children)
		if r.Index {
			r.Path = ""
		} else {
			r.Path = strings.TrimLeft(r.Path, "/")
		}
		out[i] = r
	}
	return out
}

// Match is the result of resolving a request path against a plugin's routes.
type Match struct {
	PluginID string             `json:"pluginId"`
	Chain    []plugin.RouteNode `json:"chain"`
	Params   map[string]string  `json:"params,omitempty"`
}

// Leaf returns the innermost matched route.
func (m Match) Leaf() (plugin.RouteNode, bool) {
	if len(m.Chain) == 0 {
		return plugin.RouteNode{}, false
	}
	return m.Chain[len(m.Chain)-1], true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchRoutes resolves segments against routes depth-first and in order.
// ":name" captures one segment, "*" captures the rest.
func matchRoutes(routes []plugin.RouteNode, segments []string, params map[string]string) ([]plugin.RouteNode, bool) {
	for _, r := range routes {
		if r.Index {
			if len(segments) == 0 {
				return []plugin.RouteNode{r}, true
			}
			continue
		}

		captured := make(map[string]string)
		rest, ok := consume(splitPath(r.Path), segments, captured)
		if !ok {
			continue
		}

		if len(r.Children) > 0 {
			if chain, ok := matchRoutes(r.Children, rest, captured); ok {
				merge(params, captured)
				return append([]plugin.RouteNode{r}, chain...), true
			}
		}
		if len(rest) == 0 {
			merge(params, captured)
			return []plugin.RouteNode{r}, true
		}
	}
	return nil, false
}

func consume(pattern, segments []string, params map[string]string) ([]string, bool) {
	for i, p := range pattern {
		if p == "*" {
			params["*"] = strings.Join(segments[min(i, len(segments)):], "/")
			return nil, true
		}
		if i >= len(segments) {
			return nil, false
		}
		switch {
		case strings.HasPrefix(p, ":"):
			params[p[1:]] = segments[i]
		case p != segments[i]:
			return nil, false
		}
	}
	return segments[len(pattern):], true
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
