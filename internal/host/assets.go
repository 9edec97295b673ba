// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/modsys"
	"github.com/holomush/pluginhost/internal/plugin"
)

// AssetPrefix is the path installed plugin bundles are served under.
const AssetPrefix = "/_/plugins/"

// PluginDirs looks up the directory of an installed plugin.
type PluginDirs interface {
	Get(id string) (*plugin.DiscoveredPlugin, bool)
}

// resolveAsset maps a bundle-relative path to a file inside the plugin's
// directory. Paths escaping the directory are rejected.
func resolveAsset(dirs PluginDirs, pluginID, rel string) (string, error) {
	dp, ok := dirs.Get(pluginID)
	if !ok {
		return "", oops.In("host").Code("PLUGIN_NOT_FOUND").With("plugin", pluginID).
			Errorf("plugin %s is not installed", pluginID)
	}
	clean := filepath.Clean("/" + filepath.FromSlash(rel))
	if clean == string(filepath.Separator) {
		return "", oops.In("host").Code("ASSET_NOT_FOUND").With("plugin", pluginID).Errorf("asset path is empty")
	}
	path := filepath.Join(dp.Dir, clean)
	root := filepath.Clean(dp.Dir) + string(filepath.Separator)
	if !strings.HasPrefix(path, root) {
		return "", oops.In("host").Code("ASSET_NOT_FOUND").With("plugin", pluginID).With("path", rel).
			Errorf("asset path escapes the plugin directory")
	}
	return path, nil
}

// localFetcher reads entrypoints served by this host straight from the
// plugins directory and sends every other address to next.
type localFetcher struct {
	prefix string
	dirs   PluginDirs
	next   modsys.Fetcher
}

func newLocalFetcher(origin string, dirs PluginDirs, next modsys.Fetcher) *localFetcher {
	return &localFetcher{
		prefix: strings.TrimRight(origin, "/") + AssetPrefix,
		dirs:   dirs,
		next:   next,
	}
}

func (f *localFetcher) Fetch(ctx context.Context, addr string) ([]byte, error) {
	rest, ok := strings.CutPrefix(addr, f.prefix)
	if !ok {
		//nolint:wrapcheck // fetch errors already carry FETCH_FAILED
		return f.next.Fetch(ctx, addr)
	}

	pluginID, rel, ok := strings.Cut(rest, "/assets/")
	if !ok {
		return nil, oops.In("modsys").Code("FETCH_FAILED").With("address", addr).Errorf("not an asset address")
	}
	path, err := resolveAsset(f.dirs, pluginID, rel)
	if err != nil {
		return nil, oops.In("modsys").Code("FETCH_FAILED").With("address", addr).Wrap(err)
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is confined to the plugin directory
	if err != nil {
		return nil, oops.In("modsys").Code("FETCH_FAILED").With("address", addr).Wrap(err)
	}
	return data, nil
}

// serveAsset handles GET /_/plugins/{id}/assets/{path}.
func (h *Host) serveAsset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path, err := resolveAsset(h.manager, vars["id"], vars["path"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	if strings.HasSuffix(path, ".lua") {
		w.Header().Set("Content-Type", "text/x-lua; charset=utf-8")
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}
