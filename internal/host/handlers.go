// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/editorschema"
	"github.com/holomush/pluginhost/internal/registry"
	"github.com/holomush/pluginhost/pkg/errutil"
)

// PluginMountPrefix is the path every plugin's routes are mounted under.
const PluginMountPrefix = "/_plugin/"

const maxSchemaBody = 4 << 20

// Handler returns the host router.
func (h *Host) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(AssetPrefix+"{id}/assets/{path:.+}", h.serveAsset).Methods(http.MethodGet, http.MethodHead)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/plugins", h.listPlugins).Methods(http.MethodGet)
	api.HandleFunc("/plugins/{id}", h.getPlugin).Methods(http.MethodGet)
	api.HandleFunc("/plugins/{id}", h.deletePlugin).Methods(http.MethodDelete)
	api.HandleFunc("/plugins/{id}/reload", h.reloadPlugin).Methods(http.MethodPost)
	api.HandleFunc("/routes", h.listRoutes).Methods(http.MethodGet)
	api.HandleFunc("/extensions", h.listExtensions).Methods(http.MethodGet)
	api.HandleFunc("/shared", h.listShared).Methods(http.MethodGet)
	api.HandleFunc("/editor/schemas/{language}", h.getSchemas).Methods(http.MethodGet)
	api.HandleFunc("/editor/schemas/{plugin}", h.deletePluginSchemas).Methods(http.MethodDelete)
	api.HandleFunc("/editor/schemas/{plugin}/{connection}", h.putSchemas).Methods(http.MethodPut)
	api.HandleFunc("/editor/schemas/{plugin}/{connection}", h.deleteSchemas).Methods(http.MethodDelete)

	r.HandleFunc(PluginMountPrefix+"{id}/retry", h.retryPlugin).Methods(http.MethodPost)
	r.HandleFunc(PluginMountPrefix+"{id}", h.servePlugin).Methods(http.MethodGet)
	r.HandleFunc(PluginMountPrefix+"{id}/{path:.*}", h.servePlugin).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Host) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errutil.Code(err)
	switch {
	case code == "PLUGIN_NOT_FOUND":
		status = http.StatusNotFound
	case code == "BUILTIN_PLUGIN":
		status = http.StatusConflict
	case strings.HasPrefix(code, "INVALID_"):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		errutil.LogError(h.logger, "request failed", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

// PluginStatus is the API view of one plugin.
type PluginStatus struct {
	ID          string        `json:"id"`
	Version     string        `json:"version,omitempty"`
	Description string        `json:"description,omitempty"`
	Builtin     bool          `json:"builtin"`
	DevMode     bool          `json:"devMode"`
	Address     string        `json:"address"`
	Loaded      bool          `json:"loaded"`
	Error       string        `json:"error,omitempty"`
	State       string        `json:"state"`
	Generation  uint64        `json:"generation"`
	Routes      int           `json:"routes"`
	Sessions    []SessionInfo `json:"sessions,omitempty"`
}

// Status returns the API view of pluginID.
func (h *Host) Status(pluginID string) (PluginStatus, error) {
	desc, err := h.Descriptor(pluginID)
	if err != nil {
		return PluginStatus{}, err
	}
	st := PluginStatus{
		ID:       pluginID,
		Builtin:  h.loader.IsBuiltin(pluginID),
		DevMode:  desc.DevMode,
		Address:  h.loader.Address(desc),
		State:    "unmounted",
		Sessions: h.sessions.forPlugin(pluginID),
	}
	if st.Builtin {
		st.Address = "builtin://" + pluginID
		st.Version = h.version.String()
	}
	if dp, ok := h.manager.Get(pluginID); ok {
		st.Version = dp.Manifest.Version
		st.Description = dp.Manifest.Description
	}
	if e, ok := h.routes.Get(pluginID); ok {
		st.Loaded = true
		st.Routes = len(e.NormalizedRoutes)
	}
	if err := h.Failure(pluginID); err != nil {
		st.Error = err.Error()
	}
	if inst, ok := h.reloads.Get(pluginID); ok {
		st.State = inst.State().String()
		st.Generation = inst.Generation()
	}
	return st, nil
}

// Plugins returns the status of every builtin and installed plugin.
func (h *Host) Plugins() []PluginStatus {
	ids := append(h.loader.Builtins(), h.manager.ListPlugins()...)
	out := make([]PluginStatus, 0, len(ids))
	for _, id := range ids {
		st, err := h.Status(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (h *Host) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Plugins())
}

func (h *Host) getPlugin(w http.ResponseWriter, r *http.Request) {
	st, err := h.Status(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Host) deletePlugin(w http.ResponseWriter, r *http.Request) {
	if err := h.Unload(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) reloadPlugin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.RequestReload(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "reload requested"})
}

func (h *Host) listRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.routes.AllPluginRoutes())
}

func (h *Host) listExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.extensions.List(r.URL.Query().Get("point")))
}

type sharedStatus struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Resolved bool   `json:"resolved"`
}

func (h *Host) listShared(w http.ResponseWriter, _ *http.Request) {
	imports := h.loader.ImportMap()
	names := h.shared.Names()
	out := make([]sharedStatus, 0, len(names))
	for _, name := range names {
		_, ok := h.shared.Get(name)
		out = append(out, sharedStatus{Name: name, Address: imports[name], Resolved: ok})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Host) getSchemas(w http.ResponseWriter, r *http.Request) {
	lang := editorschema.Language(mux.Vars(r)["language"])
	if !lang.Valid() {
		h.writeError(w, oops.In("host").Code("INVALID_LANGUAGE").Errorf("unsupported schema language %q", lang))
		return
	}
	writeJSON(w, http.StatusOK, h.surface.Schemas(lang))
}

type schemaRegistration struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

func (h *Host) putSchemas(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var contribs []editorschema.Contribution
	if err := sonic.ConfigDefault.NewDecoder(http.MaxBytesReader(w, r.Body, maxSchemaBody)).Decode(&contribs); err != nil {
		h.writeError(w, oops.In("host").Code("INVALID_BODY").Wrapf(err, "decode schema contributions"))
		return
	}
	accepted := h.schemas.Register(vars["plugin"], vars["connection"], contribs)
	writeJSON(w, http.StatusOK, schemaRegistration{Accepted: accepted, Rejected: len(contribs) - accepted})
}

func (h *Host) deleteSchemas(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.schemas.Unregister(vars["plugin"], vars["connection"])
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) deletePluginSchemas(w http.ResponseWriter, r *http.Request) {
	h.schemas.UnregisterPlugin(mux.Vars(r)["plugin"])
	w.WriteHeader(http.StatusNoContent)
}

// servePlugin is the plugin region of the host router. Load failures and
// render panics go to the plugin's error boundary; nothing outside the
// region is affected.
func (h *Host) servePlugin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	route, mounted := h.mountedRoute(id)
	boundary := registry.ErrorHandler(h.renderRetryPage)
	if mounted && route.ErrorBoundary != nil {
		boundary = route.ErrorBoundary
	}

	if err := h.Failure(id); err != nil {
		boundary(w, r, id, err)
		return
	}
	if !mounted {
		h.writeError(w, oops.In("host").Code("PLUGIN_NOT_FOUND").With("plugin", id).Errorf("plugin %s is not loaded", id))
		return
	}
	if route.Component == nil {
		writeJSON(w, http.StatusOK, route.Loader())
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := oops.In("host").Code("RENDER_FAILED").With("plugin", id).With("path", r.URL.Path).
				Errorf("render panicked: %v", rec)
			errutil.LogError(h.logger, "plugin render failed", err)
			boundary(w, r, id, err)
		}
	}()
	route.Component.ServeHTTP(w, r)
}

func (h *Host) mountedRoute(pluginID string) (registry.MountedRoute, bool) {
	for _, route := range h.routes.AllPluginRoutes() {
		if route.Path == pluginID {
			return route, true
		}
	}
	return registry.MountedRoute{}, false
}

// RenderResult is what the render boundary returns for a matched path.
type RenderResult struct {
	registry.RouteData
	Generation uint64            `json:"generation"`
	Path       string            `json:"path"`
	RouteID    string            `json:"routeId,omitempty"`
	Components []string          `json:"components"`
	Params     map[string]string `json:"params,omitempty"`
	Meta       map[string]any    `json:"meta,omitempty"`
}

// renderPlugin resolves the request path against the plugin's routes.
func (h *Host) renderPlugin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, path := vars["id"], vars["path"]

	match, ok := h.routes.Match(id, path)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no route matches " + path, Code: "ROUTE_NOT_FOUND"})
		return
	}

	res := RenderResult{
		RouteData:  registry.RouteData{PluginID: id},
		Path:       "/" + strings.Trim(path, "/"),
		Components: make([]string, 0, len(match.Chain)),
		Params:     match.Params,
	}
	for _, node := range match.Chain {
		if node.Component != "" {
			res.Components = append(res.Components, node.Component)
		}
	}
	if leaf, ok := match.Leaf(); ok {
		res.RouteID = leaf.ID
		res.Meta = leaf.Meta
	}
	if inst, ok := h.reloads.Get(id); ok {
		res.Generation = inst.Generation()
	}
	writeJSON(w, http.StatusOK, res)
}

var retryPage = template.Must(template.New("retry").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.PluginID}} failed to load</title></head>
<body>
<main data-plugin="{{.PluginID}}">
<h1>{{.PluginID}} failed to load</h1>
<pre>{{.Error}}</pre>
<form method="post" action="{{.RetryURL}}"><button type="submit">Retry</button></form>
</main>
</body>
</html>
`))

// renderRetryPage is the error boundary of every mounted plugin.
func (h *Host) renderRetryPage(w http.ResponseWriter, _ *http.Request, pluginID string, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = retryPage.Execute(w, map[string]string{
		"PluginID": pluginID,
		"Error":    err.Error(),
		"RetryURL": PluginMountPrefix + pluginID + "/retry",
	})
}

func (h *Host) retryPlugin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := h.Retry(r.Context(), id)
	if err == nil {
		http.Redirect(w, r, PluginMountPrefix+id+"/", http.StatusSeeOther)
		return
	}
	if errutil.HasCode(err, "PLUGIN_NOT_FOUND") {
		h.writeError(w, err)
		return
	}
	h.renderRetryPage(w, r, id, err)
}
