// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

// Export is the name of the entrypoint export that carries the window.
const Export = "plugin"

// RouteNode is one node of a plugin's route tree. Index nodes render at
// their parent's path and carry no path of their own.
type RouteNode struct {
	Path      string         `json:"path,omitempty"`
	Index     bool           `json:"index,omitempty"`
	ID        string         `json:"id,omitempty"`
	Component string         `json:"component,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Children  []RouteNode    `json:"children,omitempty"`
}

// ExtensionRegistration contributes a payload to a named host extension
// point.
type ExtensionRegistration struct {
	ExtensionPointID string `json:"extensionPointId" jsonschema:"minLength=1"`
	Payload          any    `json:"payload,omitempty"`
}

// Window is what a plugin exposes to the host.
type Window struct {
	Routes     []RouteNode             `json:"routes,omitempty"`
	Extensions []ExtensionRegistration `json:"extensions,omitempty"`
}

// Descriptor identifies a plugin to load.
type Descriptor struct {
	PluginID   string
	DevMode    bool
	DevPort    int
	ModuleHash string
}
