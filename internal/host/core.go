// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host

import (
	"github.com/holomush/pluginhost/internal/modsys"
	"github.com/holomush/pluginhost/internal/plugin"
)

// CorePluginID is the plugin compiled into the host.
const CorePluginID = "core"

// Extension points the host renders.
const (
	ExtensionNavigation = "core.navigation"
	ExtensionDashboard  = "core.dashboard"
)

func coreExports() modsys.Exports {
	return modsys.Exports{
		plugin.Export: plugin.Window{
			Routes: []plugin.RouteNode{
				{Index: true, ID: "core.home", Component: "Home"},
				{Path: "/plugins", ID: "core.plugins", Component: "PluginList"},
				{Path: "/plugins/:pluginId", ID: "core.plugin", Component: "PluginDetail"},
			},
			Extensions: []plugin.ExtensionRegistration{
				{
					ExtensionPointID: ExtensionNavigation,
					Payload:          map[string]any{"label": "Plugins", "path": "/plugins"},
				},
			},
		},
	}
}
