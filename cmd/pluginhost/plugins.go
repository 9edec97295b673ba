// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/config"
	"github.com/holomush/pluginhost/internal/host"
	"github.com/holomush/pluginhost/internal/plugin"
)

// NewPluginsCmd creates the plugins subcommand.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect installed plugins",
		Long:  `Inspect the plugins installed in the plugins directory without a running host.`,
	}

	cmd.PersistentFlags().String("plugins-dir", config.Defaults().PluginsDir, "directory of installed plugins")

	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsValidateCmd())

	return cmd
}

// installedPlugin is one row of plugins list.
type installedPlugin struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Host        string `json:"host,omitempty"`
	DevPort     int    `json:"dev_port,omitempty"`
	Schemas     int    `json:"schemas"`
	Dir         string `json:"dir"`
}

func newPluginsListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runPluginsList(cmd, cfg, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output plugins as JSON")

	return cmd
}

func runPluginsList(cmd *cobra.Command, cfg *config.Config, jsonOutput bool) error {
	mgr := plugin.NewManager(cfg.PluginsDir, plugin.WithHostVersion(hostVersion()))
	discovered, err := mgr.Discover(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to discover plugins: %w", err)
	}

	rows := make([]installedPlugin, 0, len(discovered))
	for _, dp := range discovered {
		row := installedPlugin{
			Name:        dp.Manifest.Name,
			Version:     dp.Manifest.Version,
			Description: dp.Manifest.Description,
			Host:        dp.Manifest.Host,
			Schemas:     len(dp.Manifest.Schemas),
			Dir:         dp.Dir,
		}
		if dp.Manifest.Dev != nil {
			row.DevPort = dp.Manifest.Dev.Port
		}
		rows = append(rows, row)
	}

	if jsonOutput {
		data, err := sonic.ConfigDefault.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plugins: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if len(rows) == 0 {
		cmd.Printf("No plugins installed in %s\n", cfg.PluginsDir)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tDEV PORT\tSCHEMAS\tDESCRIPTION")
	for _, r := range rows {
		dev := "-"
		if r.DevPort != 0 {
			dev = fmt.Sprintf("%d", r.DevPort)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Name, r.Version, dev, r.Schemas, r.Description)
	}
	return w.Flush()
}

func newPluginsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [plugin...]",
		Short: "Load plugins into an offline host and report failures",
		Long: `Boot a host without serving it, load every installed plugin and
report which ones failed. With arguments only the named plugins are
reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runPluginsValidate(cmd, cfg, args)
		},
	}
}

func runPluginsValidate(cmd *cobra.Command, cfg *config.Config, ids []string) error {
	offline := *cfg
	offline.Dev = false
	offline.DevWatch = false

	h, err := host.New(offline,
		host.WithVersion(hostVersion()),
		host.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return fmt.Errorf("failed to create plugin host: %w", err)
	}
	defer func() { _ = h.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start plugin host: %w", err)
	}

	statuses := h.Plugins()
	if len(ids) > 0 {
		statuses = selectPlugins(statuses, ids)
		if len(statuses) != len(ids) {
			return fmt.Errorf("unknown plugin in %s", strings.Join(ids, ", "))
		}
	}

	var failed []string
	for _, st := range statuses {
		if st.Builtin {
			continue
		}
		if st.Error != "" {
			failed = append(failed, st.ID)
			cmd.Printf("FAIL %s: %s\n", st.ID, st.Error)
			continue
		}
		cmd.Printf("ok   %s (%d routes)\n", st.ID, st.Routes)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d plugin(s) failed to load: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func selectPlugins(statuses []host.PluginStatus, ids []string) []host.PluginStatus {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]host.PluginStatus, 0, len(ids))
	for _, st := range statuses {
		if want[st.ID] {
			out = append(out, st)
		}
	}
	return out
}
