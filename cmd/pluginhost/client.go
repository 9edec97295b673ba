// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/config"
	"github.com/holomush/pluginhost/internal/host"
)

const defaultAddr = "http://" + config.DefaultListenAddr

// apiClient talks to a running host's HTTP API.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(addr, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *apiClient) do(ctx context.Context, method, path string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		var apiErr apiError
		if decodeErr := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewReloadCmd creates the reload subcommand.
func NewReloadCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "reload <plugin>",
		Short: "Ask a running host to reload one plugin",
		Long: `Publish a reload notification for one plugin on a running host, as the
plugin's backend does after it restarts. Other plugins are not touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(addr)
			if err := c.do(contextOf(cmd), http.MethodPost, "/api/plugins/"+url.PathEscape(args[0])+"/reload", http.StatusAccepted, nil); err != nil {
				return fmt.Errorf("reload %s: %w", args[0], err)
			}
			cmd.Printf("Reload requested for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "base URL of the running host")

	return cmd
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	var (
		addr       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the plugins of a running host",
		Long:  `Show each plugin's state, generation and load health on a running host.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var statuses []host.PluginStatus
			if err := newAPIClient(addr).do(contextOf(cmd), http.MethodGet, "/api/plugins", http.StatusOK, &statuses); err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			if jsonOutput {
				data, err := sonic.ConfigDefault.MarshalIndent(statuses, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal status: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Print(formatStatusTable(statuses))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "base URL of the running host")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")

	return cmd
}

// formatStatusTable formats plugin statuses as a human-readable table.
func formatStatusTable(statuses []host.PluginStatus) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "PLUGIN\tSTATE\tGEN\tROUTES\tHEALTH")
	_, _ = fmt.Fprintln(w, "------\t-----\t---\t------\t------")
	for _, st := range statuses {
		health := "ok"
		if st.Error != "" {
			health = st.Error
		}
		name := st.ID
		if st.Builtin {
			name += " (builtin)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", name, st.State, st.Generation, st.Routes, health)
	}

	_ = w.Flush()
	return buf.String()
}
