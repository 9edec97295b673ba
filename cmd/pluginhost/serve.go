// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/config"
	"github.com/holomush/pluginhost/internal/host"
	"github.com/holomush/pluginhost/internal/logging"
	"github.com/holomush/pluginhost/internal/observability"
)

const (
	serviceName     = "pluginhost"
	shutdownTimeout = 5 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the plugin host",
		Long: `Start the plugin host: resolve shared dependencies, load every
installed plugin and serve the host router. In dev mode plugins that
declare a dev server are loaded from it and reloaded when their
sources change.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

// hostVersion returns the build version as semver, or the default for dev
// builds.
func hostVersion() *semver.Version {
	v, err := semver.NewVersion(version)
	if err != nil {
		return host.DefaultVersion
	}
	return v
}

// runServeWithDeps starts the plugin host with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.HostFactory == nil {
		deps.HostFactory = func(cfg config.Config, opts ...host.Option) (PluginHost, error) {
			return host.New(cfg, opts...)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if deps.ListenerFactory == nil {
		deps.ListenerFactory = net.Listen
	}
	if ctx == nil {
		ctx = context.Background()
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.New(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.LogFormat,
		Level:   level,
		Writer:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	if err := cfg.EnsurePluginsDir(); err != nil {
		return fmt.Errorf("failed to create plugins directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The readiness checker is replaced once the host exists.
	var obsServer ObservabilityServer
	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, func() bool { return false })
		metrics = obsServer.Metrics()
	}

	h, err := deps.HostFactory(*cfg,
		host.WithVersion(hostVersion()),
		host.WithLogger(logger),
		host.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to create plugin host: %w", err)
	}
	defer func() {
		if closeErr := h.Close(); closeErr != nil {
			slog.Warn("error closing plugin host", "error", closeErr)
		}
	}()

	if obsServer != nil {
		obsServer.SetReadinessChecker(h.Ready)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if stopErr := obsServer.Stop(stopCtx); stopErr != nil {
				slog.Warn("error stopping observability server", "error", stopErr)
			}
		}()
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start plugin host: %w", err)
	}

	listener, err := deps.ListenerFactory("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
		close(errChan)
	}()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Printf("Plugin host listening on %s\n", listener.Addr())
	slog.Info("plugin host ready",
		"addr", listener.Addr().String(),
		"plugins_dir", cfg.PluginsDir,
		"dev", cfg.Dev,
	)

	var serveErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err, ok := <-errChan:
		if ok {
			serveErr = fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error stopping HTTP server", "error", err)
	}

	slog.Info("shutdown complete")
	return serveErr
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
