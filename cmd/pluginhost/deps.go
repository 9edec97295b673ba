package main

import (
	"context"
	"net"
	"net/http"

	"github.com/holomush/pluginhost/internal/config"
	"github.com/holomush/pluginhost/internal/host"
	"github.com/holomush/pluginhost/internal/observability"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// HostFactory builds the plugin host.
	// Default: host.New
	HostFactory func(cfg config.Config, opts ...host.Option) (PluginHost, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// ListenerFactory creates the HTTP listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)
}

// PluginHost interface wraps the methods used from host.Host.
type PluginHost interface {
	Start(ctx context.Context) error
	Handler() http.Handler
	Ready() bool
	Close() error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Metrics() *observability.Metrics
	SetReadinessChecker(fn observability.ReadinessChecker)
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
