// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the plugin host configuration from a YAML file and
// command-line flags. Flags win over the file; unset keys keep their
// defaults.
package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/pluginhost/internal/logging"
	"github.com/holomush/pluginhost/internal/xdg"
)

// Config is the plugin host configuration.
type Config struct {
	ListenAddr       string        `koanf:"listen-addr"`
	MetricsAddr      string        `koanf:"metrics-addr"`
	Origin           string        `koanf:"origin"`
	PluginsDir       string        `koanf:"plugins-dir"`
	LogFormat        string        `koanf:"log-format"`
	LogLevel         string        `koanf:"log-level"`
	ModuleCacheSize  int           `koanf:"module-cache-size"`
	FetchTimeout     time.Duration `koanf:"fetch-timeout"`
	FetchRetries     int           `koanf:"fetch-retries"`
	Dev              bool          `koanf:"dev"`
	DevHost          string        `koanf:"dev-host"`
	DevWatch         bool          `koanf:"dev-watch"`
	DevDebounce      time.Duration `koanf:"dev-debounce"`
	EditorFlushDelay time.Duration `koanf:"editor-flush-delay"`
}

// Default values.
const (
	DefaultListenAddr       = "127.0.0.1:8080"
	DefaultMetricsAddr      = "127.0.0.1:9100"
	DefaultOrigin           = "http://127.0.0.1:8080"
	DefaultLogFormat        = "json"
	DefaultLogLevel         = "info"
	DefaultModuleCacheSize  = 256
	DefaultFetchTimeout     = 10 * time.Second
	DefaultFetchRetries     = 3
	DefaultDevHost          = "localhost"
	DefaultDevDebounce      = 250 * time.Millisecond
	DefaultEditorFlushDelay = 10 * time.Millisecond
)

// Defaults returns the configuration used when nothing overrides it. The
// plugins directory falls back to "plugins" when the XDG data directory
// cannot be resolved.
func Defaults() Config {
	pluginsDir, err := xdg.PluginsDir()
	if err != nil {
		pluginsDir = "plugins"
	}
	return Config{
		ListenAddr:       DefaultListenAddr,
		MetricsAddr:      DefaultMetricsAddr,
		Origin:           DefaultOrigin,
		PluginsDir:       pluginsDir,
		LogFormat:        DefaultLogFormat,
		LogLevel:         DefaultLogLevel,
		ModuleCacheSize:  DefaultModuleCacheSize,
		FetchTimeout:     DefaultFetchTimeout,
		FetchRetries:     DefaultFetchRetries,
		DevHost:          DefaultDevHost,
		DevWatch:         true,
		DevDebounce:      DefaultDevDebounce,
		EditorFlushDelay: DefaultEditorFlushDelay,
	}
}

// RegisterFlags adds a flag for every key, defaulting to Defaults().
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("listen-addr", d.ListenAddr, "HTTP listen address")
	flags.String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	flags.String("origin", d.Origin, "origin production plugin entrypoints are served from")
	flags.String("plugins-dir", d.PluginsDir, "directory of installed plugins")
	flags.String("log-format", d.LogFormat, "log format (json or text)")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.Int("module-cache-size", d.ModuleCacheSize, "maximum cached plugin modules")
	flags.Duration("fetch-timeout", d.FetchTimeout, "timeout for one entrypoint fetch")
	flags.Int("fetch-retries", d.FetchRetries, "retries for transient fetch failures")
	flags.Bool("dev", d.Dev, "load plugins that declare a dev server from it")
	flags.String("dev-host", d.DevHost, "host plugin dev servers listen on")
	flags.Bool("dev-watch", d.DevWatch, "publish reloads when dev plugin sources change")
	flags.Duration("dev-debounce", d.DevDebounce, "quiet period before a source change triggers a reload")
	flags.Duration("editor-flush-delay", d.EditorFlushDelay, "delay before editor schema changes are pushed")
}

// Load reads path, then applies flags that were set. An empty path means the
// XDG config file, which may be absent; an explicit path must exist. flags
// may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		if p, err := xdg.ConfigFile(); err == nil {
			path = p
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, oops.In("config").Code("CONFIG_INVALID").With("path", path).
					Wrapf(err, "load config file")
			}
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.In("config").Code("CONFIG_INVALID").Wrapf(err, "load flags")
		}
	}

	cfg := Defaults()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.In("config").Code("CONFIG_INVALID").Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	errb := oops.In("config").Code("CONFIG_INVALID")
	if c.ListenAddr == "" {
		return errb.Errorf("listen-addr is required")
	}
	if c.PluginsDir == "" {
		return errb.Errorf("plugins-dir is required")
	}
	if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		return errb.With("origin", c.Origin).Errorf("origin must be an absolute URL, got %q", c.Origin)
	}
	if !logging.ValidFormat(c.LogFormat) {
		return errb.Errorf("log-format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return errb.Wrap(err)
	}
	if c.ModuleCacheSize <= 0 {
		return errb.Errorf("module-cache-size must be positive, got %d", c.ModuleCacheSize)
	}
	if c.FetchTimeout <= 0 {
		return errb.Errorf("fetch-timeout must be positive, got %s", c.FetchTimeout)
	}
	if c.FetchRetries < 0 {
		return errb.Errorf("fetch-retries cannot be negative, got %d", c.FetchRetries)
	}
	if c.Dev && c.DevHost == "" {
		return errb.Errorf("dev-host is required in dev mode")
	}
	if c.DevDebounce < 0 || c.EditorFlushDelay < 0 {
		return errb.Errorf("delays cannot be negative")
	}
	return nil
}

// EnsurePluginsDir creates the plugins directory if it does not exist.
func (c *Config) EnsurePluginsDir() error {
	if _, err := os.Stat(c.PluginsDir); err == nil {
		return nil
	}
	if err := xdg.EnsureDir(c.PluginsDir); err != nil {
		return oops.In("config").With("plugins_dir", c.PluginsDir).Wrap(err)
	}
	return nil
}
