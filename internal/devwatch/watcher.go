// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package devwatch watches dev-mode plugin sources and publishes a reload
// notification for a plugin once its files stop changing.
package devwatch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/eventbus"
	"github.com/holomush/pluginhost/internal/hotreload"
)

// DefaultDebounce is used when no positive debounce is configured.
const DefaultDebounce = 250 * time.Millisecond

// Publisher publishes reload notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (eventbus.Event, error)
}

// Watcher maps changed files to the plugin that owns them.
type Watcher struct {
	fsw      *fsnotify.Watcher
	pub      Publisher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	owners  map[string]string // watched directory -> plugin id
	pending map[string]*time.Timer
	closed  bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// New starts a watcher that publishes through pub.
func New(pub Publisher, debounce time.Duration, opts ...Option) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("devwatch").Code("WATCH_FAILED").Wrapf(err, "create watcher")
	}
	w := &Watcher{
		fsw:      fsw,
		pub:      pub,
		debounce: debounce,
		logger:   slog.Default(),
		owners:   make(map[string]string),
		pending:  make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.processLoop()
	return w, nil
}

// Add watches paths under dir for pluginID. Paths are relative to dir; an
// empty list watches dir itself. Directories are watched recursively, hidden
// directories excepted.
func (w *Watcher) Add(pluginID, dir string, paths []string) error {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		root := filepath.Clean(filepath.Join(dir, p))
		info, err := os.Stat(root)
		if err != nil {
			return oops.In("devwatch").Code("WATCH_FAILED").
				With("plugin", pluginID).With("path", root).Wrapf(err, "stat watch path")
		}
		if !info.IsDir() {
			// fsnotify watches directories; the file's events arrive through its parent.
			root = filepath.Dir(root)
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return w.watchDir(pluginID, path)
		})
		if err != nil {
			return oops.In("devwatch").Code("WATCH_FAILED").
				With("plugin", pluginID).With("path", root).Wrap(err)
		}
	}
	w.logger.Info("watching plugin sources", "plugin", pluginID, "dir", dir)
	return nil
}

func (w *Watcher) watchDir(pluginID, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return oops.In("devwatch").Code("WATCHER_CLOSED").Errorf("watcher is closed")
	}
	if err := w.fsw.Add(dir); err != nil {
		return err //nolint:wrapcheck // wrapped by Add
	}
	w.owners[dir] = pluginID
	return nil
}

// Watched returns the watched directories and the plugin owning each.
func (w *Watcher) Watched() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.owners))
	for dir, id := range w.owners {
		out[dir] = id
	}
	return out
}

func (w *Watcher) processLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}

	w.mu.Lock()
	pluginID, ok := w.owners[filepath.Dir(ev.Name)]
	w.mu.Unlock()
	if !ok {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.Add(pluginID, ev.Name, nil); err != nil {
				w.logger.Warn("watching new directory failed", "plugin", pluginID, "dir", ev.Name, "error", err)
			}
		}
	}
	w.schedule(pluginID)
}

// schedule restarts the plugin's debounce timer.
func (w *Watcher) schedule(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[pluginID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[pluginID] = time.AfterFunc(w.debounce, func() {
		w.fire(pluginID)
	})
}

func (w *Watcher) fire(pluginID string) {
	w.mu.Lock()
	delete(w.pending, pluginID)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.pub.Publish(ctx, hotreload.ReloadTopic, hotreload.ReloadPayload{ID: pluginID}); err != nil {
		w.logger.Warn("publishing reload failed", "plugin", pluginID, "error", err)
		return
	}
	w.logger.Debug("plugin sources changed", "plugin", pluginID)
}

// Close stops watching and drops pending notifications.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
	w.mu.Unlock()

	close(w.closeCh)
	w.wg.Wait()
	if err := w.fsw.Close(); err != nil {
		return oops.In("devwatch").Wrapf(err, "close watcher")
	}
	return nil
}
