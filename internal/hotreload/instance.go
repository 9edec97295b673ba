// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package hotreload

import (
	"context"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/eventbus"
	"github.com/holomush/pluginhost/internal/plugin"
)

// State is the lifecycle state of a mounted instance.
type State int

// Instance states.
const (
	StateMounted State = iota
	StateReloading
	StateUnmounted
)

func (s State) String() string {
	switch s {
	case StateMounted:
		return "mounted"
	case StateReloading:
		return "reloading"
	case StateUnmounted:
		return "unmounted"
	default:
		return "unknown"
	}
}

// Instance is one mounted plugin. Its generation only changes when a reload
// succeeds; a change means the plugin's subtree and session were replaced.
type Instance struct {
	controller *Controller
	desc       plugin.Descriptor
	sub        *eventbus.Subscription

	// reloadMu serializes reloads of this instance.
	reloadMu sync.Mutex

	mu         sync.RWMutex
	state      State
	generation uint64
	session    Session
	watchers   []chan uint64
}

// PluginID returns the mounted plugin's id.
func (i *Instance) PluginID() string {
	return i.desc.PluginID
}

// Generation returns the current remount generation.
func (i *Instance) Generation() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.generation
}

// State returns the current state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Session returns the current backend session, or nil.
func (i *Instance) Session() Session {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.session
}

// Watch returns a channel that receives the new generation after each
// successful reload. Only the latest generation is kept if the reader falls
// behind. The channel is closed on unmount.
func (i *Instance) Watch() <-chan uint64 {
	ch := make(chan uint64, 1)
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateUnmounted {
		close(ch)
		return ch
	}
	i.watchers = append(i.watchers, ch)
	return ch
}

func (i *Instance) handleEvent(ctx context.Context, ev eventbus.Event) {
	var payload ReloadPayload
	if err := ev.Decode(&payload); err != nil {
		i.controller.logger.Warn("ignoring malformed reload event", "event_id", ev.ID.String(), "error", err)
		return
	}
	if payload.ID != i.desc.PluginID {
		return
	}
	// Failures are logged inside Reload.
	_ = i.Reload(ctx)
}

// Reload clears and re-imports the plugin, re-registers its window and
// replaces its backend session at the next generation. On failure the
// instance stays mounted at its current generation with its current
// session.
func (i *Instance) Reload(ctx context.Context) error {
	i.reloadMu.Lock()
	defer i.reloadMu.Unlock()

	c := i.controller

	i.mu.Lock()
	if i.state != StateMounted {
		i.mu.Unlock()
		return oops.In("hotreload").Code("NOT_MOUNTED").With("plugin", i.desc.PluginID).
			Errorf("plugin %s is not mounted", i.desc.PluginID)
	}
	i.state = StateReloading
	current := i.generation
	i.mu.Unlock()

	fail := func(err error) error {
		i.setState(StateMounted)
		c.metrics.RecordReload(i.desc.PluginID, false)
		c.logReloadFailure(i.desc.PluginID, current, err)
		return err
	}

	window, err := c.reloader.Reload(ctx, i.desc)
	if err != nil {
		return fail(err)
	}

	next := current + 1
	session, err := c.openSession(ctx, i.desc.PluginID, next)
	if err != nil {
		return fail(err)
	}

	i.mu.Lock()
	if i.state == StateUnmounted {
		// Unmounted while reloading: the new session has no owner.
		i.mu.Unlock()
		if session != nil {
			_ = session.Close()
		}
		return nil
	}
	c.windows.RegisterPlugin(i.desc.PluginID, window)
	old := i.session
	i.session = session
	i.generation = next
	i.state = StateMounted
	for _, ch := range i.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	i.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Warn("closing previous session failed", "plugin", i.desc.PluginID, "generation", current, "error", err)
		}
	}

	c.metrics.RecordReload(i.desc.PluginID, true)
	c.logger.Info("plugin reloaded", "plugin", i.desc.PluginID, "generation", next)
	return nil
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateUnmounted {
		i.state = s
	}
}

// Unmount releases the reload subscription and the backend session. It
// returns after any in-flight reload has finished.
func (i *Instance) Unmount() {
	i.mu.Lock()
	if i.state == StateUnmounted {
		i.mu.Unlock()
		return
	}
	i.state = StateUnmounted
	session := i.session
	i.session = nil
	for _, ch := range i.watchers {
		close(ch)
	}
	i.watchers = nil
	i.mu.Unlock()

	if i.sub != nil {
		i.sub.Unsubscribe()
	}
	// Wait out a reload already in flight. Its commit sees StateUnmounted and
	// backs off, so nothing it loaded outlives the unmount.
	i.reloadMu.Lock()
	i.reloadMu.Unlock() //nolint:staticcheck // barrier

	if session != nil {
		if err := session.Close(); err != nil {
			i.controller.logger.Warn("closing session failed", "plugin", i.desc.PluginID, "error", err)
		}
	}
	i.controller.forget(i)
	i.controller.logger.Info("plugin unmounted", "plugin", i.desc.PluginID)
}
