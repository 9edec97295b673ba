// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package hotreload_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/pluginhost/internal/eventbus"
	"github.com/holomush/pluginhost/internal/hotreload"
	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/registry"
	"github.com/holomush/pluginhost/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeReloader struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]error
	windows  map[string]plugin.Window
	builtins map[string]bool
	hold     chan struct{}
	entered  chan struct{}
}

func newFakeReloader() *fakeReloader {
	return &fakeReloader{
		calls:    map[string]int{},
		fail:     map[string]error{},
		windows:  map[string]plugin.Window{},
		builtins: map[string]bool{},
	}
}

func (r *fakeReloader) Reload(_ context.Context, desc plugin.Descriptor) (plugin.Window, error) {
	r.mu.Lock()
	r.calls[desc.PluginID]++
	err, window := r.fail[desc.PluginID], r.windows[desc.PluginID]
	hold, entered := r.hold, r.entered
	r.mu.Unlock()

	if hold != nil {
		entered <- struct{}{}
		<-hold
	}
	if err != nil {
		return plugin.Window{}, err
	}
	return window, nil
}

// holdReloads makes the next reloads block until the returned release is
// called. entered receives once per reload that reached the hold.
func (r *fakeReloader) holdReloads() (entered <-chan struct{}, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold = make(chan struct{})
	r.entered = make(chan struct{}, 1)
	hold := r.hold
	return r.entered, func() { close(hold) }
}

func (r *fakeReloader) IsBuiltin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builtins[id]
}

func (r *fakeReloader) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type fakeSession struct {
	pluginID   string
	generation uint64
	mu         sync.Mutex
	closed     bool
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sessionLog struct {
	mu       sync.Mutex
	opened   []*fakeSession
	failNext bool
}

func (l *sessionLog) factory(_ context.Context, id string, gen uint64) (hotreload.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return nil, errors.New("backend unreachable")
	}
	s := &fakeSession{pluginID: id, generation: gen}
	l.opened = append(l.opened, s)
	return s, nil
}

type harness struct {
	bus      *eventbus.Bus
	reloader *fakeReloader
	windows  *registry.Registry
	sessions *sessionLog
	ctrl     *hotreload.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:      eventbus.New(nil),
		reloader: newFakeReloader(),
		windows:  registry.New(),
		sessions: &sessionLog{},
	}
	h.ctrl = hotreload.New(h.bus, h.reloader, h.windows, hotreload.WithSessionFactory(h.sessions.factory))
	t.Cleanup(func() {
		h.ctrl.Close()
		h.bus.Close()
	})
	return h
}

func (h *harness) publishReload(t *testing.T, id string) {
	t.Helper()
	_, err := h.bus.Publish(context.Background(), hotreload.ReloadTopic, hotreload.ReloadPayload{ID: id})
	require.NoError(t, err)
}

func waitGeneration(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case gen := <-ch:
		return gen
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for remount")
		return 0
	}
}

func TestController_ReloadEventRemountsOnlyMatchingPlugin(t *testing.T) {
	h := newHarness(t)
	h.reloader.windows["kubernetes"] = plugin.Window{Routes: []plugin.RouteNode{{Path: "/pods"}}}

	kube, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "kubernetes"})
	require.NoError(t, err)
	aws, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "aws"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), kube.Generation())

	firstSession := kube.Session()
	watch := kube.Watch()
	h.publishReload(t, "kubernetes")

	assert.Equal(t, uint64(1), waitGeneration(t, watch))
	assert.Equal(t, uint64(1), kube.Generation())
	assert.Equal(t, hotreload.StateMounted, kube.State())
	assert.Equal(t, uint64(0), aws.Generation())
	assert.Equal(t, 1, h.reloader.callCount("kubernetes"))
	assert.Equal(t, 0, h.reloader.callCount("aws"))

	assert.True(t, firstSession.(*fakeSession).isClosed(), "previous session closed")
	current := kube.Session().(*fakeSession)
	assert.Equal(t, uint64(1), current.generation)
	assert.False(t, current.isClosed())

	entry, ok := h.windows.Get("kubernetes")
	require.True(t, ok)
	assert.Equal(t, "pods", entry.NormalizedRoutes[0].Path)
}

func TestController_FailedReloadKeepsGeneration(t *testing.T) {
	h := newHarness(t)
	h.reloader.fail["kubernetes"] = errors.New("syntax error")

	kube, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "kubernetes"})
	require.NoError(t, err)
	session := kube.Session()

	err = kube.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(0), kube.Generation())
	assert.Equal(t, hotreload.StateMounted, kube.State())
	assert.Same(t, session, kube.Session())
	assert.False(t, session.(*fakeSession).isClosed())

	delete(h.reloader.fail, "kubernetes")
	require.NoError(t, kube.Reload(context.Background()))
	assert.Equal(t, uint64(1), kube.Generation())
}

func TestController_SessionFailureKeepsGeneration(t *testing.T) {
	h := newHarness(t)
	kube, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "kubernetes"})
	require.NoError(t, err)

	h.sessions.mu.Lock()
	h.sessions.failNext = true
	h.sessions.mu.Unlock()

	err = kube.Reload(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SESSION_FAILED")
	assert.Equal(t, uint64(0), kube.Generation())
	_, registered := h.windows.Get("kubernetes")
	assert.False(t, registered, "window is only published with a new session")
}

func TestController_MountTwiceFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "aws"})
	require.NoError(t, err)

	_, err = h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "aws"})
	errutil.AssertErrorCode(t, err, "ALREADY_MOUNTED")
	assert.Equal(t, []string{"aws"}, h.ctrl.Mounted())
}

func TestController_MountSessionFailure(t *testing.T) {
	h := newHarness(t)
	h.sessions.failNext = true

	_, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "aws"})
	errutil.AssertErrorCode(t, err, "SESSION_FAILED")
	assert.Empty(t, h.ctrl.Mounted())
}

func TestInstance_UnmountReleasesSubscriptionAndSession(t *testing.T) {
	h := newHarness(t)
	kube, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "kubernetes"})
	require.NoError(t, err)
	session := kube.Session().(*fakeSession)
	watch := kube.Watch()

	h.ctrl.Unmount("kubernetes")

	assert.Equal(t, hotreload.StateUnmounted, kube.State())
	assert.True(t, session.isClosed())
	assert.Empty(t, h.ctrl.Mounted())
	_, open := <-watch
	assert.False(t, open, "watch channel closed on unmount")

	h.publishReload(t, "kubernetes")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.reloader.callCount("kubernetes"), "no listener survives unmount")

	errutil.AssertErrorCode(t, kube.Reload(context.Background()), "NOT_MOUNTED")

	_, open = <-kube.Watch()
	assert.False(t, open)

	kube.Unmount()
}

func TestInstance_UnmountWaitsForInFlightReload(t *testing.T) {
	h := newHarness(t)
	inst, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "kubernetes"})
	require.NoError(t, err)

	h.reloader.mu.Lock()
	h.reloader.windows["kubernetes"] = plugin.Window{Routes: []plugin.RouteNode{{Path: "/late"}}}
	h.reloader.mu.Unlock()
	entered, release := h.reloader.holdReloads()

	reloaded := make(chan error, 1)
	go func() { reloaded <- inst.Reload(context.Background()) }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reload never started")
	}

	unmounted := make(chan struct{})
	go func() {
		inst.Unmount()
		close(unmounted)
	}()
	require.Eventually(t, func() bool { return inst.State() == hotreload.StateUnmounted }, 2*time.Second, time.Millisecond)
	select {
	case <-unmounted:
		t.Fatal("unmount returned before the reload finished")
	default:
	}

	release()
	<-unmounted
	require.NoError(t, <-reloaded)

	_, ok := h.windows.Get("kubernetes")
	assert.False(t, ok, "an abandoned reload commits nothing")
	assert.Equal(t, uint64(0), inst.Generation())
	h.sessions.mu.Lock()
	defer h.sessions.mu.Unlock()
	require.Len(t, h.sessions.opened, 2)
	for _, s := range h.sessions.opened {
		assert.True(t, s.isClosed(), "session generation %d closed", s.generation)
	}
}

func TestController_RemountAfterUnmount(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "aws"})
	require.NoError(t, err)
	h.ctrl.Unmount("aws")

	inst, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "aws"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), inst.Generation())
}

func TestController_BuiltinIgnoresReloadEvents(t *testing.T) {
	h := newHarness(t)
	h.reloader.builtins["core"] = true

	core, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "core"})
	require.NoError(t, err)

	h.publishReload(t, "core")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(0), core.Generation())
	assert.Equal(t, 0, h.reloader.callCount("core"))
}

func TestController_MalformedEventIgnored(t *testing.T) {
	h := newHarness(t)
	kube, err := h.ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "kubernetes"})
	require.NoError(t, err)

	_, err = h.bus.Publish(context.Background(), hotreload.ReloadTopic, "not an object")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(0), kube.Generation())
}

func TestController_WithoutSessionFactory(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()
	ctrl := hotreload.New(bus, newFakeReloader(), registry.New())
	defer ctrl.Close()

	inst, err := ctrl.Mount(context.Background(), plugin.Descriptor{PluginID: "aws"})
	require.NoError(t, err)
	assert.Nil(t, inst.Session())
	require.NoError(t, inst.Reload(context.Background()))
	assert.Equal(t, uint64(1), inst.Generation())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "mounted", hotreload.StateMounted.String())
	assert.Equal(t, "reloading", hotreload.StateReloading.String())
	assert.Equal(t, "unmounted", hotreload.StateUnmounted.String())
	assert.Equal(t, "unknown", hotreload.State(42).String())
}
