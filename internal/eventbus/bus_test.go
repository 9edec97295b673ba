// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/pluginhost/internal/eventbus"
	"github.com/holomush/pluginhost/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 100)}
}

func (r *recorder) handle(_ context.Context, ev eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []eventbus.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBus_DeliversMatchingTopics(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()

	exact, wildcard := newRecorder(), newRecorder()
	_, err := bus.Subscribe("plugin/dev_reload_complete", exact.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("plugin/*", wildcard.handle)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = bus.Publish(ctx, "plugin/dev_reload_complete", map[string]string{"id": "kubernetes"})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "plugin/installed", map[string]string{"id": "aws"})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "editor/schema", nil)
	require.NoError(t, err)

	got := exact.wait(t, 1)
	var payload struct {
		ID string `json:"id"`
	}
	require.NoError(t, got[0].Decode(&payload))
	assert.Equal(t, "kubernetes", payload.ID)

	all := wildcard.wait(t, 2)
	assert.Equal(t, "plugin/dev_reload_complete", all[0].Topic)
	assert.Equal(t, "plugin/installed", all[1].Topic)
	assert.Equal(t, 1, exact.count())
}

func TestBus_SeparatorBoundsSingleStar(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()

	single, double := newRecorder(), newRecorder()
	_, err := bus.Subscribe("plugin/*", single.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("plugin/**", double.handle)
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "plugin/kubernetes/reload", nil)
	require.NoError(t, err)

	double.wait(t, 1)
	assert.Equal(t, 0, single.count())
}

func TestBus_InOrderDelivery(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()

	rec := newRecorder()
	_, err := bus.Subscribe("seq", rec.handle)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := bus.Publish(context.Background(), "seq", i)
		require.NoError(t, err)
	}

	events := rec.wait(t, 20)
	for i, ev := range events {
		var n int
		require.NoError(t, ev.Decode(&n))
		assert.Equal(t, i, n)
	}
	for i := 1; i < len(events); i++ {
		assert.Equal(t, -1, events[i-1].ID.Compare(events[i].ID), "event ids are monotonic")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()

	rec := newRecorder()
	sub, err := bus.Subscribe("t", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, "t", sub.Pattern())

	sub.Unsubscribe()
	sub.Unsubscribe()

	_, err = bus.Publish(context.Background(), "t", "x")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestBus_UnsubscribeFromHandler(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()

	done := make(chan struct{})
	var sub *eventbus.Subscription
	var err error
	sub, err = bus.Subscribe("t", func(context.Context, eventbus.Event) {
		sub.Unsubscribe()
		close(done)
	})
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "t", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()

	rec := newRecorder()
	first := true
	_, err := bus.Subscribe("t", func(ctx context.Context, ev eventbus.Event) {
		if first {
			first = false
			panic("boom")
		}
		rec.handle(ctx, ev)
	})
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "t", 1)
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), "t", 2)
	require.NoError(t, err)

	events := rec.wait(t, 1)
	var n int
	require.NoError(t, events[0].Decode(&n))
	assert.Equal(t, 2, n)
}

func TestBus_Errors(t *testing.T) {
	bus := eventbus.New(nil)

	_, err := bus.Subscribe("t", nil)
	errutil.AssertErrorCode(t, err, "INVALID_HANDLER")

	_, err = bus.Subscribe("plugin/[", func(context.Context, eventbus.Event) {})
	errutil.AssertErrorCode(t, err, "INVALID_PATTERN")

	bus.Close()
	bus.Close()

	_, err = bus.Publish(context.Background(), "t", nil)
	errutil.AssertErrorCode(t, err, "BUS_CLOSED")
	_, err = bus.Subscribe("t", func(context.Context, eventbus.Event) {})
	errutil.AssertErrorCode(t, err, "BUS_CLOSED")
}

func TestBus_PublishHonoursContextWhenQueueFull(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()

	release := make(chan struct{})
	_, err := bus.Subscribe("t", func(context.Context, eventbus.Event) { <-release })
	require.NoError(t, err)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var publishErr error
	for i := 0; i < 200 && publishErr == nil; i++ {
		_, publishErr = bus.Publish(ctx, "t", i)
	}
	require.Error(t, publishErr)
}
