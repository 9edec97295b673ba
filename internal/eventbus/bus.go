// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package eventbus is an in-process publish/subscribe channel. Topics are
// slash-separated; subscriptions match them with glob patterns such as
// "plugin/*" or "plugin/**".
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// subscriptionBuffer is the number of events queued per subscriber before
// Publish blocks.
const subscriptionBuffer = 64

// Event is a published message. Payload holds the JSON encoding of the value
// passed to Publish.
type Event struct {
	ID        ulid.ULID
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := sonic.Unmarshal(e.Payload, v); err != nil {
		return oops.In("eventbus").With("topic", e.Topic).With("event_id", e.ID.String()).Wrapf(err, "decode payload")
	}
	return nil
}

// Handler receives events for a subscription. Events are delivered one at a
// time, in publish order.
type Handler func(ctx context.Context, ev Event)

// Bus routes published events to matching subscriptions.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a bus. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscription is a registered handler.
type Subscription struct {
	bus     *Bus
	pattern string
	matcher glob.Glob
	handler Handler
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

// Pattern returns the topic pattern.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Unsubscribe stops delivery. It does not wait for an in-progress handler,
// so it is safe to call from inside the handler itself.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) run(ctx context.Context) {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.deliver(ctx, ev)
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("event handler panicked",
				"topic", ev.Topic,
				"event_id", ev.ID.String(),
				"pattern", s.pattern,
				"panic", fmt.Sprint(r))
		}
	}()
	s.handler(ctx, ev)
}

// Subscribe registers handler for topics matching pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, oops.In("eventbus").Code("INVALID_HANDLER").Errorf("handler cannot be nil")
	}
	matcher, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, oops.In("eventbus").Code("INVALID_PATTERN").With("pattern", pattern).Wrap(err)
	}

	sub := &Subscription{
		bus:     b,
		pattern: pattern,
		matcher: matcher,
		handler: handler,
		events:  make(chan Event, subscriptionBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, oops.In("eventbus").Code("BUS_CLOSED").Errorf("bus is closed")
	}
	b.subs[sub] = struct{}{}
	b.wg.Add(1)
	go sub.run(context.Background())
	return sub, nil
}

// Publish encodes payload and queues it for every matching subscription.
// It blocks while a matching subscriber's queue is full, until ctx is done.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) (Event, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Event{}, oops.In("eventbus").With("topic", topic).Wrapf(err, "encode payload")
	}
	ev := Event{
		ID:        ulid.Make(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return Event{}, oops.In("eventbus").Code("BUS_CLOSED").Errorf("bus is closed")
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.matcher.Match(topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.events <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ev, oops.In("eventbus").With("topic", topic).Wrap(ctx.Err())
		}
	}

	b.logger.Debug("event published", "topic", topic, "event_id", ev.ID.String(), "subscribers", len(targets))
	return ev, nil
}

// Close unsubscribes everything and waits for running handlers to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	b.wg.Wait()
}
