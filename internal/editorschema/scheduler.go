// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package editorschema

import (
	"sync"
	"time"
)

// Scheduler defers work past the current burst of mutations.
type Scheduler interface {
	Schedule(fn func())
}

// LoopScheduler runs scheduled work on a single goroutine, each item after
// a fixed delay.
type LoopScheduler struct {
	delay time.Duration
	queue chan func()
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewLoopScheduler starts the run loop. Stop it with Close.
func NewLoopScheduler(delay time.Duration) *LoopScheduler {
	s := &LoopScheduler{
		delay: delay,
		queue: make(chan func(), 16),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Schedule queues fn. Work scheduled after Close is dropped.
func (s *LoopScheduler) Schedule(fn func()) {
	select {
	case <-s.done:
	case s.queue <- fn:
	}
}

func (s *LoopScheduler) run() {
	defer s.wg.Done()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.queue:
			timer.Reset(s.delay)
			select {
			case <-s.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			fn()
		}
	}
}

// Close stops the loop and waits for the running item, if any.
func (s *LoopScheduler) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// ManualScheduler holds scheduled work until Run is called.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

// Schedule queues fn.
func (s *ManualScheduler) Schedule(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
}

// Pending returns the number of queued items.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run executes the queued items and returns how many ran. Items scheduled
// while running wait for the next call.
func (s *ManualScheduler) Run() int {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}
