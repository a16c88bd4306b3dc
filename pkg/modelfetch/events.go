// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventDownloadStarted     EventType = "download_started"
	EventDownloadProgress    EventType = "download_progress"
	EventDownloadCompleted   EventType = "download_completed"
	EventDownloadFailed      EventType = "download_failed"
	EventDownloadCancelled   EventType = "download_cancelled"
	EventValidationStarted   EventType = "validation_started"
	EventValidationCompleted EventType = "validation_completed"
	EventConversionStarted   EventType = "conversion_started"
	EventConversionCompleted EventType = "conversion_completed"
)

// Terminal reports whether the event announces a job's terminal state.
func (t EventType) Terminal() bool {
	switch t {
	case EventDownloadCompleted, EventDownloadFailed, EventDownloadCancelled:
		return true
	}
	return false
}

// Event is a lifecycle notification emitted to subscribers. Delivery is
// at-least-once best effort for informational events: a slow subscriber may
// miss progress events. Terminal events are never shed; they stay queued until
// the subscriber drains them or unsubscribes.
type Event struct {
	Time       time.Time `json:"time"`
	Type       EventType `json:"type"`
	ModelName  string    `json:"modelName"`
	Percentage float64   `json:"percentage,omitempty"`
	SpeedMBps  float64   `json:"speedMBps,omitempty"`
	ETASeconds int64     `json:"etaSeconds,omitempty"`
	LocalPath  string    `json:"localPath,omitempty"`
	Valid      bool      `json:"valid,omitempty"`
	Message    string    `json:"message,omitempty"`
}

const (
	// subscriberBuffer is the channel capacity handed to each subscriber.
	subscriberBuffer = 128

	// maxEventBacklog bounds the informational backlog of a stalled
	// subscriber. Terminal events are queued past this limit.
	maxEventBacklog = 128
)

// eventBus fans events out to subscriber channels. Each subscriber owns a
// pump goroutine feeding its channel from a backlog queue, so a stalled
// consumer sheds progress events but never loses a job's final transition.
// Emission never happens while a registry or job lock is held, so a slow
// observer cannot block concurrent job starts.
type eventBus struct {
	mu   sync.RWMutex
	subs map[chan Event]*eventSub
}

// eventSub is one subscriber's delivery state.
type eventSub struct {
	out  chan Event
	done chan struct{}

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func (b *eventBus) subscribe() chan Event {
	s := &eventSub{
		out:  make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	go s.pump()

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan Event]*eventSub)
	}
	b.subs[s.out] = s
	b.mu.Unlock()
	return s.out
}

func (b *eventBus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	s, ok := b.subs[ch]
	if ok {
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

func (b *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.enqueue(ev)
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		close(s.done)
	}
}

// enqueue appends ev to the backlog. Informational events are shed once a
// slow subscriber has fallen maxEventBacklog behind; terminal events are
// always kept.
func (s *eventSub) enqueue(ev Event) {
	s.mu.Lock()
	if ev.Type.Terminal() || len(s.queue) < maxEventBacklog {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the backlog into the subscriber channel in order, closing the
// channel once the subscriber is removed from the bus.
func (s *eventSub) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				close(s.out)
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
