// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package event implements the event surface the Connection Manager uses to
// push state changes to a host UI: a tagged-union Event fanned out to
// subscribers over channels. No pack example wires a UI event bus for an
// MCP engine, so the fan-out here is grounded only loosely, on the
// channel-per-subscriber patterns visible throughout the retrieved repos
// (golang-tools' internal/event, bassosimone-nop's observer-style exporters)
// rather than copied from any one of them.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an Event.
type Kind string

const (
	KindStatusChanged        Kind = "status_changed"
	KindCapabilitiesUpdated  Kind = "capabilities_updated"
	KindMetricsUpdated       Kind = "metrics_updated"
	KindProcessUpdated       Kind = "process_updated"
	KindMessageReceived      Kind = "message_received"
	KindMessageSent          Kind = "message_sent"
	KindError                Kind = "error"
	KindSamplingRequested    Kind = "sampling_requested"
	KindSamplingResolved     Kind = "sampling_resolved"
	KindElicitationRequested Kind = "elicitation_requested"
	KindElicitationResolved  Kind = "elicitation_resolved"
)

// reliable reports whether a Kind must never be dropped under backpressure.
// Status and error events are reliable; the two high-volume wire-traffic
// echoes (MessageReceived/MessageSent) may be coalesced or dropped instead.
func (k Kind) reliable() bool {
	return k != KindMessageReceived && k != KindMessageSent
}

// Event is one entry in a connection's event stream. Payload carries the
// kind-specific body (a session.Metrics, a *mcp.ServerCapabilities, a
// process.Info, a *sampling.PendingSampling, ...); subscribers type-switch on Kind to
// interpret it.
type Event struct {
	Kind         Kind
	ConnectionID uuid.UUID
	Payload      any
	At           time.Time
}

// floodQueueCap bounds how many unconsumed high-volume events a single slow
// subscriber may accumulate before the oldest is evicted.
const floodQueueCap = 256

// Bus fans Events out to any number of subscribers. Emit never blocks the
// caller on a slow subscriber: each subscriber owns a private queue drained
// by its own goroutine, so a stalled UI reader only ever affects its own
// backlog (spec.md §5: "the Connection Manager never blocks the transport
// read loop on UI delivery").
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new listener and returns its event channel plus an
// unsubscribe function. The channel is closed once unsubscribe has been
// called and the subscriber's pending queue has drained.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := newSubscriber()
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
}

// Emit fans ev out to every current subscriber. It never blocks: it only
// ever takes each subscriber's queue mutex briefly to append.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// subscriber pumps queued events to its output channel on a dedicated
// goroutine, so Bus.Emit's caller is never the one blocked on a full
// channel or a slow reader.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	out    chan Event
	closed bool
}

func newSubscriber() *subscriber {
	s := &subscriber{out: make(chan Event, 16)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- ev
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if !ev.Kind.reliable() && len(s.queue) >= floodQueueCap {
		// Drop-oldest: evict the single oldest same-kind entry, not
		// whatever happens to be at the head, so an unrelated status event
		// queued just before it is never sacrificed in its place.
		for i, q := range s.queue {
			if q.Kind == ev.Kind {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}
