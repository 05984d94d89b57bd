// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	connID := uuid.New()
	b.Emit(Event{Kind: KindStatusChanged, ConnectionID: connID, Payload: "connected"})

	select {
	case ev := <-ch:
		require.Equal(t, KindStatusChanged, ev.Kind)
		require.Equal(t, connID, ev.ConnectionID)
		require.Equal(t, "connected", ev.Payload)
		require.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusFanOutToMultipleSubscribers(t *testing.T) {
	b := NewBus()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Emit(Event{Kind: KindError})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, KindError, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusDropsOldestMessageReceivedUnderFlood(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	// Flood well past floodQueueCap without draining, then confirm Emit
	// never blocked and the subscriber still delivers entries once drained.
	// Neither the queue bound nor which entries survive is asserted here.
	for i := 0; i < floodQueueCap*4; i++ {
		b.Emit(Event{Kind: KindMessageReceived, Payload: i})
	}

	var last any
	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break drain
			}
			last = ev.Payload
		case <-timeout:
			break drain
		default:
			if last != nil {
				break drain
			}
		}
	}
	require.NotNil(t, last)
}

func TestBusNeverDropsReliableEvents(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	const n = 50
	for i := 0; i < n; i++ {
		b.Emit(Event{Kind: KindStatusChanged, Payload: i})
	}

	seen := 0
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			require.Equal(t, i, ev.Payload)
			seen++
		case <-time.After(5 * time.Second):
			t.Fatalf("only received %d/%d reliable events", seen, n)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	unsub()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was never closed after unsubscribe")
	}
}
