// Package bus provides the session event fan-out to live observers.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds delivered to observers.
const (
	KindStatus = "status"
	KindQR     = "qr"
	KindPing   = "ping"
)

// Event is a single session notification. Status events carry Connected,
// QR events carry the pairing code, pings carry nothing.
type Event struct {
	Kind      string `json:"kind"`
	Connected bool   `json:"connected,omitempty"`
	QR        string `json:"qr,omitempty"`
}

// State is a consistent snapshot of the session, used to prime new
// observers with the current status and any outstanding pairing code.
type State struct {
	Connected bool
	QR        string
}

// observerBuffer is the per-observer channel capacity. An observer that
// falls this far behind is treated as failed and removed.
const observerBuffer = 16

// heartbeatInterval matches the transport keep-alive cadence: often enough
// to surface half-open connections before proxies time them out.
const heartbeatInterval = 25 * time.Second

// Observer receives events from the moment of subscription onward. The
// Events channel is closed when the observer is removed.
type Observer struct {
	ID     string
	Events chan Event
}

// EventBus fans session events out to any number of observers. Delivery is
// best-effort per observer: one failing observer never blocks the rest.
type EventBus struct {
	snapshot func() State
	interval time.Duration

	mu        sync.Mutex
	observers map[string]*Observer
}

// New creates a bus. snapshot supplies the current session state for the
// synthetic events sent to fresh subscribers; it runs under the registry
// lock and must not call back into the bus.
func New(snapshot func() State) *EventBus {
	return &EventBus{
		snapshot:  snapshot,
		interval:  heartbeatInterval,
		observers: make(map[string]*Observer),
	}
}

// Subscribe registers a new observer. It is immediately primed with a
// status event reflecting current connectivity, plus a qr event if a
// pairing code is outstanding while disconnected. No other backlog is
// replayed.
func (b *EventBus) Subscribe() *Observer {
	obs := &Observer{
		ID:     uuid.NewString(),
		Events: make(chan Event, observerBuffer),
	}

	// Snapshot, prime and register under one lock so a transition published
	// concurrently is either reflected in the prime or delivered after it,
	// never lost in between. The primes cannot block: the channel is fresh
	// and buffered.
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.snapshot()
	obs.Events <- Event{Kind: KindStatus, Connected: st.Connected}
	if st.QR != "" && !st.Connected {
		obs.Events <- Event{Kind: KindQR, QR: st.QR}
	}
	b.observers[obs.ID] = obs
	return obs
}

// Publish delivers evt to every current observer. An observer whose
// channel cannot take the event is removed; the others are unaffected.
func (b *EventBus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, obs := range b.observers {
		select {
		case obs.Events <- evt:
		default:
			delete(b.observers, id)
			close(obs.Events)
		}
	}
}

// Unsubscribe removes an observer. Safe to call more than once.
func (b *EventBus) Unsubscribe(obs *Observer) {
	if obs == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.observers[obs.ID]; ok {
		delete(b.observers, obs.ID)
		close(obs.Events)
	}
}

// Count returns the number of live observers.
func (b *EventBus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Heartbeat publishes a ping on a fixed interval until ctx is cancelled.
// Observers that cannot take the ping are removed like any other failed
// delivery; the HTTP layer additionally unsubscribes when its write fails.
func (b *EventBus) Heartbeat(ctx context.Context) {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Publish(Event{Kind: KindPing})
		}
	}
}
