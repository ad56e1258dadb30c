package connmgr

import (
	"sync"
	"time"
)

// EventKind labels engine events published on the bus.
type EventKind string

// Event kinds.
const (
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventPairingRequested EventKind = "pairing_requested"
	EventPaired           EventKind = "paired"
	EventPairingFailed    EventKind = "pairing_failed"
	EventUnpaired         EventKind = "unpaired"
	EventSecurity         EventKind = "security"
)

// Event is one engine occurrence, consumed by the control plane's event
// stream and by the CLI.
type Event struct {
	Kind       EventKind      `json:"kind"`
	DeviceID   string         `json:"deviceId,omitempty"`
	DeviceName string         `json:"deviceName,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Bus fans engine events out to subscribers. Publishing never blocks; a
// subscriber that falls behind loses events rather than stalling the
// engine.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel function. The buffer
// bounds how far a slow consumer may lag.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
