// Package events carries status and telemetry notifications toward the
// presentation layer: sightings, actuation results, and radio/permission
// conditions.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types emitted by the tracker core.
const (
	TypeSighting         = "device.sighting"
	TypeActuationDone    = "actuation.done"
	TypeActuationTimeout = "actuation.timeout"
	TypeAdapterOff       = "adapter.off"
	TypeScanError        = "scan.error"
)

// Event is one cross-layer message.
type Event struct {
	Type    string    `json:"type"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher publishes events. Publishing is best-effort; the core never
// blocks its scan or actuation paths on a slow consumer.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(ctx context.Context, evt Event) error { return nil }

// Subscriber receives events of certain types.
type Subscriber interface {
	Handle(ctx context.Context, evt Event)
	Topics() []string
}

// Bus is a minimal in-memory pub/sub bus, used in-process when no
// external broker is configured.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]Subscriber
	queue chan Event
	stop  chan struct{}
}

// NewBus constructs an in-memory Bus with the given queue depth.
func NewBus(buffer int) *Bus {
	b := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, buffer),
		stop:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			return
		}
	}
}

// Close stops the bus.
func (b *Bus) Close() { close(b.stop) }

// Register adds a subscriber for its declared topics.
func (b *Bus) Register(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range s.Topics() {
		b.subs[topic] = append(b.subs[topic], s)
	}
}

// Publish enqueues an event; a full queue drops it rather than
// blocking the producer.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- evt:
	default:
	}
	return nil
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[evt.Type]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.Handle(context.Background(), evt)
	}
}
