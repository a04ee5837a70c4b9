package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
	got    []Event
}

func (r *recorder) Topics() []string { return r.topics }
func (r *recorder) Handle(ctx context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, evt)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestBusRoutesByTopic(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	sight := &recorder{topics: []string{TypeSighting}}
	done := &recorder{topics: []string{TypeActuationDone}}
	bus.Register(sight)
	bus.Register(done)

	_ = bus.Publish(context.Background(), Event{Type: TypeSighting, Source: "scan"})
	_ = bus.Publish(context.Background(), Event{Type: TypeSighting, Source: "scan"})
	_ = bus.Publish(context.Background(), Event{Type: TypeScanError, Source: "scan"})

	deadline := time.Now().Add(2 * time.Second)
	for sight.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := sight.count(); n != 2 {
		t.Fatalf("sighting subscriber got %d events, want 2", n)
	}
	if n := done.count(); n != 0 {
		t.Fatalf("actuation subscriber got %d events, want 0", n)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, 1),
		stop:  make(chan struct{}),
	}
	// No dispatch loop: the queue never drains.
	if err := bus.Publish(context.Background(), Event{Type: TypeSighting}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(context.Background(), Event{Type: TypeSighting}); err != nil {
		t.Fatal(err)
	}
}
