package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingSink parks every Emit until released.
type blockingSink struct {
	release chan struct{}
	seen    chan Event
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		release: make(chan struct{}),
		seen:    make(chan Event, 64),
	}
}

func (s *blockingSink) Emit(_ context.Context, event Event) {
	<-s.release
	s.seen <- event
}

func TestDispatcherForwardsEvents(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	defer d.Close()

	d.Emit(context.Background(), Event{EventType: "login_success"})

	select {
	case event := <-sink.Events():
		if event.EventType != "login_success" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NewChannelSink(1))
	if d != nil {
		t.Fatal("disabled config must return a nil dispatcher")
	}

	// nil receivers are safe
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestDispatcherNilSinkUsesNoOp(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, nil)
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := newBlockingSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// first event is picked up by the worker and parked in the sink; the
	// second fills the buffer; the third has nowhere to go
	d.Emit(context.Background(), Event{EventType: "e1"})
	for i := 0; d.Dropped() == 0 && i < 100; i++ {
		d.Emit(context.Background(), Event{EventType: "e2"})
		time.Sleep(time.Millisecond)
	}
	if d.Dropped() == 0 {
		t.Fatal("expected at least one dropped event")
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherBlockingEmitHonorsContext(t *testing.T) {
	sink := newBlockingSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink)

	d.Emit(context.Background(), Event{EventType: "e1"})
	d.Emit(context.Background(), Event{EventType: "e2"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Emit(ctx, Event{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit did not return after context cancellation")
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherCloseDrainsBuffer(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	sink := sinkFunc(func(_ context.Context, event Event) {
		mu.Lock()
		seen = append(seen, event.EventType)
		mu.Unlock()
	})

	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "e"})
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("expected 5 drained events, got %d", len(seen))
	}
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	d.Close()
	d.Close() // idempotent

	d.Emit(context.Background(), Event{EventType: "late"})
	select {
	case event := <-sink.Events():
		t.Fatalf("event delivered after close: %+v", event)
	default:
	}
}

func TestDispatcherCloseAbandonsStuckSink(t *testing.T) {
	sink := newBlockingSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4, DrainTimeout: 50 * time.Millisecond}, sink)

	d.Emit(context.Background(), Event{EventType: "e1"})
	d.Emit(context.Background(), Event{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not respect the drain timeout")
	}
	close(sink.release)
}

func TestDispatcherStampsMissingTimestamps(t *testing.T) {
	sink := NewChannelSink(4)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)
	defer d.Close()

	d.Emit(context.Background(), Event{EventType: "login_success"})

	select {
	case event := <-sink.Events():
		if event.Timestamp.IsZero() {
			t.Fatal("expected a stamped timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

type sinkFunc func(ctx context.Context, event Event)

func (f sinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{EventType: "login_success", Success: true})
	sink.Emit(context.Background(), Event{EventType: "logout", Metadata: map[string]string{"k": "v"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if first.EventType != "login_success" || !first.Success {
		t.Fatalf("unexpected first event %+v", first)
	}
}

func TestChannelSinkDropsOnCancelledContext(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Emit(context.Background(), Event{EventType: "e1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Emit(ctx, Event{EventType: "e2"}) // full buffer, cancelled ctx: returns

	if len(sink.Events()) != 1 {
		t.Fatalf("expected single buffered event, got %d", len(sink.Events()))
	}
}
