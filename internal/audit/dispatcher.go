package audit

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the dispatch pipeline between the engine and a sink.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit non-blocking: events that find the buffer full
	// are counted and discarded instead of stalling the auth path.
	DropIfFull bool
	// DrainTimeout bounds how long Close waits for buffered events to reach
	// a slow sink before abandoning them. Zero selects the default.
	DrainTimeout time.Duration
}

const defaultDrainTimeout = 5 * time.Second

// Dispatcher decouples engine operations from sink latency. A single
// consumer goroutine feeds the sink, so sinks see events one at a time in
// emission order.
type Dispatcher struct {
	sink         Sink
	queue        chan Event
	quit         chan struct{}
	drained      chan struct{}
	drainTimeout time.Duration
	dropIfFull   bool
	dropped      atomic.Uint64
	closing      atomic.Bool
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}

	d := &Dispatcher{
		sink:         sink,
		queue:        make(chan Event, buffer),
		quit:         make(chan struct{}),
		drained:      make(chan struct{}),
		drainTimeout: drainTimeout,
		dropIfFull:   cfg.DropIfFull,
	}
	go d.consume()
	return d
}

func (d *Dispatcher) consume() {
	defer close(d.drained)

	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.quit:
			for {
				select {
				case event := <-d.queue:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Emit queues one event. Events missing a timestamp are stamped here so
// sinks never see zero times. With DropIfFull the call never blocks; without
// it the call waits for buffer space until ctx is done, counting the event
// as dropped on cancellation.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closing.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.quit:
	}
}

// Close stops intake and waits for the consumer to drain the buffer, up to
// the drain timeout. A sink stuck mid-Emit cannot hold Close hostage; what
// it never consumed stays unreported. Close is idempotent.
func (d *Dispatcher) Close() {
	if d == nil || !d.closing.CompareAndSwap(false, true) {
		return
	}
	close(d.quit)

	select {
	case <-d.drained:
	case <-time.After(d.drainTimeout):
	}
}

// Dropped returns the number of events discarded by backpressure.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
