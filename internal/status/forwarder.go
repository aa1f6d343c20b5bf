// Package status forwards pipeline events to external sinks such as an MQTT
// broker, a Kafka topic, a webhook or the local journal. Each sink sits behind
// a Forwarder so a slow or unreachable sink never holds up the event bus.
package status

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/monitoring"
)

// DefaultQueueSize is the number of events a Forwarder buffers.
const DefaultQueueSize = 256

// Sink delivers one event. Sinks that also implement io.Closer are closed
// when their Forwarder stops.
type Sink interface {
	Name() string
	Send(ctx context.Context, rec eventbus.Record) error
}

// ForwarderOptions tunes a Forwarder. Kinds limits which events are
// forwarded; empty forwards everything.
type ForwarderOptions struct {
	QueueSize   int
	SendTimeout time.Duration
	Kinds       []eventbus.Kind
	Metrics     *monitoring.Metrics
}

// Forwarder queues bus events and drains them into a Sink on one goroutine.
// Events that arrive while the queue is full are dropped and counted.
type Forwarder struct {
	sink    Sink
	opts    ForwarderOptions
	kinds   map[eventbus.Kind]bool
	metrics *monitoring.Metrics

	mu      sync.Mutex
	queue   chan eventbus.Record
	closed  bool
	detach  func()
	abort   context.CancelFunc
	dropped int

	done chan struct{}
}

// NewForwarder creates a stopped Forwarder for sink.
func NewForwarder(sink Sink, opts ForwarderOptions) *Forwarder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	f := &Forwarder{
		sink:    sink,
		opts:    opts,
		metrics: opts.Metrics,
		queue:   make(chan eventbus.Record, opts.QueueSize),
		done:    make(chan struct{}),
	}
	if len(opts.Kinds) > 0 {
		f.kinds = make(map[eventbus.Kind]bool, len(opts.Kinds))
		for _, k := range opts.Kinds {
			f.kinds[k] = true
		}
	}
	return f
}

// Start attaches to bus and begins draining. ctx bounds every send; once it
// is done the rest of the queue is abandoned.
func (f *Forwarder) Start(ctx context.Context, bus *eventbus.Bus) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.abort = cancel
	f.detach = eventbus.Attach(bus, func(rec eventbus.Record) { f.Enqueue(rec) })
	f.mu.Unlock()
	go f.run(ctx)
	monitoring.Logf("status: forwarding events to %s", f.sink.Name())
}

// Enqueue adds rec to the queue and reports whether it was accepted.
func (f *Forwarder) Enqueue(rec eventbus.Record) bool {
	if f.kinds != nil && !f.kinds[rec.Kind] {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.queue <- rec:
		return true
	default:
		f.dropped++
		f.metrics.ForwardDropped(f.sink.Name())
		return false
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (f *Forwarder) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Stop detaches from the bus, delivers what is already queued and closes
// the sink. If ctx is done first, the remaining queue is abandoned and the
// in-flight send is cancelled. The sink is closed only after the drain
// goroutine has exited.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.detach != nil {
		f.detach()
	}
	abort := f.abort
	close(f.queue)
	f.mu.Unlock()

	var err error
	if abort != nil {
		select {
		case <-f.done:
		case <-ctx.Done():
			err = ctx.Err()
			abort()
			<-f.done
		}
		abort()
	}
	if c, ok := f.sink.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)
	for rec := range f.queue {
		if ctx.Err() != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, f.opts.SendTimeout)
		err := f.sink.Send(sendCtx, rec)
		cancel()
		if err != nil {
			monitoring.Warnf("status: %s: failed to send %s event: %v", f.sink.Name(), rec.Kind, err)
		}
	}
}
