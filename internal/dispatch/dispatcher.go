// Package dispatch delivers events produced on arbitrary goroutines to a
// single consumer goroutine, in the order they were posted.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("dispatcher closed")

// Dispatcher is an unbounded FIFO of closures. Post may be called from any
// goroutine; Drain and Run must only be called from the consumer goroutine.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	notify chan struct{}
	panics atomic.Int64
	logger *slog.Logger

	// OnPanic is called on the consumer goroutine after a recovered panic.
	OnPanic func(recovered any)
}

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		notify: make(chan struct{}, 1),
		logger: logger,
	}
}

// Post enqueues fn. It never blocks beyond the enqueue itself.
func (d *Dispatcher) Post(fn func()) error {
	if fn == nil {
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("Dropping event posted after close")
		return ErrClosed
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain runs queued events one at a time until the queue is empty, including
// events posted by the events being run. It returns the number executed.
func (d *Dispatcher) Drain() int {
	executed := 0
	for {
		batch := d.take()
		if len(batch) == 0 {
			return executed
		}
		for i, fn := range batch {
			batch[i] = nil
			d.invoke(fn)
			executed++
		}
	}
}

// Run drains whenever events arrive until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.notify:
		}
	}
}

// Wait exposes the wake-up channel for consumers that run their own loop.
func (d *Dispatcher) Wait() <-chan struct{} {
	return d.notify
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) Panics() int64 {
	return d.panics.Load()
}

// Close stops accepting new events. Already queued events can still be
// drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Dispatcher) take() []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.queue
	d.queue = nil
	return batch
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("Event handler panicked", "panic", r, "stack", string(debug.Stack()))
			if d.OnPanic != nil {
				d.OnPanic(r)
			}
		}
	}()
	fn()
}
