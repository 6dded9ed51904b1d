package fiber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

// ErrStopped is returned when work is posted to a stopped dispatcher.
var ErrStopped = errors.New("fiber: dispatcher stopped")

// Dispatcher executes callbacks sequentially on one goroutine. The queue
// is unbounded so that a callback may post to another dispatcher that is
// posting back without deadlocking.
type Dispatcher struct {
	name   string
	logger logging.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	notify    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher creates a dispatcher. It does nothing until started.
func NewDispatcher(name string, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		name:   name,
		logger: logger,
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string {
	return d.name
}

// Start launches the dispatcher goroutine.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Post queues fn for execution. It returns false once Stop was called.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits until it has run or ctx is done.
func (d *Dispatcher) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !d.Post(func() {
		fn()
		close(done)
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-d.doneCh:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc posts fn once delay has elapsed. The returned timer may be
// stopped to cancel it.
func (d *Dispatcher) AfterFunc(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		d.Post(fn)
	})
}

// Stop rejects new work, runs what is already queued and waits for the
// goroutine to exit. Stopping a dispatcher that was never started only
// discards the queue.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.stopCh)
	})

	// A dispatcher that never started has nothing to drain.
	d.startOnce.Do(func() {
		close(d.doneCh)
	})
	<-d.doneCh
}

// Done is closed when the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneCh
}

func (d *Dispatcher) take() []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.queue
	d.queue = nil
	return batch
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		batch := d.take()
		for i, fn := range batch {
			d.exec(fn)
			batch[i] = nil
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-d.notify:
		case <-d.stopCh:
			for _, fn := range d.take() {
				d.exec(fn)
			}
			return
		}
	}
}

func (d *Dispatcher) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", "dispatcher", d.name, "bug", true, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
