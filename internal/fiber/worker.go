package fiber

import (
	"context"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

// Worker runs blocking jobs in submission order on its own goroutine.
// Jobs receive a context that is cancelled by Stop.
type Worker struct {
	d      *Dispatcher
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker creates and starts a worker.
func NewWorker(name string, logger logging.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		d:      NewDispatcher(name, logger),
		ctx:    ctx,
		cancel: cancel,
	}
	w.d.Start()
	return w
}

// Submit queues job. It returns false once the worker is stopping.
func (w *Worker) Submit(job func(ctx context.Context)) bool {
	return w.d.Post(func() {
		job(w.ctx)
	})
}

// Context returns the context handed to jobs.
func (w *Worker) Context() context.Context {
	return w.ctx
}

// Stop cancels the job context, lets queued jobs observe the cancellation
// and waits for the goroutine to exit.
func (w *Worker) Stop() {
	w.cancel()
	w.d.Stop()
}
