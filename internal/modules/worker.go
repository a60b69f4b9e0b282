package modules

import (
	"context"
	"sync"
)

// Worker runs one module goroutine. Start is called from Run, Stop from Stop.
type Worker struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs fn on a new goroutine with a context derived from parent.
// Starting a running worker is a no-op.
func (w *Worker) Start(parent context.Context, fn func(ctx context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel, w.done = cancel, done

	go func() {
		defer close(done)
		fn(ctx)
	}()
}

// Stop cancels the goroutine and waits for it to return. It is safe to call
// on a worker that was never started and to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the goroutine has returned. It is nil before Start.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}
