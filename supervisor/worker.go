package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/couchsync/replicator"
)

// worker runs one database's continuous replication on its own
// goroutine and records its terminal error so the monitor loop's reap
// step can tell a clean shutdown from a crash.
type worker struct {
	session *replicator.Session
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	finalErr error
}

func newWorker(session *replicator.Session) *worker {
	return &worker{session: session, done: make(chan struct{})}
}

// start launches the worker's goroutine. It is separate from
// newWorker so the caller can register the worker in the active set
// before it has any chance of finishing.
func (w *worker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go func() {
		defer close(w.done)
		err := w.session.ReplicateContinuously(ctx)

		w.mu.Lock()
		w.finalErr = err
		w.mu.Unlock()
	}()
}

// join waits up to timeout for the worker to finish, returning true
// if it is still running (the common case: the reap step is just a
// liveness probe, not a drain).
func (w *worker) join(timeout time.Duration) (stillRunning bool) {
	select {
	case <-w.done:
		return false
	case <-time.After(timeout):
		return true
	}
}

func (w *worker) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalErr
}

// stop cancels the worker's context; it does not wait for exit.
func (w *worker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}
