package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultWorkers is the execution worker count when none is configured.
const DefaultWorkers = 4

// DefaultDrainTimeout bounds how long Stop waits for in-flight
// executions.
const DefaultDrainTimeout = 30 * time.Second

// ErrQueueFull is returned when the execution queue cannot accept
// another envelope.
var ErrQueueFull = errors.New("execution queue full")

// Queue is a bounded worker pool for asynchronous envelope execution.
// Jobs are envelope IDs; workers re-load state from the store, so a
// crashed worker loses nothing but progress.
type Queue struct {
	jobs    chan string
	workers int
	log     *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewQueue builds a queue with the given concurrency (0 means
// DefaultWorkers) and a fixed buffer of 256 envelopes.
func NewQueue(workers int, log *slog.Logger) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		jobs:    make(chan string, 256),
		workers: workers,
		log:     log,
	}
}

// Start launches the workers. Each job runs execute with a fresh
// context so shutdown cancellation cannot corrupt a mid-flight
// execution.
func (q *Queue) Start(execute func(ctx context.Context, envelopeID string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for id := range q.jobs {
				execute(context.Background(), id)
			}
		}()
	}
}

// Enqueue submits an envelope for execution.
func (q *Queue) Enqueue(envelopeID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("execution queue stopped")
	}
	q.mu.Unlock()

	select {
	case q.jobs <- envelopeID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout (0 means
// DefaultDrainTimeout) for workers to drain. It reports whether the
// drain completed.
func (q *Queue) Stop(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		q.log.Warn("execution queue drain timed out", slog.Duration("timeout", timeout))
		return false
	}
}
