package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default queue settings.
const (
	DefaultQueueSize    = 1024
	DefaultQueueTimeout = 5 * time.Second
)

// Handler processes one queued item.
type Handler[T any] func(ctx context.Context, item T) error

// QueueConfig configures a Queue.
type QueueConfig struct {
	// JobType labels logs and metrics (e.g., JobTypeAuditAppend).
	JobType string
	// Size is the buffer capacity. Enqueue drops items once it is full.
	Size int
	// Timeout bounds each handler call.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *Metrics // Optional
}

// Queue is a bounded background queue drained by a single worker goroutine.
//
// Enqueue never blocks the caller. Delivery is best-effort and at-most-once:
// items are dropped when the buffer is full or the queue is stopped, and a
// failed handler call is logged and not retried. Because there is exactly one
// worker, items are handled one at a time in enqueue order.
type Queue[T any] struct {
	cfg     QueueConfig
	handler Handler[T]
	items   chan T

	mu      sync.RWMutex
	running bool
	stopped bool
	doneCh  chan struct{}
}

// NewQueue creates a queue that passes each item to handler.
func NewQueue[T any](cfg QueueConfig, handler Handler[T]) *Queue[T] {
	if cfg.Size <= 0 {
		cfg.Size = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultQueueTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Queue[T]{
		cfg:     cfg,
		handler: handler,
		items:   make(chan T, cfg.Size),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling Start more than once is a no-op.
func (q *Queue[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.stopped {
		return
	}
	q.running = true
	go q.run()
}

// Enqueue hands item to the worker without waiting for it to be processed.
// Returns false when the item was dropped.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		q.drop("stopped")
		return false
	}

	select {
	case q.items <- item:
		return true
	default:
		q.drop("full")
		return false
	}
}

// Len returns the number of items waiting to be processed.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Stop stops accepting items and waits until the worker has drained the
// buffer or ctx is done, whichever comes first.
func (q *Queue[T]) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	wasRunning := q.running
	close(q.items)
	q.mu.Unlock()

	if !wasRunning {
		return nil
	}

	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		q.cfg.Logger.Warn("queue stop timed out before draining",
			"job_type", q.cfg.JobType,
			"pending", len(q.items),
		)
		return ctx.Err()
	}
}

func (q *Queue[T]) drop(reason string) {
	q.cfg.Logger.Warn("background queue dropped item",
		"job_type", q.cfg.JobType,
		"reason", reason,
	)
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.IncQueueDropped(q.cfg.JobType)
	}
}

// run is the worker loop.
func (q *Queue[T]) run() {
	defer close(q.doneCh)

	for item := range q.items {
		q.process(item)
	}
}

func (q *Queue[T]) process(item T) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := q.handler(ctx, item)
	duration := time.Since(start).Seconds()

	if err != nil {
		q.cfg.Logger.Error("background queue item failed",
			"job_type", q.cfg.JobType,
			"error", err,
		)
	}

	if q.cfg.Metrics == nil {
		return
	}
	q.cfg.Metrics.ObserveJobDuration(q.cfg.JobType, duration)
	if err != nil {
		q.cfg.Metrics.IncJobsTotal(q.cfg.JobType, StatusFailure)
		q.cfg.Metrics.IncJobErrors(q.cfg.JobType, "handler_error")
		return
	}
	q.cfg.Metrics.IncJobsTotal(q.cfg.JobType, StatusSuccess)
}
