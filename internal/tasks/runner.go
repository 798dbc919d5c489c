// Package tasks runs deferred work off the request path on a bounded worker pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("task queue full")
	// ErrStopped is returned by Submit after Shutdown.
	ErrStopped = errors.New("task runner stopped")
)

// Backpressure statuses.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Func is one unit of background work.
type Func func(ctx context.Context) error

type task struct {
	name string
	fn   Func
}

// Options configures a Runner.
type Options struct {
	Workers   int
	QueueSize int
	// Timeout bounds each task.
	Timeout time.Duration
	// Threshold is the pending+active count at which Status turns critical.
	Threshold int
}

// Stats is a point-in-time view of the runner counters.
type Stats struct {
	Pending   int64  `json:"pending"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Workers   int    `json:"workers"`
	Capacity  int    `json:"capacity"`
	Status    string `json:"status"`
}

// Runner executes submitted tasks on a fixed set of workers.
type Runner struct {
	queue     chan task
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	stopped   bool
	workers   int
	timeout   time.Duration
	threshold int64
	logger    *slog.Logger

	pending   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewRunner starts a Runner. Its workers live until Shutdown.
func NewRunner(opts Options, logger *slog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		queue:     make(chan task, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		workers:   opts.Workers,
		timeout:   opts.Timeout,
		threshold: int64(opts.Threshold),
		logger:    logger,
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Submit queues fn without blocking.
func (r *Runner) Submit(name string, fn Func) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrStopped
	}

	r.pending.Add(1)
	select {
	case r.queue <- task{name: name, fn: fn}:
		return nil
	default:
		r.pending.Add(-1)
		r.logger.Warn("background task dropped", "task", name, "reason", "queue full")
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks are cancelled and ctx's error is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return fmt.Errorf("drain background tasks: %w", ctx.Err())
	}
}

func (r *Runner) work() {
	defer r.wg.Done()
	for t := range r.queue {
		r.pending.Add(-1)
		r.active.Add(1)
		err := r.run(t)
		r.active.Add(-1)
		if err != nil {
			r.failed.Add(1)
		} else {
			r.completed.Add(1)
		}
	}
}

func (r *Runner) run(t task) (err error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("background task panicked",
				"task", t.name,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("task %s panicked: %v", t.name, rec)
		}
	}()

	if err = t.fn(ctx); err != nil {
		r.logger.Warn("background task failed", "task", t.name, "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return err
	}
	r.logger.Debug("background task done", "task", t.name, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// Status classifies the current backlog.
func (r *Runner) Status() string {
	return status(r.pending.Load()+r.active.Load(), r.threshold)
}

func status(total, threshold int64) string {
	switch {
	case total == 0:
		return StatusHealthy
	case total < threshold:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// Stats returns the current counters.
func (r *Runner) Stats() Stats {
	pending, active := r.pending.Load(), r.active.Load()
	return Stats{
		Pending:   pending,
		Active:    active,
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Workers:   r.workers,
		Capacity:  cap(r.queue),
		Status:    status(pending+active, r.threshold),
	}
}
