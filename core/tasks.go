package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const defaultTaskQueueSize = 64

type task struct {
	name string
	fn   func(context.Context) error
}

// TaskRunner executes best-effort writes (read receipts, status updates) off
// the caller's path. A failed task is logged and never retried; a full queue
// drops the task. Submitted tasks run with their own context so a write
// started just before its owning scope ends still lands.
type TaskRunner struct {
	queue  chan task
	logger *slog.Logger
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewTaskRunner(logger *slog.Logger, size int) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = defaultTaskQueueSize
	}
	r := &TaskRunner{
		queue:  make(chan task, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *TaskRunner) run() {
	defer close(r.done)
	for t := range r.queue {
		if err := t.fn(context.Background()); err != nil {
			r.logger.Error(fmt.Sprintf("%s: %v", t.name, err))
		}
	}
}

// Submit queues fn for execution. It never blocks; the task is dropped with
// a log line if the queue is full or the runner is closed.
func (r *TaskRunner) Submit(name string, fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn(fmt.Sprintf("%s: runner closed, dropping task", name))
		return
	}
	select {
	case r.queue <- task{name: name, fn: fn}:
	default:
		r.logger.Warn(fmt.Sprintf("%s: task queue full, dropping task", name))
	}
}

// Close stops accepting tasks and drains the queue, waiting until the worker
// finishes or ctx expires.
func (r *TaskRunner) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("task runner drain timed out")
	}
}
