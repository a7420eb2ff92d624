// Package worker runs deferred message-processing tasks with bounded
// concurrency so webhook acknowledgments never wait on slow AI generation,
// while failures are still logged centrally instead of lost in goroutines.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

type task struct {
	name string
	fn   func(context.Context) error
}

// Pool is a bounded task runner. Submit enqueues work; Run owns the worker
// goroutines for the lifetime of the process.
type Pool struct {
	log   *slog.Logger
	tasks chan task
	size  int
}

// NewPool creates a pool with the given number of workers. The queue holds a
// small multiple of the worker count; Submit applies backpressure beyond that.
func NewPool(size int, log *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		log:   log.With("component", "worker_pool"),
		tasks: make(chan task, size*4),
		size:  size,
	}
}

// Run starts the workers and blocks until ctx is cancelled. Tasks already
// started are not cancelled: each runs to completion or failure on a context
// detached from the shutdown signal.
func (p *Pool) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return nil
				case t := <-p.tasks:
					p.run(context.WithoutCancel(gCtx), t)
				}
			}
		})
	}

	p.log.Info("Worker pool started", "workers", p.size)
	err := g.Wait()
	p.log.Info("Worker pool stopped")
	return err
}

// Submit enqueues a named task. It blocks when the queue is full, which
// bounds how much deferred work the process will accept.
func (p *Pool) Submit(name string, fn func(context.Context) error) {
	p.tasks <- task{name: name, fn: fn}
}

func (p *Pool) run(ctx context.Context, t task) {
	startTime := time.Now()
	p.log.DebugContext(ctx, "Running task", "task", t.name)

	if err := t.fn(ctx); err != nil {
		p.log.ErrorContext(ctx, "Task failed", "task", t.name, "error", err,
			"duration", time.Since(startTime))
		return
	}

	p.log.DebugContext(ctx, "Finished task", "task", t.name, "duration", time.Since(startTime))
}
