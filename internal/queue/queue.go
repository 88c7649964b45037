// Package queue provides the edge's bounded worker pool abstraction, one
// instance each for the events and mempool paths (spec.md §6 "Durable
// event queue"). Grounded on original_source/bmon/receiver.py's
// redis-backed push/drain split (a writer goroutine feeds a queue, a
// separate drain loop works through it) generalized to an in-process
// buffered channel: since the edge's producer (LogFollower/Router) and
// consumer (Store dispatch) share one process here, there's no need for
// receiver.py's external Redis list, only its bounded-queue-with-drain
// shape. Concurrency bound styled on cmd/sprint/main.go's semaphore +
// sync.WaitGroup fan-out.
package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Job is one unit of queued work. A non-nil error is logged, never
// retried by the pool itself — retry policy belongs to the job closure
// (e.g. the Store dispatch path wraps its own bmonerr classification).
type Job func(ctx context.Context) error

// Pool drains a buffered channel of Jobs with a fixed number of worker
// goroutines.
type Pool struct {
	name    string
	jobs    chan Job
	workers int
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New builds a Pool named name (used only in logs/metrics labels) with
// workers concurrent goroutines and a channel buffered to capacity.
func New(name string, workers, capacity int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 10
	}
	if capacity <= 0 {
		capacity = workers * 4
	}
	return &Pool{
		name:    name,
		jobs:    make(chan Job, capacity),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the pool's worker goroutines. It returns immediately;
// workers run until ctx is cancelled, or until Close has closed the job
// channel and it has drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if err := job(ctx); err != nil {
				p.logger.Error("queue job failed", zap.String("queue", p.name), zap.Error(err))
			}
		}
	}
}

// Submit enqueues job, blocking until there's room or ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of jobs currently buffered, the value the
// edge's EventQueueDepth/MempoolQueueDepth gauges sample.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

// Close stops accepting new work and waits for in-flight and buffered
// jobs to drain. Callers should cancel the Start context first if they
// want outstanding jobs abandoned rather than drained.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
