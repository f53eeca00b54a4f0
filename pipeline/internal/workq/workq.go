// Package workq is a bounded job queue drained by a fixed pool of workers.
// Close stops intake, lets queued jobs finish and joins the pool.
package workq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("workq: closed")

// Handler processes one job. Its context is not cancelled when the queue
// stops.
type Handler func(ctx context.Context, job string)

// Options tunes the pool.
type Options struct {
	// Workers is the number of consumers. Default: 1.
	Workers int
	// Depth is the channel capacity. Default: 64.
	Depth  int
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Depth <= 0 {
		o.Depth = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Queued    int   `json:"queued"`
	Workers   int   `json:"workers"`
}

// Queue is safe for concurrent use.
type Queue struct {
	opts    Options
	handler Handler
	jobs    chan string
	group   *errgroup.Group

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// Start launches the workers. Handlers receive a context carrying ctx's
// values but never its cancellation.
func Start(ctx context.Context, h Handler, opts Options) *Queue {
	opts.defaults()
	q := &Queue{
		opts:    opts,
		handler: h,
		jobs:    make(chan string, opts.Depth),
		group:   &errgroup.Group{},
	}
	hctx := context.WithoutCancel(ctx)
	for i := 0; i < opts.Workers; i++ {
		q.group.Go(func() error {
			for job := range q.jobs {
				q.run(hctx, job)
			}
			return nil
		})
	}
	return q
}

// Submit enqueues job, blocking while the queue is full.
func (q *Queue) Submit(job string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	q.jobs <- job
	q.submitted.Add(1)
	return nil
}

// Close stops intake and waits for every queued job to finish. It is safe to
// call more than once.
func (q *Queue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
	})
	return q.group.Wait()
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Panicked:  q.panicked.Load(),
		Queued:    len(q.jobs),
		Workers:   q.opts.Workers,
	}
}

func (q *Queue) run(ctx context.Context, job string) {
	defer func() {
		if r := recover(); r != nil {
			q.panicked.Add(1)
			q.opts.Logger.Error("workq: handler panicked",
				"job", job, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		q.completed.Add(1)
	}()
	q.handler(ctx, job)
}
