// Package workerpool runs chunk encryption and decryption on a bounded set of
// lazily started workers fed from a FIFO queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/kenneth/sealdrop/internal/metrics"
)

const maxDefaultWorkers = 8

var (
	// ErrTerminated is returned for tasks that were queued or running when the
	// pool was terminated, and for tasks submitted afterwards.
	ErrTerminated = errors.New("worker pool terminated")

	// ErrWorkerTask is returned when a worker panics while running a task.
	ErrWorkerTask = errors.New("worker task failed")
)

// DefaultSize returns min(logical CPUs, 8).
func DefaultSize() int {
	n := runtime.NumCPU()
	if n > maxDefaultWorkers {
		n = maxDefaultWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Future is the pending result of a submitted task.
type Future struct {
	done   chan struct{}
	result Result
	err    error
	pool   *Pool
}

func newFuture(p *Pool) *Future {
	return &Future{done: make(chan struct{}), pool: p}
}

func (f *Future) complete(res Result, err error) {
	f.result = res
	f.err = err
	close(f.done)
}

// Wait blocks until the task finishes, the context is done or the pool is
// terminated.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
	}

	select {
	case <-f.done:
		return f.result, f.err
	case <-f.pool.terminated:
		return Result{}, ErrTerminated
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed when the task has produced a result.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type job struct {
	task   Task
	future *Future
}

type worker struct {
	jobs chan job
}

// Stats is a snapshot of the pool's scheduling state.
type Stats struct {
	Workers int
	Busy    int
	Queued  int
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics records per-task crypto metrics and the busy worker gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// Pool is a bounded worker pool. Tasks complete in any order; callers order
// results themselves.
type Pool struct {
	size    int
	metrics *metrics.Metrics

	mu         sync.Mutex
	workers    []*worker
	idle       []*worker
	busy       map[*worker]struct{}
	queue      []job
	closed     bool
	terminated chan struct{}
}

// New creates a pool of at most size workers. Workers are started on demand.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	p := &Pool{
		size:       size,
		busy:       make(map[*worker]struct{}),
		terminated: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the maximum number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Submit queues a task and returns its future.
func (p *Pool) Submit(t Task) *Future {
	f := newFuture(p)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		f.complete(Result{}, ErrTerminated)
		return f
	}

	p.queue = append(p.queue, job{task: t, future: f})
	p.dispatchLocked()
	return f
}

// dispatchLocked hands queued jobs to idle workers, starting new workers
// while under the bound. Must be called with p.mu held.
func (p *Pool) dispatchLocked() {
	if p.metrics != nil {
		defer func() { p.metrics.SetWorkersBusy(len(p.busy)) }()
	}
	for len(p.queue) > 0 {
		var w *worker
		switch {
		case len(p.idle) > 0:
			w = p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
		case len(p.workers) < p.size:
			w = &worker{jobs: make(chan job, 1)}
			p.workers = append(p.workers, w)
			go p.run(w)
		default:
			return
		}

		next := p.queue[0]
		p.queue[0] = job{}
		p.queue = p.queue[1:]

		p.busy[w] = struct{}{}
		w.jobs <- next
	}
}

func (p *Pool) run(w *worker) {
	for j := range w.jobs {
		select {
		case <-p.terminated:
			j.future.complete(Result{}, ErrTerminated)
			continue
		default:
		}
		res, err := p.execute(j.task)
		j.future.complete(res, err)
		p.release(w)
	}
}

func (p *Pool) execute(t Task) (res Result, err error) {
	op := operation(t)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("%w: %s panicked: %v", ErrWorkerTask, op, r)
		}
		if p.metrics == nil {
			return
		}
		if err != nil {
			p.metrics.RecordCryptoError(op, errorType(err))
			return
		}
		p.metrics.RecordCryptoOperation(op, time.Since(start), res.Plaintext)
	}()

	return execute(t)
}

// release marks w idle and immediately schedules the next queued job.
func (p *Pool) release(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.busy, w)
	if p.closed {
		return
	}
	p.idle = append(p.idle, w)
	p.dispatchLocked()
}

// Stats returns the current scheduling state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers: len(p.workers),
		Busy:    len(p.busy),
		Queued:  len(p.queue),
	}
}

// Terminate stops all workers and drops queued tasks. Futures of dropped or
// running tasks report ErrTerminated from Wait. Terminate is idempotent.
func (p *Pool) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.terminated)

	p.queue = nil
	for _, w := range p.workers {
		close(w.jobs)
	}
	p.workers = nil
	p.idle = nil
}
