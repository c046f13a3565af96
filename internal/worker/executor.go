// Package worker runs submitted tasks on a fixed pool of goroutines and lets
// callers wait a bounded time for the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimeout is returned when a result is not ready within the wait bound.
	// The task keeps running.
	ErrTimeout = errors.New("worker: timed out waiting for result")
	// ErrClosed is returned when submitting to a closed executor.
	ErrClosed = errors.New("worker: executor closed")
)

type job struct {
	name string
	fn   func(ctx context.Context) (any, error)
	done chan result
}

type result struct {
	val any
	err error
}

// Executor owns a task channel drained by a fixed number of workers. Tasks
// run under the executor's context, so a caller giving up on the wait does
// not cancel the task; Close does.
type Executor struct {
	tasks  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New starts an executor with the given worker count and queue depth.
func New(workers, queue int, logger *zap.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		tasks:  make(chan job, queue),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.work()
	}
	return e
}

func (e *Executor) work() {
	defer e.wg.Done()
	for j := range e.tasks {
		start := time.Now()
		val, err := e.run(j)
		e.logger.Debug("task finished",
			zap.String("task", j.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		j.done <- result{val: val, err: err}
	}
}

func (e *Executor) run(j job) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", j.name, r)
		}
	}()
	return j.fn(e.ctx)
}

func (e *Executor) submit(ctx context.Context, j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.tasks <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// Close stops accepting tasks, cancels running ones and waits for the
// workers to exit.
func (e *Executor) Close() {
	e.cancel()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	e.wg.Wait()
}

// Go submits fn without waiting for its result.
func (e *Executor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return e.submit(ctx, job{
		name: name,
		fn:   func(ctx context.Context) (any, error) { return nil, fn(ctx) },
		done: make(chan result, 1),
	})
}

// Do submits fn and waits up to wait for its result. Submission blocks while
// the queue is full, bounded by ctx.
func Do[T any](ctx context.Context, e *Executor, name string, wait time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	j := job{
		name: name,
		fn:   func(ctx context.Context) (any, error) { return fn(ctx) },
		done: make(chan result, 1),
	}
	if err := e.submit(ctx, j); err != nil {
		return zero, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r := <-j.done:
		if r.err != nil {
			return zero, r.err
		}
		v, _ := r.val.(T)
		return v, nil
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
