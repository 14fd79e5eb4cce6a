// Package executor provides a bounded-concurrency runner for independent
// units of work, with optional retry and progress reporting. It backs both
// the dependency graph scheduler and per-stage fan-out work such as
// generating one image per scene.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/lucavalli/reelforge/internal/reliability"
)

const backoffCap = 30 * time.Second

// Func is one asynchronous unit of work.
type Func func(ctx context.Context) (any, error)

// Result captures the outcome of one unit independently of its siblings.
type Result struct {
	Value any
	Err   error
}

// ProgressFunc is invoked after every unit settles (success or final failure).
type ProgressFunc func(completed int, message string)

type Executor struct {
	maxConcurrency int
	sem            chan struct{}
}

func New(maxConcurrency int) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Executor{
		maxConcurrency: maxConcurrency,
		sem:            make(chan struct{}, maxConcurrency),
	}
}

func (e *Executor) MaxConcurrency() int {
	return e.maxConcurrency
}

// Acquire blocks the calling goroutine until a concurrency slot is free or
// ctx is done. Every successful Acquire must be paired with Release.
func (e *Executor) Acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Release() {
	<-e.sem
}

// Execute runs all fns with at most maxConcurrency active at once and returns
// results in input order. A failing unit never cancels its siblings.
func (e *Executor) Execute(ctx context.Context, fns []Func) []Result {
	return e.ExecuteWithProgress(ctx, fns, nil, 0, 0)
}

// ExecuteWithProgress is Execute plus per-unit retry with exponential backoff
// (retryDelay doubled per attempt, capped) and a settle callback. A unit that
// exhausts its retries contributes its last error to the result set.
func (e *Executor) ExecuteWithProgress(ctx context.Context, fns []Func, onProgress ProgressFunc, retryCount int, retryDelay time.Duration) []Result {
	results := make([]Result, len(fns))
	if len(fns) == 0 {
		return results
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)

	for i, fn := range fns {
		wg.Add(1)
		go func(idx int, fn Func) {
			defer wg.Done()

			if err := e.Acquire(ctx); err != nil {
				results[idx] = Result{Err: err}
				e.settle(&mu, &completed, onProgress, "")
				return
			}
			defer e.Release()

			value, err := e.runWithRetry(ctx, fn, retryCount, retryDelay)
			results[idx] = Result{Value: value, Err: err}
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			e.settle(&mu, &completed, onProgress, msg)
		}(i, fn)
	}

	wg.Wait()
	return results
}

func (e *Executor) runWithRetry(ctx context.Context, fn Func, retryCount int, retryDelay time.Duration) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= retryCount; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, retryDelay, backoffCap)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !reliability.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (e *Executor) settle(mu *sync.Mutex, completed *int, onProgress ProgressFunc, message string) {
	mu.Lock()
	*completed++
	n := *completed
	mu.Unlock()
	if onProgress != nil {
		onProgress(n, message)
	}
}

// Map applies fn to every item with the executor's concurrency and retry
// semantics, returning one result per item in input order.
func Map[T any](ctx context.Context, e *Executor, items []T, fn func(context.Context, T) (any, error), onProgress ProgressFunc, retryCount int, retryDelay time.Duration) []Result {
	fns := make([]Func, len(items))
	for i, item := range items {
		item := item
		fns[i] = func(ctx context.Context) (any, error) {
			return fn(ctx, item)
		}
	}
	return e.ExecuteWithProgress(ctx, fns, onProgress, retryCount, retryDelay)
}
