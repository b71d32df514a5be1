// Package upload runs multi-file upload sessions: per-file plans of
// compression, original and placeholder uploads executed under a
// concurrency limit, with progress published through a task registry and
// every artifact recorded in the upload history.
package upload

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency = 5
	MaxConcurrency     = 20
)

// ClampConcurrency maps n into 1..MaxConcurrency, treating 0 as the default.
func ClampConcurrency(n int) int {
	switch {
	case n == 0:
		return DefaultConcurrency
	case n < 1:
		return 1
	case n > MaxConcurrency:
		return MaxConcurrency
	}
	return n
}

// Limiter bounds how many functions run at once. Waiters are admitted in
// FIFO order as slots free up.
type Limiter struct {
	sem     *semaphore.Weighted
	limit   int
	running atomic.Int64
}

// NewLimiter creates a Limiter admitting at most limit concurrent calls.
// limit is clamped to at least 1.
func NewLimiter(limit int) *Limiter {
	limit = max(limit, 1)
	return &Limiter{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Limit returns the configured bound.
func (l *Limiter) Limit() int {
	return l.limit
}

// Running returns the number of calls currently holding a slot.
func (l *Limiter) Running() int {
	return int(l.running.Load())
}

// Do waits for a slot, runs fn and releases the slot once fn returns or
// panics. If ctx is done before a slot frees, fn is not run and the context
// error is returned.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.running.Add(1)
	defer func() {
		l.running.Add(-1)
		l.sem.Release(1)
	}()
	return fn(ctx)
}

// RunAll runs every fn through l and waits for all of them to settle. A
// failing fn does not stop the others. The returned slice holds each fn's
// error at its index.
func RunAll(ctx context.Context, l *Limiter, fns []func(context.Context) error) []error {
	errs := make([]error, len(fns))
	var g errgroup.Group
	for i, fn := range fns {
		g.Go(func() error {
			errs[i] = l.Do(ctx, fn)
			return nil
		})
	}
	g.Wait()
	return errs
}
