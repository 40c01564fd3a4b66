// Package pool implements the bounded-concurrency executor. Every unit of
// work runs in isolation: its panics are caught at the unit boundary, its
// runtime is capped by a hard deadline, and a unit that ignores cancellation
// is abandoned rather than joined, so it can never block a pool slot or its
// sibling units.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/probeworks/gauntlet/internal/model"
)

// UnitFunc is one unit of work. It must respect ctx cancellation, but the
// pool enforces the hard limit whether it does or not.
type UnitFunc func(ctx context.Context) (model.ServicePayload, error)

// Outcome is the terminal result of a unit: a payload or a classified error.
type Outcome struct {
	Payload model.ServicePayload
	Err     error
}

// Pool runs units with a fixed number of execution slots and a per-unit
// timeout. The soft margin cancels the unit context ahead of the hard limit
// to allow graceful wind-down.
type Pool struct {
	slots   *semaphore.Weighted
	timeout time.Duration
	margin  time.Duration
	wg      sync.WaitGroup
}

// New builds a pool with w slots. Non-positive w falls back to the default
// worker count; a margin that does not fit inside the timeout disables the
// soft-cancellation signal.
func New(w int, timeout, margin time.Duration) *Pool {
	if w < 1 {
		w = model.DefaultWorkers
	}
	if timeout <= 0 {
		timeout = model.DefaultUnitTimeout
	}
	if margin < 0 || margin >= timeout {
		margin = 0
	}
	return &Pool{
		slots:   semaphore.NewWeighted(int64(w)),
		timeout: timeout,
		margin:  margin,
	}
}

// Submit queues fn for execution. The call blocks only while acquiring one of
// the pool's slots, never until completion. The done callback is invoked
// exactly once per unit, with the unit's terminal outcome.
func (p *Pool) Submit(ctx context.Context, fn UnitFunc, done func(Outcome)) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring pool slot: %w", err)
	}
	p.wg.Add(1)
	go p.supervise(ctx, fn, done)
	return nil
}

// Wait blocks until all supervised units have reached an outcome. Abandoned
// unit goroutines are not joined.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) supervise(ctx context.Context, fn UnitFunc, done func(Outcome)) {
	defer p.wg.Done()
	defer p.slots.Release(1)

	// The unit context expires margin before the hard limit so a cooperative
	// unit can wind down and still deliver a result in time.
	unitCtx, cancel := context.WithTimeout(ctx, p.timeout-p.margin)
	defer cancel()

	// Buffered so an abandoned unit's late send never leaks its goroutine.
	resCh := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "unit panicked",
					"panic", r, "stack", string(debug.Stack()))
				resCh <- Outcome{Err: fmt.Errorf("%w: panic: %v", model.ErrInternal, r)}
			}
		}()
		payload, err := fn(unitCtx)
		resCh <- Outcome{Payload: payload, Err: err}
	}()

	hard := time.NewTimer(p.timeout)
	defer hard.Stop()

	select {
	case out := <-resCh:
		done(normalize(out, unitCtx))
	case <-hard.C:
		// The unit never returned; its goroutine is abandoned, the slot is
		// freed, and the unit counts as timed out.
		done(Outcome{Err: fmt.Errorf("%w after %s: unit abandoned", model.ErrTimeout, p.timeout)})
	case <-ctx.Done():
		done(Outcome{Err: fmt.Errorf("%w: %v", model.ErrCancelled, context.Cause(ctx))})
	}
}

// normalize maps raw context errors surfacing from cooperative units onto the
// engine's error taxonomy.
func normalize(out Outcome, unitCtx context.Context) Outcome {
	if out.Err == nil {
		return out
	}
	switch {
	case errors.Is(out.Err, context.DeadlineExceeded) && errors.Is(unitCtx.Err(), context.DeadlineExceeded):
		out.Err = fmt.Errorf("%w: %v", model.ErrTimeout, out.Err)
	case errors.Is(out.Err, context.Canceled):
		out.Err = fmt.Errorf("%w: %v", model.ErrCancelled, out.Err)
	}
	return out
}
