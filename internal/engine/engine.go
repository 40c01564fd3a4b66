// Package engine wires the store, registry, worker pool, service adapter and
// aggregator into the analysis orchestration facade the API and CLI consume.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/probeworks/gauntlet/internal/adapter"
	"github.com/probeworks/gauntlet/internal/aggregate"
	"github.com/probeworks/gauntlet/internal/dispatch"
	"github.com/probeworks/gauntlet/internal/log"
	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/pool"
	"github.com/probeworks/gauntlet/internal/registry"
	"github.com/probeworks/gauntlet/internal/task"
)

// awaitMargin pads the aggregation ceiling beyond the unit timeout, so losing
// a completion notification degrades the unit instead of blocking the batch.
const awaitMargin = 5 * time.Second

// Engine orchestrates analysis requests end to end: dispatch, concurrent
// execution, aggregation, persistence. One Engine serves many concurrent
// requests over one shared worker pool.
type Engine struct {
	cfg     model.Config
	store   task.Store
	disp    *dispatch.Dispatcher
	pool    *pool.Pool
	adapter *adapter.Adapter
	writer  *aggregate.Writer

	// baseCtx detaches batch execution from the submission request context;
	// dispatch is asynchronous, so an analysis must not die with the HTTP
	// request that started it.
	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelCauseFunc
	done    map[uuid.UUID]chan struct{}
	wg      sync.WaitGroup
}

// New assembles an engine from its collaborators.
func New(cfg model.Config, store task.Store, reg *registry.Registry, adp *adapter.Adapter, writer *aggregate.Writer) *Engine {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		store:   store,
		disp:    dispatch.New(store, reg),
		pool:    pool.New(cfg.Pool.Workers, cfg.Pool.UnitTimeout, cfg.Pool.SoftMargin),
		adapter: adp,
		writer:  writer,
		baseCtx: baseCtx,
		stop:    stop,
		cancels: make(map[uuid.UUID]context.CancelCauseFunc),
		done:    make(map[uuid.UUID]chan struct{}),
	}
}

// Analyze validates and dispatches one request and returns the main task id
// without waiting for completion. Unknown tools fail before any task row is
// created.
func (e *Engine) Analyze(ctx context.Context, target string, tools []string) (uuid.UUID, error) {
	plan, err := e.disp.Prepare(ctx, target, tools)
	if err != nil {
		return uuid.Nil, err
	}

	batchCtx, cancel := context.WithCancelCause(e.baseCtx)
	doneCh := make(chan struct{})
	e.mu.Lock()
	e.cancels[plan.Main.ID] = cancel
	e.done[plan.Main.ID] = doneCh
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(doneCh)
		defer e.release(plan.Main.ID)
		e.runBatch(batchCtx, plan)
	}()

	slog.InfoContext(ctx, "analysis dispatched",
		"task_id", plan.Main.ID.String(),
		"target", target,
		"services", plan.Services(),
		"fan_out", !plan.Direct(),
	)
	return plan.Main.ID, nil
}

// Cancel marks a main task CANCELLED immediately and signals its running
// units best-effort. It does not wait for the signals to take effect; units
// finishing after cancellation have their results discarded, though their own
// terminal status is still recorded for audit.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Kind != task.KindMain {
		return fmt.Errorf("task %s is not a main task", id)
	}
	if _, err := e.store.Transition(ctx, id, task.StatusCancelled, nil, "cancelled by caller"); err != nil {
		return err
	}

	e.mu.Lock()
	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel(model.ErrCancelled)
	}
	slog.InfoContext(ctx, "analysis cancelled", "task_id", id.String())
	return nil
}

// View is a caller-facing snapshot of a main task.
type View struct {
	Task       task.Task
	Subtasks   []task.Task
	Progress   float64 // completed_subtasks / total_subtasks
	Total      int
	Terminated int
}

// TaskView returns the task with its subtasks and progress fraction.
func (e *Engine) TaskView(ctx context.Context, id uuid.UUID) (View, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	subs, err := e.store.ListSubtasks(ctx, id)
	if err != nil {
		return View{}, err
	}

	total, terminated := len(subs), 0
	for _, s := range subs {
		if s.Terminal() {
			terminated++
		}
	}
	if total == 0 {
		// Direct execution: the main task is its own single unit.
		total = 1
		if t.Terminal() {
			terminated = 1
		}
	}
	return View{
		Task:       t,
		Subtasks:   subs,
		Progress:   float64(terminated) / float64(total),
		Total:      total,
		Terminated: terminated,
	}, nil
}

// Tasks returns every main task known to the store, newest first.
func (e *Engine) Tasks(ctx context.Context) ([]task.Task, error) {
	return e.store.ListMains(ctx)
}

// Await blocks until the task's batch finished (or ctx expires) and returns
// the final task. It serves the one-shot CLI path.
func (e *Engine) Await(ctx context.Context, id uuid.UUID) (task.Task, error) {
	e.mu.Lock()
	doneCh := e.done[id]
	e.mu.Unlock()
	if doneCh != nil {
		select {
		case <-doneCh:
		case <-ctx.Done():
			return task.Task{}, ctx.Err()
		}
	}
	return e.store.Get(ctx, id)
}

// Shutdown stops accepting work and waits for in-flight batches, bounded by
// ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.pool.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

func (e *Engine) release(id uuid.UUID) {
	e.mu.Lock()
	delete(e.cancels, id)
	delete(e.done, id)
	e.mu.Unlock()
}

// runBatch drives one plan to its terminal state: submit every unit, wait for
// all completion notifications, merge, persist, finalize the main task.
func (e *Engine) runBatch(ctx context.Context, plan dispatch.Plan) {
	ctx = log.ContextAttrs(ctx, slog.String("task_id", plan.Main.ID.String()))

	if _, err := e.store.Transition(ctx, plan.Main.ID, task.StatusRunning, nil, ""); err != nil {
		// Cancelled between dispatch and pickup; nothing was executed.
		slog.InfoContext(ctx, "batch not started", "error", err)
		dctx := context.WithoutCancel(ctx)
		for _, st := range plan.Subtasks {
			if _, terr := e.store.Transition(dctx, st.ID, task.StatusCancelled, nil, "batch never started"); terr != nil {
				slog.ErrorContext(ctx, "cancelling pending subtask failed", "subtask_id", st.ID.String(), "error", terr)
			}
		}
		return
	}

	units := e.unitsFor(plan)
	notify := make(chan aggregate.UnitResult, len(units))
	expected := make([]aggregate.Expected, len(units))
	for i, u := range units {
		expected[i] = aggregate.Expected{TaskID: u.t.ID, Service: u.service, Tools: u.tools}
		e.submit(ctx, u, notify)
	}

	ceiling := e.cfg.Pool.UnitTimeout + awaitMargin
	results := aggregate.Await(ctx, notify, expected, ceiling)
	e.finalizeMain(ctx, plan, results)
}

// unit is one schedulable share of a plan. For a fan-out plan each subtask is
// a unit owning its own terminal transition; a direct plan has a single unit
// whose task is the main task, finalized by the aggregator instead.
type unit struct {
	t            task.Task
	service      string
	tools        []string
	ownsTerminal bool
}

func (e *Engine) unitsFor(plan dispatch.Plan) []unit {
	if plan.Direct() {
		service := plan.Services()[0]
		return []unit{{
			t:       plan.Main,
			service: service,
			tools:   plan.Groups[service],
		}}
	}
	units := make([]unit, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		units[i] = unit{t: st, service: st.ServiceName, tools: st.RequestedTools, ownsTerminal: true}
	}
	return units
}

func (e *Engine) submit(ctx context.Context, u unit, notify chan<- aggregate.UnitResult) {
	err := e.pool.Submit(ctx, e.unitFunc(u), func(out pool.Outcome) {
		notify <- e.finalizeUnit(ctx, u, out)
	})
	if err != nil {
		// Slot acquisition failed: the batch was cancelled while queueing.
		out := pool.Outcome{Err: fmt.Errorf("%w: %v", model.ErrCancelled, err)}
		notify <- e.finalizeUnit(ctx, u, out)
	}
}

// unitFunc builds the work the pool runs for one unit: mark the subtask
// RUNNING, then execute its tool list through the adapter, optionally
// retrying a failure once.
func (e *Engine) unitFunc(u unit) pool.UnitFunc {
	return func(ctx context.Context) (model.ServicePayload, error) {
		ctx = log.ContextAttrs(ctx, slog.String("service", u.service))
		if u.ownsTerminal {
			if _, err := e.store.Transition(ctx, u.t.ID, task.StatusRunning, nil, ""); err != nil {
				return model.ServicePayload{}, fmt.Errorf("starting subtask: %w", err)
			}
		}

		run := func() (model.ServicePayload, error) {
			payload, err := e.adapter.Run(ctx, u.service, u.t.Target, u.tools)
			if err != nil && ctx.Err() != nil {
				// Deadline and cancellation failures are never retryable.
				return payload, backoff.Permanent(err)
			}
			return payload, err
		}
		if !e.cfg.Pool.RetryFailed {
			return run()
		}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 1), ctx)
		return backoff.RetryWithData(run, b)
	}
}

// finalizeUnit records the unit's terminal status and converts the outcome
// for aggregation. The store write is deliberately detached from batch
// cancellation: a late unit still gets its audit record.
func (e *Engine) finalizeUnit(ctx context.Context, u unit, out pool.Outcome) aggregate.UnitResult {
	res := aggregate.UnitResult{
		TaskID:  u.t.ID,
		Service: u.service,
		Tools:   u.tools,
		Payload: out.Payload,
		Err:     out.Err,
	}
	if !u.ownsTerminal {
		return res
	}

	dctx := context.WithoutCancel(ctx)
	if out.Err == nil {
		raw, err := json.Marshal(out.Payload)
		if err != nil {
			res.Err = fmt.Errorf("%w: encoding payload: %v", model.ErrInternal, err)
			e.failUnit(dctx, u.t.ID, res.Err)
			return res
		}
		if _, err := e.store.Transition(dctx, u.t.ID, task.StatusCompleted, raw, ""); err != nil {
			slog.ErrorContext(ctx, "recording subtask completion failed", "subtask_id", u.t.ID.String(), "error", err)
		}
		return res
	}

	e.failUnit(dctx, u.t.ID, out.Err)
	return res
}

func (e *Engine) failUnit(ctx context.Context, id uuid.UUID, cause error) {
	status := task.StatusFailed
	if errors.Is(cause, model.ErrCancelled) {
		status = task.StatusCancelled
	}
	if _, err := e.store.Transition(ctx, id, status, nil, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "recording subtask failure failed", "subtask_id", id.String(), "error", err)
	}
}

// finalizeMain merges unit results, persists the aggregate and commits the
// main task's terminal transition, in that order, so a COMPLETED task always
// has a retrievable result. A cancelled main task discards everything.
func (e *Engine) finalizeMain(ctx context.Context, plan dispatch.Plan, results []aggregate.UnitResult) {
	dctx := context.WithoutCancel(ctx)

	current, err := e.store.Get(dctx, plan.Main.ID)
	if err != nil {
		slog.ErrorContext(ctx, "loading main task for finalization failed", "error", err)
		return
	}
	if current.Status == task.StatusCancelled {
		slog.InfoContext(ctx, "discarding results of cancelled task")
		return
	}

	agg, err := aggregate.Merge(results)
	if err != nil {
		// Every service failed; the main task fails with the joined details
		// and no result is persisted.
		if _, terr := e.store.Transition(dctx, plan.Main.ID, task.StatusFailed, nil, err.Error()); terr != nil {
			slog.ErrorContext(ctx, "recording main task failure failed", "error", terr)
		}
		return
	}

	if err := e.writer.Write(dctx, plan.Main, agg, results); err != nil {
		if _, terr := e.store.Transition(dctx, plan.Main.ID, task.StatusFailed, nil,
			fmt.Sprintf("persisting result: %v", err)); terr != nil {
			slog.ErrorContext(ctx, "recording main task failure failed", "error", terr)
		}
		return
	}

	raw, err := json.Marshal(agg)
	if err != nil {
		slog.ErrorContext(ctx, "encoding aggregated result failed", "error", err)
		raw = nil
	}
	if _, err := e.store.Transition(dctx, plan.Main.ID, task.StatusCompleted, raw, ""); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// Cancellation won the race after the result was written; a
			// cancelled task must not leave a retrievable result behind.
			if derr := e.writer.Discard(plan.Main.ID.String()); derr != nil {
				slog.ErrorContext(ctx, "discarding result of cancelled task failed", "error", derr)
			}
			return
		}
		slog.ErrorContext(ctx, "recording main task completion failed", "error", err)
	}
	slog.InfoContext(ctx, "analysis finished",
		"overall_status", string(agg.OverallStatus),
		"findings", agg.TotalFindings(),
		"degraded_services", len(agg.DegradedServices),
	)
}
