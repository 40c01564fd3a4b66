// Package dispatch converts a flat tool request into the MAIN/SUBTASK
// hierarchy. It validates against the shared registry before creating any
// row, so a request naming an unknown tool leaves no trace in the store.
package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/registry"
	"github.com/probeworks/gauntlet/internal/task"
)

// Plan is the task hierarchy created for one request. Subtasks is empty when
// a single service owns every requested tool: the main task is then executed
// directly and the fan-out overhead is skipped.
type Plan struct {
	Main     task.Task
	Subtasks []task.Task
	Groups   map[string][]string // service -> its share of the tools
}

// Direct reports whether the plan runs without subtask fan-out.
func (p Plan) Direct() bool { return len(p.Subtasks) == 0 }

// Services returns the plan's service names, sorted.
func (p Plan) Services() []string {
	names := make([]string, 0, len(p.Groups))
	for name := range p.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Dispatcher struct {
	store task.Store
	reg   *registry.Registry
}

func New(store task.Store, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{store: store, reg: reg}
}

// Prepare validates the request, groups tools by owning service and creates
// the durable task rows: one PENDING main task, plus one PENDING subtask per
// service when two or more services share the request. All rows exist before
// Prepare returns; execution has not started.
func (d *Dispatcher) Prepare(ctx context.Context, target string, tools []string) (Plan, error) {
	deduped := dedupe(tools)
	if len(deduped) == 0 {
		return Plan{}, model.ErrEmptyRequest
	}

	groups, err := d.reg.GroupByService(deduped)
	if err != nil {
		return Plan{}, err
	}

	main := task.NewMain(target, deduped)
	if err := d.store.Create(ctx, main); err != nil {
		return Plan{}, fmt.Errorf("creating main task: %w", err)
	}

	plan := Plan{Main: main, Groups: groups}
	if len(groups) == 1 {
		return plan, nil
	}

	for _, service := range plan.Services() {
		sub := task.NewSubtask(main, service, groups[service])
		if err := d.store.Create(ctx, sub); err != nil {
			return Plan{}, fmt.Errorf("creating subtask for %s: %w", service, err)
		}
		plan.Subtasks = append(plan.Subtasks, sub)
	}
	return plan, nil
}

// dedupe drops repeated tool names, keeping first-occurrence order.
func dedupe(tools []string) []string {
	seen := make(map[string]bool, len(tools))
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		if tool == "" || seen[tool] {
			continue
		}
		seen[tool] = true
		out = append(out, tool)
	}
	return out
}
