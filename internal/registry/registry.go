// Package registry discovers task units from a source, validates them and
// serves the active set of task descriptors.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"autorun/internal/core"
)

// Source yields raw units. Per-unit load failures come back as rejections;
// the error return is reserved for failures that make the whole scan
// meaningless.
type Source interface {
	Scan(ctx context.Context) ([]Unit, []Rejection, error)
}

// Registry holds the active task table. Reload swaps the table wholesale;
// descriptors are never mutated in place.
type Registry struct {
	source Source
	logger *slog.Logger

	mu         sync.RWMutex
	tasks      map[string]core.Task
	rejections []Rejection
}

// New creates an empty registry over source. Call Reload to populate it.
func New(source Source, logger *slog.Logger) *Registry {
	return &Registry{
		source: source,
		logger: logger,
		tasks:  make(map[string]core.Task),
	}
}

// Discover scans the source and validates every unit without touching the
// active table. Duplicate ids are rejected; the first unit in path order wins.
func (r *Registry) Discover(ctx context.Context) ([]core.Task, []Rejection, error) {
	units, rejections, err := r.source.Scan(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("scan source: %w", err)
	}
	sort.SliceStable(units, func(i, j int) bool { return units[i].Path < units[j].Path })

	seen := make(map[string]string, len(units))
	tasks := make([]core.Task, 0, len(units))
	for _, unit := range units {
		task, err := Validate(unit)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				rejections = append(rejections, Rejection{Source: verr.Source, Reason: verr.Reason})
			} else {
				rejections = append(rejections, Rejection{Source: unit.Path, Reason: err.Error()})
			}
			continue
		}
		if first, dup := seen[task.ID]; dup {
			rejections = append(rejections, Rejection{
				Source: unit.Path,
				Reason: fmt.Sprintf("duplicate id %q (already defined by %s)", task.ID, first),
			})
			continue
		}
		seen[task.ID] = unit.Path
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, rejections, nil
}

// Reload re-runs discovery and atomically replaces the active table. On a
// scan failure the previous table stays active.
func (r *Registry) Reload(ctx context.Context) ([]core.Task, error) {
	tasks, rejections, err := r.Discover(ctx)
	if err != nil {
		r.logger.Error("task discovery failed", "err", err)
		return nil, err
	}
	for _, rej := range rejections {
		r.logger.Warn("task unit rejected", "source", rej.Source, "reason", rej.Reason)
	}
	for _, task := range tasks {
		if task.ScheduleError != "" {
			r.logger.Warn("task has an invalid schedule", "task_id", task.ID, "schedule", task.Schedule, "err", task.ScheduleError)
		}
	}

	table := make(map[string]core.Task, len(tasks))
	for _, task := range tasks {
		table[task.ID] = task
	}
	r.mu.Lock()
	r.tasks = table
	r.rejections = rejections
	r.mu.Unlock()

	r.logger.Info("tasks loaded", "count", len(tasks), "rejected", len(rejections))
	return tasks, nil
}

// Lookup returns the task with the given id.
func (r *Registry) Lookup(id string) (core.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	return task, ok
}

// ListAll returns every task ordered by id.
func (r *Registry) ListAll() []core.Task {
	return r.list(func(core.Task) bool { return true })
}

// ListScheduled returns the tasks that carry a schedule expression.
func (r *Registry) ListScheduled() []core.Task {
	return r.list(core.Task.Scheduled)
}

func (r *Registry) list(keep func(core.Task) bool) []core.Task {
	r.mu.RLock()
	out := make([]core.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if keep(task) {
			out = append(out, task)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rejections returns the units excluded by the last successful reload.
func (r *Registry) Rejections() []Rejection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rejection, len(r.rejections))
	copy(out, r.rejections)
	return out
}
