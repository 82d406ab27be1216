// Package store keeps the execution history of every task: an in-memory
// document rewritten in full to a Backend on each mutation.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"autorun/internal/core"
)

const (
	DefaultHistoryLimit  = 10
	DefaultRetentionDays = 30

	persistTimeout = 15 * time.Second
)

var ErrExecutionNotFound = errors.New("execution not found")

// Option configures a History.
type Option func(*History)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *History) {
		h.now = now
	}
}

// WithLocation sets the timezone used for calendar dates in LastRunText.
func WithLocation(loc *time.Location) Option {
	return func(h *History) {
		if loc != nil {
			h.location = loc
		}
	}
}

// History is the execution history store. Every mutation persists the whole
// document; a failed write is logged and the in-memory state is kept.
type History struct {
	backend  Backend
	logger   *slog.Logger
	now      func() time.Time
	location *time.Location

	mu  sync.Mutex
	doc *Document
}

// Open loads the document from backend. A load failure is logged and the
// store starts empty.
func Open(ctx context.Context, backend Backend, logger *slog.Logger, opts ...Option) *History {
	h := &History{
		backend:  backend,
		logger:   logger,
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(h)
	}
	doc, err := backend.Load(ctx)
	if err != nil {
		logger.Error("load execution history; starting empty", "err", err)
		doc = nil
	}
	h.doc = doc.normalize()
	return h
}

// Close releases the backend.
func (h *History) Close() error {
	return h.backend.Close()
}

// RecordStart appends a running execution for taskID and returns its id.
func (h *History) RecordStart(taskID, name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	exec := core.Execution{
		ID:        core.NewExecutionID(),
		TaskID:    taskID,
		StartTime: h.now().UTC(),
		Status:    core.RunStatusRunning,
	}
	th, ok := h.doc.Functions[taskID]
	if !ok {
		th = &TaskHistory{}
		h.doc.Functions[taskID] = th
	}
	th.Name = name
	th.Executions = append(th.Executions, exec)
	h.persistLocked()
	return exec.ID
}

// RecordEnd finalizes a running execution. Unknown task or execution ids, and
// executions that already ended, are logged and ignored.
func (h *History) RecordEnd(taskID, executionID string, success bool, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	th, ok := h.doc.Functions[taskID]
	if !ok {
		h.logger.Warn("record end for unknown task", "task_id", taskID, "execution_id", executionID)
		return
	}
	idx := findExecution(th.Executions, executionID)
	if idx < 0 {
		h.logger.Warn("record end for unknown execution", "task_id", taskID, "execution_id", executionID)
		return
	}
	exec := &th.Executions[idx]
	if exec.Finished() {
		h.logger.Warn("execution already ended", "task_id", taskID, "execution_id", executionID, "status", exec.Status)
		return
	}
	status := core.RunStatusFailed
	if success {
		status = core.RunStatusSuccess
		errMsg = ""
	}
	finish(exec, h.now().UTC(), status, errMsg)
	h.persistLocked()
}

func finish(exec *core.Execution, end time.Time, status core.RunStatus, errMsg string) {
	duration := end.Sub(exec.StartTime).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	exec.EndTime = &end
	exec.Status = status
	exec.Error = errMsg
	exec.Duration = &duration
}

func findExecution(execs []core.Execution, id string) int {
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].ID == id {
			return i
		}
	}
	return -1
}

// LastExecution returns the most recent execution of taskID.
func (h *History) LastExecution(taskID string) (core.Execution, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	th, ok := h.doc.Functions[taskID]
	if !ok || len(th.Executions) == 0 {
		return core.Execution{}, false
	}
	return copyExecution(th.Executions[len(th.Executions)-1]), true
}

// LastRunText describes when taskID last started, e.g. "5 minutes ago".
func (h *History) LastRunText(taskID string) string {
	last, ok := h.LastExecution(taskID)
	if !ok {
		return "Never"
	}
	return FormatLastRun(h.now(), last.StartTime, h.location)
}

// History returns up to limit executions of taskID, most recent first. A
// non-positive limit means DefaultHistoryLimit.
func (h *History) History(taskID string, limit int) []core.Execution {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	th, ok := h.doc.Functions[taskID]
	if !ok {
		return []core.Execution{}
	}
	n := min(limit, len(th.Executions))
	out := make([]core.Execution, 0, n)
	for i := len(th.Executions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, copyExecution(th.Executions[i]))
	}
	return out
}

// Execution finds an execution by id across all tasks.
func (h *History) Execution(executionID string) (core.Execution, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, th := range h.doc.Functions {
		if idx := findExecution(th.Executions, executionID); idx >= 0 {
			return copyExecution(th.Executions[idx]), nil
		}
	}
	return core.Execution{}, ErrExecutionNotFound
}

// Stats aggregates the history of taskID. The average duration only counts
// executions that have ended; SuccessRate is a percentage.
func (h *History) Stats(taskID string) core.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var stats core.Stats
	th, ok := h.doc.Functions[taskID]
	if !ok || len(th.Executions) == 0 {
		return stats
	}
	var (
		totalDuration int64
		timed         int
	)
	for _, exec := range th.Executions {
		switch exec.Status {
		case core.RunStatusSuccess:
			stats.SuccessfulExecutions++
		case core.RunStatusFailed:
			stats.FailedExecutions++
		}
		if exec.Duration != nil {
			totalDuration += *exec.Duration
			timed++
		}
	}
	stats.TotalExecutions = len(th.Executions)
	if timed > 0 {
		stats.AverageDurationMs = float64(totalDuration) / float64(timed)
	}
	stats.SuccessRate = float64(stats.SuccessfulExecutions) / float64(stats.TotalExecutions) * 100
	return stats
}

// TaskIDs lists the tasks that have a history, sorted.
func (h *History) TaskIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.doc.Functions))
	for id := range h.doc.Functions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Prune removes executions that started before now minus maxAgeDays, across
// every task, and returns how many were removed. A non-positive maxAgeDays
// means DefaultRetentionDays.
func (h *History) Prune(maxAgeDays int) int {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultRetentionDays
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	removed := 0
	for _, th := range h.doc.Functions {
		kept := th.Executions[:0]
		for _, exec := range th.Executions {
			if exec.StartTime.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, exec)
		}
		th.Executions = kept
	}
	h.persistLocked()
	if removed > 0 {
		h.logger.Info("pruned execution history", "removed", removed, "max_age_days", maxAgeDays)
	}
	return removed
}

// ReconcileInterrupted marks executions left "running" by a previous process
// as interrupted. isRunning reports tasks that are genuinely in flight now.
func (h *History) ReconcileInterrupted(isRunning func(taskID string) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now().UTC()
	fixed := 0
	for taskID, th := range h.doc.Functions {
		if isRunning != nil && isRunning(taskID) {
			continue
		}
		for i := range th.Executions {
			exec := &th.Executions[i]
			if exec.Status != core.RunStatusRunning {
				continue
			}
			finish(exec, now, core.RunStatusInterrupted, "interrupted before completion")
			fixed++
		}
	}
	if fixed > 0 {
		h.persistLocked()
		h.logger.Warn("marked stale running executions as interrupted", "count", fixed)
	}
	return fixed
}

func (h *History) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.backend.Save(ctx, h.doc); err != nil {
		h.logger.Error("persist execution history; in-memory state kept", "err", err)
	}
}

func copyExecution(e core.Execution) core.Execution {
	if e.EndTime != nil {
		end := *e.EndTime
		e.EndTime = &end
	}
	if e.Duration != nil {
		d := *e.Duration
		e.Duration = &d
	}
	return e
}
