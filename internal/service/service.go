// Package service ties the registry, scheduler and history store together
// behind the operations exposed by the HTTP API, the MCP tools and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"autorun/internal/core"
	"autorun/internal/registry"
	"autorun/internal/store"
)

const maxPreviewCount = 20

// ErrInvalidSchedule is returned for cron expressions that do not parse.
var ErrInvalidSchedule = errors.New("invalid cron expression")

// TaskView is a task descriptor joined with its scheduling and history state.
type TaskView struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Schedule      string          `json:"schedule,omitempty"`
	ScheduleError string          `json:"scheduleError,omitempty"`
	TimeoutMs     int64           `json:"timeoutMs,omitempty"`
	Source        string          `json:"source,omitempty"`
	Scheduled     bool            `json:"scheduled"`
	Running       bool            `json:"running"`
	NextRun       *time.Time      `json:"nextRun,omitempty"`
	LastRun       *core.Execution `json:"lastRun,omitempty"`
	LastRunText   string          `json:"lastRunText"`
}

// StatusView summarizes the daemon.
type StatusView struct {
	core.Status
	TaskCount      int    `json:"taskCount"`
	RejectionCount int    `json:"rejectionCount"`
	Timezone       string `json:"timezone"`
}

// ReloadResult reports the outcome of a registry reload.
type ReloadResult struct {
	Tasks      int                  `json:"tasks"`
	Scheduled  int                  `json:"scheduled"`
	Rejections []registry.Rejection `json:"rejections"`
}

// PruneResult reports what a prune pass removed.
type PruneResult struct {
	MaxAgeDays  int `json:"maxAgeDays"`
	Removed     int `json:"removed"`
	LogsRemoved int `json:"logsRemoved"`
}

// Options carries the settings the service needs from the configuration.
type Options struct {
	RetentionDays int
	LogDir        string
}

// Service is safe for concurrent use.
type Service struct {
	registry  *registry.Registry
	scheduler *core.Scheduler
	history   *store.History
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	mu     sync.Mutex
	runCtx context.Context
}

// New creates a service. The scheduler is not started.
func New(reg *registry.Registry, scheduler *core.Scheduler, history *store.History, logger *slog.Logger, opts Options) *Service {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = store.DefaultRetentionDays
	}
	return &Service{
		registry:  reg,
		scheduler: scheduler,
		history:   history,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Start starts the scheduler with ctx as the lifetime of every trigger,
// including those recreated by later reloads.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.scheduler.Start(ctx)
}

// Stop stops the scheduler triggers. Running bodies continue.
func (s *Service) Stop() {
	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()
	s.scheduler.Stop()
}

// Scheduler exposes the underlying scheduler.
func (s *Service) Scheduler() *core.Scheduler { return s.scheduler }

// History exposes the underlying history store.
func (s *Service) History() *store.History { return s.history }

// Reload rediscovers tasks and, when the scheduler is running, rebuilds the
// triggers from the new table.
func (s *Service) Reload(ctx context.Context) (ReloadResult, error) {
	tasks, err := s.registry.Reload(ctx)
	if err != nil {
		return ReloadResult{}, err
	}
	s.Rescheduled()
	return s.reloadResult(tasks), nil
}

// Rescheduled rebuilds triggers after the registry changed underneath, as
// the directory watcher does.
func (s *Service) Rescheduled() {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx != nil {
		s.scheduler.Reschedule(runCtx)
	}
}

// Watch follows the registry source and reschedules on every change.
func (s *Service) Watch(ctx context.Context) error {
	return s.registry.Watch(ctx, func([]core.Task) {
		s.Rescheduled()
	})
}

func (s *Service) reloadResult(tasks []core.Task) ReloadResult {
	scheduled := 0
	for _, task := range tasks {
		if task.Scheduled() && task.ScheduleError == "" {
			scheduled++
		}
	}
	rejections := s.registry.Rejections()
	if rejections == nil {
		rejections = []registry.Rejection{}
	}
	return ReloadResult{Tasks: len(tasks), Scheduled: scheduled, Rejections: rejections}
}

// Tasks returns a view of every registered task ordered by id.
func (s *Service) Tasks() []TaskView {
	tasks := s.registry.ListAll()
	out := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, s.view(task))
	}
	return out
}

// Task returns the view of one task.
func (s *Service) Task(id string) (TaskView, error) {
	task, ok := s.registry.Lookup(id)
	if !ok {
		return TaskView{}, core.ErrTaskNotFound
	}
	return s.view(task), nil
}

func (s *Service) view(task core.Task) TaskView {
	v := TaskView{
		ID:            task.ID,
		Name:          task.Name,
		Description:   task.Description,
		Schedule:      task.Schedule,
		ScheduleError: task.ScheduleError,
		TimeoutMs:     task.Timeout.Milliseconds(),
		Source:        task.Source,
		Scheduled:     task.Scheduled() && task.ScheduleError == "",
		Running:       s.scheduler.IsRunning(task.ID),
		LastRunText:   s.history.LastRunText(task.ID),
	}
	if next, ok := s.scheduler.NextRun(task.ID); ok {
		v.NextRun = &next
	} else if v.Scheduled {
		if next, err := core.NextRun(task.Schedule, s.now().In(s.scheduler.Location())); err == nil && !next.IsZero() {
			v.NextRun = &next
		}
	}
	if last, ok := s.history.LastExecution(task.ID); ok {
		v.LastRun = &last
	}
	return v
}

// Run manually triggers a task. With wait it blocks until the body finishes
// and body failures come back as *core.TaskError; without wait it returns
// once the guard decision is made.
func (s *Service) Run(ctx context.Context, id string, wait bool) (core.Outcome, error) {
	task, ok := s.registry.Lookup(id)
	if !ok {
		return core.Outcome{TaskID: id, Trigger: core.TriggerManual}, core.ErrTaskNotFound
	}
	if wait {
		return s.scheduler.Execute(ctx, task, core.TriggerManual)
	}
	return s.scheduler.Dispatch(task, core.TriggerManual)
}

// Runs returns the most recent executions of a registered task.
func (s *Service) Runs(id string, limit int) ([]core.Execution, error) {
	if _, ok := s.registry.Lookup(id); !ok {
		return nil, core.ErrTaskNotFound
	}
	return s.history.History(id, limit), nil
}

// Stats aggregates the history of a registered task.
func (s *Service) Stats(id string) (core.Stats, error) {
	if _, ok := s.registry.Lookup(id); !ok {
		return core.Stats{}, core.ErrTaskNotFound
	}
	return s.history.Stats(id), nil
}

// Execution looks an execution up by id.
func (s *Service) Execution(executionID string) (core.Execution, error) {
	return s.history.Execution(executionID)
}

// RunLogPath is where a command unit wrote the output of an execution.
func (s *Service) RunLogPath(exec core.Execution) string {
	if s.opts.LogDir == "" {
		return ""
	}
	return core.RunLogPath(s.opts.LogDir, exec.TaskID, exec.ID)
}

// Running lists in-flight executions.
func (s *Service) Running() []core.RunningExecution {
	return s.scheduler.RunningExecutions()
}

// Status summarizes the scheduler and registry.
func (s *Service) Status() StatusView {
	return StatusView{
		Status:         s.scheduler.Status(),
		TaskCount:      len(s.registry.ListAll()),
		RejectionCount: len(s.registry.Rejections()),
		Timezone:       s.scheduler.Location().String(),
	}
}

// Rejections lists the units excluded by the last reload.
func (s *Service) Rejections() []registry.Rejection {
	out := s.registry.Rejections()
	if out == nil {
		return []registry.Rejection{}
	}
	return out
}

// Prune drops executions older than maxAgeDays, and command logs of the same
// age. A non-positive maxAgeDays means the configured retention.
func (s *Service) Prune(maxAgeDays int) PruneResult {
	if maxAgeDays <= 0 {
		maxAgeDays = s.opts.RetentionDays
	}
	res := PruneResult{MaxAgeDays: maxAgeDays}
	res.Removed = s.history.Prune(maxAgeDays)
	cutoff := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	logs, err := store.PruneRunLogs(s.opts.LogDir, cutoff)
	if err != nil {
		s.logger.Warn("prune run logs", "dir", s.opts.LogDir, "err", err)
	}
	res.LogsRemoved = logs
	return res
}

// CronPreview validates expr and returns its next count fire times after
// base, evaluated in loc.
func CronPreview(expr string, base time.Time, loc *time.Location, count int) ([]time.Time, error) {
	schedule, err := core.ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if count <= 0 {
		count = 5
	}
	count = min(count, maxPreviewCount)
	if loc == nil {
		loc = time.Local
	}
	return core.NextOccurrences(schedule, base.In(loc), count), nil
}

// Location is the timezone cron expressions are evaluated in.
func (s *Service) Location() *time.Location {
	return s.scheduler.Location()
}
