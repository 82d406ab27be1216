package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// AlreadyRunningReason is recorded on executions rejected by the guard.
const AlreadyRunningReason = "Already running"

const (
	defaultTickInterval = time.Second
	// Every wall-clock minute must see at least one poll.
	maxTickInterval = 30 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("task is already running")
	ErrTaskNotFound   = errors.New("task not found")
)

// TaskError wraps a failure reported by a task body.
type TaskError struct {
	TaskID      string
	ExecutionID string
	Err         error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Registry is the read side of the task registry used by the scheduler.
type Registry interface {
	Lookup(id string) (Task, bool)
	ListScheduled() []Task
}

// History records execution attempts.
type History interface {
	RecordStart(taskID, name string) string
	RecordEnd(taskID, executionID string, success bool, errMsg string)
}

// Outcome reports how an execution attempt ended (or, for Dispatch, began).
type Outcome struct {
	TaskID      string    `json:"taskId"`
	ExecutionID string    `json:"executionId"`
	Trigger     Trigger   `json:"trigger"`
	Status      RunStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"durationMs"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often triggers poll the cron engine.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.tick = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler owns the per-task triggers and the concurrency guard.
type Scheduler struct {
	registry Registry
	history  History
	events   EventSink
	logger   *slog.Logger
	location *time.Location
	tick     time.Duration
	now      func() time.Time

	// lifecycle serializes Start, Stop and Reschedule.
	lifecycle sync.Mutex

	mu       sync.Mutex
	triggers map[string]*trigger
	fired    map[string]time.Time // taskID -> last minute fired, kept across restarts
	cancel   context.CancelFunc
	baseCtx  context.Context
	loops    sync.WaitGroup

	runMu   sync.Mutex
	running map[string]string // taskID -> executionID

	inflight sync.WaitGroup
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(registry Registry, history History, events EventSink, logger *slog.Logger, location *time.Location, opts ...Option) *Scheduler {
	if location == nil {
		location = time.Local
	}
	if events == nil {
		events = NopSink{}
	}
	s := &Scheduler{
		registry: registry,
		history:  history,
		events:   events,
		logger:   logger,
		location: location,
		tick:     defaultTickInterval,
		now:      time.Now,
		triggers: make(map[string]*trigger),
		fired:    make(map[string]time.Time),
		running:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tick <= 0 {
		s.tick = defaultTickInterval
	}
	if s.tick > maxTickInterval {
		s.tick = maxTickInterval
	}
	return s
}

// trigger is the live timer bound to one scheduled task.
type trigger struct {
	taskID    string
	name      string
	expr      string
	schedule  cron.Schedule
	lastFired time.Time
}

// poll reports whether the trigger fires at now. It fires at most once per
// matching minute no matter how often it is polled.
func (t *trigger) poll(now time.Time) bool {
	if !isDue(t.schedule, now) {
		return false
	}
	minute := now.Truncate(time.Minute)
	if minute.Equal(t.lastFired) {
		return false
	}
	t.lastFired = minute
	return true
}

// Start creates one trigger per scheduled task. Tasks whose schedule does not
// parse are logged and left manual-only.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.start(ctx)
}

func (s *Scheduler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.logger.Debug("scheduler already started")
		return
	}
	s.baseCtx = ctx
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	fired := make(map[string]time.Time)
	for _, task := range s.registry.ListScheduled() {
		schedule, err := ParseCron(task.Schedule)
		if err != nil {
			s.logger.Warn("task will not be auto-triggered", "task_id", task.ID, "schedule", task.Schedule, "err", err)
			continue
		}
		t := &trigger{
			taskID:    task.ID,
			name:      task.Name,
			expr:      task.Schedule,
			schedule:  schedule,
			lastFired: s.fired[task.ID],
		}
		if !t.lastFired.IsZero() {
			fired[task.ID] = t.lastFired
		}
		s.triggers[task.ID] = t
		s.loops.Add(1)
		go s.runTrigger(loopCtx, t)
		s.events.OnScheduled(task.Name, task.Schedule)
		s.logger.Debug("task scheduled", "task_id", task.ID, "schedule", task.Schedule)
	}
	s.fired = fired
	s.logger.Info("scheduler started", "scheduled", len(s.triggers), "tick", s.tick)
}

// Stop cancels every trigger and waits for the trigger loops to exit. Bodies
// already running are not interrupted. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.triggers = make(map[string]*trigger)
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.loops.Wait()
	s.logger.Info("scheduler stopped")
}

// Reschedule rebuilds every trigger from the registry's current contents. A
// task that already fired in the current minute does not fire again.
func (s *Scheduler) Reschedule(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
	s.start(ctx)
}

func (s *Scheduler) runTrigger(ctx context.Context, t *trigger) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if t.poll(s.now().In(s.location)) {
				s.mu.Lock()
				s.fired[t.taskID] = t.lastFired
				s.mu.Unlock()
				s.fire(t.taskID)
			}
		}
	}
}

func (s *Scheduler) fire(taskID string) {
	task, ok := s.registry.Lookup(taskID)
	if !ok {
		s.logger.Warn("scheduled task no longer registered", "task_id", taskID)
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		outcome, err := s.Execute(s.execContext(), task, TriggerScheduled)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
		case err != nil:
			s.logger.Error("scheduled run failed", "task_id", task.ID, "execution_id", outcome.ExecutionID, "err", err)
		default:
			s.logger.Info("scheduled run finished", "task_id", task.ID, "execution_id", outcome.ExecutionID, "duration_ms", outcome.DurationMs)
		}
	}()
}

// RunNow is the manual trigger: it runs the registered task with the given id
// and reports the same outcome as a scheduled fire.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) (Outcome, error) {
	task, ok := s.registry.Lookup(taskID)
	if !ok {
		return Outcome{TaskID: taskID, Trigger: TriggerManual}, ErrTaskNotFound
	}
	return s.Execute(ctx, task, TriggerManual)
}

// Execute is the guarded execution path. It records the attempt, rejects it
// with ErrAlreadyRunning when the task is already in flight, otherwise runs
// the body and records the result. Body failures are returned as *TaskError.
func (s *Scheduler) Execute(ctx context.Context, task Task, trig Trigger) (Outcome, error) {
	outcome, err := s.begin(task, trig)
	if err != nil {
		return outcome, err
	}
	return s.run(ctx, task, outcome)
}

// Dispatch performs the guard check synchronously and runs the body in the
// background. The returned outcome has status running unless the guard
// rejected the attempt.
func (s *Scheduler) Dispatch(task Task, trig Trigger) (Outcome, error) {
	outcome, err := s.begin(task, trig)
	if err != nil {
		return outcome, err
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.run(s.execContext(), task, outcome); err != nil {
			s.logger.Error("dispatched run failed", "task_id", task.ID, "execution_id", outcome.ExecutionID, "err", err)
		}
	}()
	return outcome, nil
}

func (s *Scheduler) begin(task Task, trig Trigger) (Outcome, error) {
	executionID := s.history.RecordStart(task.ID, task.Name)
	outcome := Outcome{
		TaskID:      task.ID,
		ExecutionID: executionID,
		Trigger:     trig,
		Status:      RunStatusRunning,
	}
	if !s.acquire(task.ID, executionID) {
		s.history.RecordEnd(task.ID, executionID, false, AlreadyRunningReason)
		s.logger.Info("skipping run because task is already running", "task_id", task.ID, "trigger", trig)
		outcome.Status = RunStatusFailed
		outcome.Error = AlreadyRunningReason
		return outcome, ErrAlreadyRunning
	}
	return outcome, nil
}

func (s *Scheduler) run(ctx context.Context, task Task, outcome Outcome) (Outcome, error) {
	defer s.release(task.ID)

	runCtx := WithExecution(ctx, task.ID, outcome.ExecutionID)
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, task.Timeout)
		defer cancel()
	}

	started := s.now()
	err := invoke(runCtx, task)
	outcome.DurationMs = s.now().Sub(started).Milliseconds()

	if err == nil {
		s.history.RecordEnd(task.ID, outcome.ExecutionID, true, "")
		outcome.Status = RunStatusSuccess
		s.events.OnSuccess(task.Name, outcome.DurationMs)
		return outcome, nil
	}

	msg := err.Error()
	s.history.RecordEnd(task.ID, outcome.ExecutionID, false, msg)
	outcome.Status = RunStatusFailed
	outcome.Error = msg
	s.events.OnFailure(task.Name, msg)
	return outcome, &TaskError{TaskID: task.ID, ExecutionID: outcome.ExecutionID, Err: err}
}

func invoke(ctx context.Context, task Task) (err error) {
	if task.Body == nil {
		return errors.New("task has no body")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Body.Run(ctx)
}

func (s *Scheduler) acquire(taskID, executionID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, busy := s.running[taskID]; busy {
		return false
	}
	s.running[taskID] = executionID
	return true
}

func (s *Scheduler) release(taskID string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	delete(s.running, taskID)
}

// IsRunning reports whether the task currently holds the guard.
func (s *Scheduler) IsRunning(taskID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// RunningExecutions lists in-flight executions ordered by task id.
func (s *Scheduler) RunningExecutions() []RunningExecution {
	s.runMu.Lock()
	out := make([]RunningExecution, 0, len(s.running))
	for taskID, execID := range s.running {
		out = append(out, RunningExecution{TaskID: taskID, ExecutionID: execID})
	}
	s.runMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Status returns the scheduled and running task ids.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	scheduled := make([]string, 0, len(s.triggers))
	for id := range s.triggers {
		scheduled = append(scheduled, id)
	}
	s.mu.Unlock()
	sort.Strings(scheduled)

	running := s.RunningExecutions()
	runningIDs := make([]string, 0, len(running))
	for _, r := range running {
		runningIDs = append(runningIDs, r.TaskID)
	}
	return Status{
		ScheduledCount: len(scheduled),
		RunningCount:   len(runningIDs),
		ScheduledIDs:   scheduled,
		RunningIDs:     runningIDs,
	}
}

// NextRun returns the next fire time of a scheduled task.
func (s *Scheduler) NextRun(taskID string) (time.Time, bool) {
	s.mu.Lock()
	t, ok := s.triggers[taskID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := t.schedule.Next(s.now().In(s.location))
	return next, !next.IsZero()
}

// Location is the timezone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.location
}

// Drain waits for in-flight executions to finish or ctx to expire.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execContext keeps the values of the context passed to Start but never
// cancels: Stop only prevents future fires.
func (s *Scheduler) execContext() context.Context {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		return context.Background()
	}
	return context.WithoutCancel(base)
}
