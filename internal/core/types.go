package core

import (
	"context"
	"time"
)

// Body is the callable part of a task. It is opaque to the scheduler: a nil
// error means success, anything else is a failure whose message is recorded.
type Body interface {
	Run(ctx context.Context) error
}

// BodyFunc adapts a plain function to Body.
type BodyFunc func(ctx context.Context) error

func (f BodyFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Task describes one discovered function.
type Task struct {
	ID          string
	Name        string
	Description string
	// Schedule is a 5-field cron expression. Empty means manual-only.
	Schedule string
	// ScheduleError is set when Schedule is present but does not parse.
	// Such tasks can still be run manually but are never auto-triggered.
	ScheduleError string
	Timeout       time.Duration
	Source        string
	Body          Body
}

// Scheduled reports whether the task carries a schedule expression.
func (t Task) Scheduled() bool {
	return t.Schedule != ""
}

// RunStatus describes the state of an individual execution.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSuccess     RunStatus = "success"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Execution captures a single attempt to run a task.
type Execution struct {
	ID        string     `json:"executionId"`
	TaskID    string     `json:"taskId"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	Status    RunStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
	// Duration is in milliseconds and nil while running.
	Duration *int64 `json:"duration"`
}

// Finished reports whether the execution reached a terminal state.
func (e Execution) Finished() bool {
	return e.Status != RunStatusRunning
}

// Trigger says what caused an execution.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// RunningExecution pairs a running task with its execution id.
type RunningExecution struct {
	TaskID      string `json:"taskId"`
	ExecutionID string `json:"executionId"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	ScheduledCount int      `json:"scheduledCount"`
	RunningCount   int      `json:"runningCount"`
	ScheduledIDs   []string `json:"scheduledIds"`
	RunningIDs     []string `json:"runningIds"`
}

// Stats aggregates the execution history of one task.
type Stats struct {
	TotalExecutions      int     `json:"totalExecutions"`
	SuccessfulExecutions int     `json:"successfulExecutions"`
	FailedExecutions     int     `json:"failedExecutions"`
	AverageDurationMs    float64 `json:"averageDurationMs"`
	SuccessRate          float64 `json:"successRate"`
}
