package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"autorun/internal/core"
	"autorun/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the task service as MCP tools.
type MCPServer struct {
	svc    *service.Service
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates the MCP server and registers its tools.
func NewMCPServer(svc *service.Service, logger *slog.Logger, version string) *MCPServer {
	s := &MCPServer{
		svc:    svc,
		logger: logger,
		server: server.NewMCPServer(
			"autorun",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio serves the protocol on stdin/stdout until ctx is done or the
// client closes the stream.
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("MCP server starting on stdio")
	return server.NewStdioServer(s.server).Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the streamable HTTP transport.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List the registered tasks with their schedule, next run and last run"),
		mcp.WithBoolean("scheduled_only",
			mcp.Description("Only list tasks that are auto-triggered by a schedule"),
		),
	), s.handleListTasks)

	s.server.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Show the details of one task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleGetTask)

	s.server.AddTool(mcp.NewTool("run_task",
		mcp.WithDescription("Run a task now. Rejected when the task is already running"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the task to finish and report its result"),
		),
	), s.handleRunTask)

	s.server.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("Show the most recent executions of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of executions to return, default 10"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	s.server.AddTool(mcp.NewTool("get_run_log",
		mcp.WithDescription("Read the captured output of a command execution"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution id"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Only return the last N lines"),
			mcp.Min(0),
		),
	), s.handleGetRunLog)

	s.server.AddTool(mcp.NewTool("task_stats",
		mcp.WithDescription("Aggregate execution statistics of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleTaskStats)

	s.server.AddTool(mcp.NewTool("scheduler_status",
		mcp.WithDescription("Show scheduled and running tasks"),
	), s.handleStatus)

	s.server.AddTool(mcp.NewTool("reload_tasks",
		mcp.WithDescription("Rediscover tasks from the functions directory and rebuild the schedule"),
	), s.handleReload)

	s.server.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a 5-field cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for 9am on weekdays"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(20),
		),
	), s.handleCronPreview)

	s.server.AddTool(mcp.NewTool("prune_history",
		mcp.WithDescription("Delete execution records older than the given number of days"),
		mcp.WithNumber("max_age_days",
			mcp.Description("Maximum age in days, default is the configured retention"),
			mcp.Min(1),
		),
	), s.handlePrune)

	s.logger.Debug("MCP tools registered", "count", 10)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduledOnly := mcp.ParseBoolean(request, "scheduled_only", false)
	tasks := s.svc.Tasks()

	var b strings.Builder
	count := 0
	for _, t := range tasks {
		if scheduledOnly && !t.Scheduled {
			continue
		}
		count++
		fmt.Fprintf(&b, "%s %s (%s)\n", runningIcon(t.Running), t.ID, t.Name)
		if t.Schedule != "" {
			fmt.Fprintf(&b, "  Schedule: %s\n", t.Schedule)
		}
		if t.ScheduleError != "" {
			fmt.Fprintf(&b, "  Schedule error: %s\n", t.ScheduleError)
		}
		if t.NextRun != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(t.NextRun))
		}
		fmt.Fprintf(&b, "  Last run: %s\n\n", t.LastRunText)
	}
	if count == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Found %d tasks:\n\n%s", count, b.String())), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	t, err := s.svc.Task(taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", taskID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", t.ID)
	fmt.Fprintf(&b, "Name: %s\n", t.Name)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	if t.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", t.Source)
	}
	if t.Schedule != "" {
		fmt.Fprintf(&b, "Schedule: %s\n", t.Schedule)
	} else {
		b.WriteString("Schedule: manual only\n")
	}
	if t.ScheduleError != "" {
		fmt.Fprintf(&b, "Schedule error: %s\n", t.ScheduleError)
	}
	if t.TimeoutMs > 0 {
		fmt.Fprintf(&b, "Timeout: %s\n", time.Duration(t.TimeoutMs)*time.Millisecond)
	}
	fmt.Fprintf(&b, "Running: %t\n", t.Running)
	if t.NextRun != nil {
		fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(t.NextRun))
	}
	fmt.Fprintf(&b, "Last run: %s\n", t.LastRunText)
	if t.LastRun != nil {
		fmt.Fprintf(&b, "Last status: %s\n", t.LastRun.Status)
		if t.LastRun.Error != "" {
			fmt.Fprintf(&b, "Last error: %s\n", t.LastRun.Error)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	wait := mcp.ParseBoolean(request, "wait", false)

	outcome, err := s.svc.Run(context.WithoutCancel(ctx), taskID, wait)
	var taskErr *core.TaskError
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", taskID)), nil
	case errors.Is(err, core.ErrAlreadyRunning):
		return mcp.NewToolResultError(fmt.Sprintf("Task %s is already running", taskID)), nil
	case errors.As(err, &taskErr):
		return mcp.NewToolResultError(fmt.Sprintf("Task %s failed after %d ms\nExecution ID: %s\nError: %s",
			taskID, outcome.DurationMs, outcome.ExecutionID, outcome.Error)), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run task: %v", err)), nil
	case wait:
		return mcp.NewToolResultText(fmt.Sprintf("Task %s succeeded in %d ms\nExecution ID: %s",
			taskID, outcome.DurationMs, outcome.ExecutionID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started\nTask ID: %s\nExecution ID: %s", taskID, outcome.ExecutionID)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 10))

	runs, err := s.svc.Runs(taskID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", taskID)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No executions recorded for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d executions:\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] %s\n", statusToIcon(r.Status), r.ID)
		fmt.Fprintf(&b, "    Status: %s\n", r.Status)
		fmt.Fprintf(&b, "    Started: %s\n", s.formatTime(&r.StartTime))
		if r.EndTime != nil {
			fmt.Fprintf(&b, "    Ended: %s\n", s.formatTime(r.EndTime))
		}
		if r.Duration != nil {
			fmt.Fprintf(&b, "    Duration: %d ms\n", *r.Duration)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "    Error: %s\n", r.Error)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := mcp.ParseString(request, "execution_id", "")
	exec, err := s.svc.Execution(executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Execution not found: %s", executionID)), nil
	}
	path := s.svc.RunLogPath(exec)
	if path == "" {
		return mcp.NewToolResultError("No log recorded for this execution"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read log: %v", err)), nil
	}
	content := string(data)
	if tail := int(mcp.ParseFloat64(request, "tail", 0)); tail > 0 {
		lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		if len(lines) > tail {
			lines = lines[len(lines)-tail:]
		}
		content = strings.Join(lines, "\n")
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleTaskStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	stats, err := s.svc.Stats(taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", taskID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Total executions: %d\nSuccessful: %d\nFailed: %d\nAverage duration: %.0f ms\nSuccess rate: %.1f%%\n",
		stats.TotalExecutions, stats.SuccessfulExecutions, stats.FailedExecutions,
		stats.AverageDurationMs, stats.SuccessRate,
	)), nil
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.svc.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks: %d (%d rejected units)\n", st.TaskCount, st.RejectionCount)
	fmt.Fprintf(&b, "Timezone: %s\n", st.Timezone)
	fmt.Fprintf(&b, "Scheduled: %d\n", st.ScheduledCount)
	for _, id := range st.ScheduledIDs {
		fmt.Fprintf(&b, "  - %s\n", id)
	}
	fmt.Fprintf(&b, "Running: %d\n", st.RunningCount)
	for _, id := range st.RunningIDs {
		fmt.Fprintf(&b, "  - %s\n", id)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleReload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.svc.Reload(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reload failed: %v", err)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Loaded %d tasks, %d scheduled\n", res.Tasks, res.Scheduled)
	for _, rej := range res.Rejections {
		fmt.Fprintf(&b, "Rejected %s: %s\n", rej.Source, rej.Reason)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))

	loc := s.svc.Location()
	nextTimes, err := service.CronPreview(cronExpr, time.Now(), loc, count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid cron expression: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Timezone: %s\n\n", loc)
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handlePrune(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := int(mcp.ParseFloat64(request, "max_age_days", 0))
	res := s.svc.Prune(days)
	return mcp.NewToolResultText(fmt.Sprintf("Removed %d executions and %d log files older than %d days",
		res.Removed, res.LogsRemoved, res.MaxAgeDays)), nil
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.svc.Location()).Format("2006-01-02 15:04:05")
}

func runningIcon(running bool) string {
	if running {
		return "▶️"
	}
	return "⏸️"
}

func statusToIcon(status core.RunStatus) string {
	switch status {
	case core.RunStatusSuccess:
		return "✅"
	case core.RunStatusFailed:
		return "❌"
	case core.RunStatusInterrupted:
		return "⚠️"
	case core.RunStatusRunning:
		return "▶️"
	default:
		return "❓"
	}
}
