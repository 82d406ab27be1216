package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autorun/internal/core"
	"autorun/internal/registry"
	"autorun/internal/service"
	"autorun/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestServer(t *testing.T, defs ...registry.StaticDef) *MCPServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.NewStaticSource(defs...), logger)
	if _, err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	hist := store.Open(context.Background(), store.NewFileBackend(filepath.Join(t.TempDir(), "history.json")), logger)
	sched := core.NewScheduler(reg, hist, nil, logger, time.UTC)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Drain(ctx)
	})
	svc := service.New(reg, sched, hist, logger, service.Options{})
	return NewMCPServer(svc, logger, "test")
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func noop(context.Context) error { return nil }

func TestRunTaskTool(t *testing.T) {
	s := newTestServer(t,
		registry.StaticDef{ID: "ok", Name: "OK", Body: noop},
		registry.StaticDef{ID: "bad", Name: "Bad", Body: func(context.Context) error { return errors.New("disk full") }},
	)
	ctx := context.Background()

	res, err := s.handleRunTask(ctx, callRequest("run_task", map[string]any{"task_id": "ok", "wait": true}))
	if err != nil || res.IsError {
		t.Fatalf("run ok: %v %+v", err, res)
	}
	if text := resultText(t, res); !strings.Contains(text, "Task ok succeeded") {
		t.Fatalf("text = %q", text)
	}

	res, _ = s.handleRunTask(ctx, callRequest("run_task", map[string]any{"task_id": "bad", "wait": true}))
	if !res.IsError || !strings.Contains(resultText(t, res), "Error: disk full") {
		t.Fatalf("run bad: %+v", res)
	}

	res, _ = s.handleRunTask(ctx, callRequest("run_task", map[string]any{"task_id": "missing"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "Task not found") {
		t.Fatalf("run missing: %+v", res)
	}

	res, _ = s.handleListRuns(ctx, callRequest("list_runs", map[string]any{"task_id": "bad", "limit": float64(5)}))
	if text := resultText(t, res); !strings.Contains(text, "Found 1 executions") || !strings.Contains(text, "disk full") {
		t.Fatalf("list_runs = %q", text)
	}

	res, _ = s.handleTaskStats(ctx, callRequest("task_stats", map[string]any{"task_id": "ok"}))
	if text := resultText(t, res); !strings.Contains(text, "Success rate: 100.0%") {
		t.Fatalf("task_stats = %q", text)
	}
}

func TestListTasksTool(t *testing.T) {
	s := newTestServer(t,
		registry.StaticDef{ID: "nightly", Name: "Nightly", Schedule: "0 2 * * *", Body: noop},
		registry.StaticDef{ID: "manual", Name: "Manual", Body: noop},
	)

	res, _ := s.handleListTasks(context.Background(), callRequest("list_tasks", map[string]any{"scheduled_only": true}))
	text := resultText(t, res)
	if !strings.Contains(text, "Found 1 tasks") || !strings.Contains(text, "nightly") || strings.Contains(text, "manual") {
		t.Fatalf("list_tasks = %q", text)
	}
	if !strings.Contains(text, "Last run: Never") {
		t.Fatalf("list_tasks = %q", text)
	}
}

func TestCronPreviewTool(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.handleCronPreview(context.Background(), callRequest("cron_preview", map[string]any{"cron": "*/10 * * * *", "count": float64(3)}))
	text := resultText(t, res)
	if res.IsError || strings.Count(text, "\n  ") != 3 {
		t.Fatalf("cron_preview = %q", text)
	}

	res, _ = s.handleCronPreview(context.Background(), callRequest("cron_preview", map[string]any{"cron": "@daily"}))
	if !res.IsError {
		t.Fatal("expected an error result for @daily")
	}
}
