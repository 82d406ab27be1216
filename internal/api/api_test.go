package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autorun/internal/core"
	"autorun/internal/registry"
	"autorun/internal/service"
	"autorun/internal/store"
)

type testEnv struct {
	handler http.Handler
	sched   *core.Scheduler
}

func newTestEnv(t *testing.T, token string, defs ...registry.StaticDef) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	reg := registry.New(registry.NewStaticSource(defs...), logger)
	if _, err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	hist := store.Open(context.Background(), store.NewFileBackend(filepath.Join(dir, "history.json")), logger)
	sched := core.NewScheduler(reg, hist, nil, logger, time.UTC)
	svc := service.New(reg, sched, hist, logger, service.Options{LogDir: filepath.Join(dir, "logs")})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Drain(ctx)
	})
	srv := NewServer("127.0.0.1:0", token, svc, nil, logger)
	return &testEnv{handler: srv.Handler(), sched: sched}
}

func (e *testEnv) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func noop(context.Context) error { return nil }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "secret")
	rec := env.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, "secret", registry.StaticDef{ID: "a", Name: "A", Body: noop})

	if rec := env.do(http.MethodGet, "/v1/tasks", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/v1/tasks", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/v1/tasks", "", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer token: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/v1/tasks?token=secret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
}

func TestListAndGetTasks(t *testing.T) {
	env := newTestEnv(t, "",
		registry.StaticDef{ID: "reports/weekly", Name: "Weekly", Schedule: "0 9 * * 1", Body: noop},
		registry.StaticDef{ID: "manual", Name: "Manual", Body: noop},
	)

	rec := env.do(http.MethodGet, "/v1/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if views := decode[[]service.TaskView](t, rec); len(views) != 2 {
		t.Fatalf("views = %+v", views)
	}

	rec = env.do(http.MethodGet, "/v1/tasks?scheduled=1", "")
	views := decode[[]service.TaskView](t, rec)
	if len(views) != 1 || views[0].ID != "reports/weekly" {
		t.Fatalf("scheduled views = %+v", views)
	}

	rec = env.do(http.MethodGet, "/v1/tasks/reports%2Fweekly", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get escaped id: %d %s", rec.Code, rec.Body.String())
	}
	if view := decode[service.TaskView](t, rec); view.Name != "Weekly" || view.NextRun == nil {
		t.Fatalf("view = %+v", view)
	}

	if rec := env.do(http.MethodGet, "/v1/tasks/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rec.Code)
	}
}

func TestRunTaskStatusCodes(t *testing.T) {
	env := newTestEnv(t, "",
		registry.StaticDef{ID: "ok", Name: "OK", Body: noop},
		registry.StaticDef{ID: "bad", Name: "Bad", Body: func(context.Context) error { return errors.New("disk full") }},
	)

	rec := env.do(http.MethodPost, "/v1/tasks/ok/run?wait=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("wait run: %d", rec.Code)
	}
	if resp := decode[runTaskResponse](t, rec); resp.Status != core.RunStatusSuccess || resp.ExecutionID == "" {
		t.Fatalf("resp = %+v", resp)
	}

	rec = env.do(http.MethodPost, "/v1/tasks/bad/run?wait=true", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("failing run: %d", rec.Code)
	}
	if resp := decode[runTaskResponse](t, rec); resp.Error != "disk full" {
		t.Fatalf("resp = %+v", resp)
	}

	rec = env.do(http.MethodPost, "/v1/tasks/ok/run", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("async run: %d", rec.Code)
	}

	if rec := env.do(http.MethodPost, "/v1/tasks/missing/run", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rec.Code)
	}
}

func TestRunTaskConflict(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, "", registry.StaticDef{ID: "slow", Name: "Slow", Body: func(context.Context) error {
		<-release
		return nil
	}})
	defer close(release)

	if rec := env.do(http.MethodPost, "/v1/tasks/slow/run", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("first run: %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/v1/tasks/slow/run", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second run: %d", rec.Code)
	}
	if resp := decode[runTaskResponse](t, rec); resp.Error != core.AlreadyRunningReason {
		t.Fatalf("resp = %+v", resp)
	}

	rec = env.do(http.MethodGet, "/v1/runs/running", "")
	if running := decode[[]core.RunningExecution](t, rec); len(running) != 1 || running[0].TaskID != "slow" {
		t.Fatalf("running = %+v", running)
	}
}

func TestRunsAndStats(t *testing.T) {
	env := newTestEnv(t, "", registry.StaticDef{ID: "ok", Name: "OK", Body: noop})
	for i := 0; i < 3; i++ {
		if rec := env.do(http.MethodPost, "/v1/tasks/ok/run?wait=1", ""); rec.Code != http.StatusOK {
			t.Fatalf("run %d: %d", i, rec.Code)
		}
	}

	rec := env.do(http.MethodGet, "/v1/tasks/ok/runs?limit=2", "")
	runs := decode[[]core.Execution](t, rec)
	if len(runs) != 2 {
		t.Fatalf("runs = %+v", runs)
	}
	if rec := env.do(http.MethodGet, "/v1/tasks/ok/runs?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/v1/tasks/missing/runs", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing runs: %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/v1/runs/"+runs[0].ID, "")
	if exec := decode[core.Execution](t, rec); exec.ID != runs[0].ID {
		t.Fatalf("exec = %+v", exec)
	}
	if rec := env.do(http.MethodGet, "/v1/runs/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run: %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/v1/tasks/ok/stats", "")
	if stats := decode[core.Stats](t, rec); stats.TotalExecutions != 3 || stats.SuccessRate != 100 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCronPreviewEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/cron/preview", `{"expr":"0 * * * *","now":"2024-01-01T10:30:00Z","count":2}`)
	resp := decode[cronPreviewResponse](t, rec)
	if !resp.Valid || len(resp.NextTimes) != 2 || resp.NextTimes[0] != "2024-01-01T11:00:00Z" {
		t.Fatalf("resp = %+v", resp)
	}

	rec = env.do(http.MethodPost, "/v1/cron/preview", `{"expr":"bogus"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("invalid expr status: %d", rec.Code)
	}
	if resp := decode[cronPreviewResponse](t, rec); resp.Valid || resp.Message == "" {
		t.Fatalf("resp = %+v", resp)
	}

	if rec := env.do(http.MethodPost, "/v1/cron/preview", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty expr: %d", rec.Code)
	}
}

func TestSystemEndpoints(t *testing.T) {
	env := newTestEnv(t, "", registry.StaticDef{ID: "a", Name: "A", Schedule: "0 * * * *", Body: noop})

	rec := env.do(http.MethodGet, "/v1/status", "")
	if status := decode[service.StatusView](t, rec); status.TaskCount != 1 || status.Timezone != "UTC" {
		t.Fatalf("status = %+v", status)
	}

	rec = env.do(http.MethodPost, "/v1/reload", "")
	if res := decode[service.ReloadResult](t, rec); rec.Code != http.StatusOK || res.Tasks != 1 {
		t.Fatalf("reload = %d %+v", rec.Code, res)
	}

	rec = env.do(http.MethodPost, "/v1/history/prune", `{"maxAgeDays":7}`)
	if res := decode[service.PruneResult](t, rec); res.MaxAgeDays != 7 {
		t.Fatalf("prune = %+v", res)
	}
	if rec := env.do(http.MethodPost, "/v1/history/prune?maxAgeDays=-2", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative prune: %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/v1/rejections", "")
	if rej := decode[[]registry.Rejection](t, rec); len(rej) != 0 {
		t.Fatalf("rejections = %+v", rej)
	}
}
