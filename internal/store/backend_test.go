package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autorun/internal/core"
)

func sampleDocument() *Document {
	start := time.Date(2024, 6, 1, 10, 0, 0, 123000000, time.UTC)
	end := start.Add(2 * time.Second)
	duration := int64(2000)
	doc := NewDocument()
	doc.Functions["backup"] = &TaskHistory{
		Name: "Backup",
		Executions: []core.Execution{
			{ID: "e1", TaskID: "backup", StartTime: start, EndTime: &end, Status: core.RunStatusFailed, Error: "disk full", Duration: &duration},
			{ID: "e2", TaskID: "backup", StartTime: end, Status: core.RunStatusRunning},
		},
	}
	doc.Functions["empty"] = &TaskHistory{Name: "Empty"}
	return doc
}

func assertSampleDocument(t *testing.T, doc *Document) {
	t.Helper()
	if len(doc.Functions) != 2 {
		t.Fatalf("functions = %d", len(doc.Functions))
	}
	th := doc.Functions["backup"]
	if th == nil || th.Name != "Backup" || len(th.Executions) != 2 {
		t.Fatalf("unexpected backup history: %+v", th)
	}
	first, second := th.Executions[0], th.Executions[1]
	want := time.Date(2024, 6, 1, 10, 0, 0, 123000000, time.UTC)
	if first.ID != "e1" || !first.StartTime.Equal(want) || first.Error != "disk full" {
		t.Fatalf("first = %+v", first)
	}
	if first.EndTime == nil || !first.EndTime.Equal(want.Add(2*time.Second)) {
		t.Fatalf("first end = %v", first.EndTime)
	}
	if first.Duration == nil || *first.Duration != 2000 {
		t.Fatalf("first duration = %v", first.Duration)
	}
	if second.Status != core.RunStatusRunning || second.EndTime != nil || second.Duration != nil {
		t.Fatalf("second = %+v", second)
	}
	if doc.Functions["empty"] == nil {
		t.Fatal("task with no executions must survive a round trip")
	}
}

func TestFileBackendReloadsSavedDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	backend := NewFileBackend(path)

	doc, err := backend.Load(ctx)
	if err != nil || len(doc.Functions) != 0 {
		t.Fatalf("missing file should load empty: %+v %v", doc, err)
	}
	if err := backend.Save(ctx, sampleDocument()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	doc, err = backend.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSampleDocument(t, doc)

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".history.json.*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestFileBackendToleratesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	content := `{
  "version": 3,
  "functions": {
    "t": {
      "name": "T",
      "color": "blue",
      "executions": [
        {"executionId": "x", "taskId": "t", "startTime": "2024-06-01T10:00:00Z", "endTime": null, "status": "running", "duration": null, "host": "a"}
      ]
    },
    "gone": null
  }
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := NewFileBackend(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Functions) != 1 || len(doc.Functions["t"].Executions) != 1 {
		t.Fatalf("unexpected document: %+v", doc.Functions)
	}
}

func TestFileBackendEmptyAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if doc, err := NewFileBackend(empty).Load(context.Background()); err != nil || len(doc.Functions) != 0 {
		t.Fatalf("empty file: %+v %v", doc, err)
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileBackend(corrupt).Load(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
	// History falls back to an empty store.
	h := Open(context.Background(), NewFileBackend(corrupt), discardLogger())
	if ids := h.TaskIDs(); len(ids) != 0 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestSQLiteBackendReloadsSavedDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	backend, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	if err := backend.Save(ctx, sampleDocument()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// A second save replaces rather than appends.
	if err := backend.Save(ctx, sampleDocument()); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	doc, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSampleDocument(t, doc)
}

func TestHistoryOverSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	backend, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	h := Open(ctx, backend, discardLogger())
	id := h.RecordStart("t", "T")
	h.RecordEnd("t", id, true, "")
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	backend, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	h = Open(ctx, backend, discardLogger())
	defer h.Close()
	last, ok := h.LastExecution("t")
	if !ok || last.ID != id || last.Status != core.RunStatusSuccess {
		t.Fatalf("unexpected last execution: %+v", last)
	}
}

func TestPruneRunLogs(t *testing.T) {
	logDir := t.TempDir()
	oldLog := filepath.Join(logDir, "jobs", "old", "e1.log")
	newLog := filepath.Join(logDir, "fresh", "e2.log")
	for _, p := range []string{oldLog, newLog} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("output"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldLog, past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := PruneRunLogs(logDir, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneRunLogs: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
	if _, err := os.Stat(filepath.Join(logDir, "jobs")); !os.IsNotExist(err) {
		t.Fatal("empty task directories should be removed")
	}
	if _, err := os.Stat(newLog); err != nil {
		t.Fatalf("recent log removed: %v", err)
	}

	if n, err := PruneRunLogs(filepath.Join(logDir, "missing"), time.Now()); err != nil || n != 0 {
		t.Fatalf("missing dir: %d %v", n, err)
	}
}
