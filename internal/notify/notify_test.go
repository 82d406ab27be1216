package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	title string
	body  string
}

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []sent
	entered chan struct{}
	release chan struct{}
	err     error
}

func (r *recordingNotifier) Send(ctx context.Context, title, body string) error {
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{title: title, body: body})
	return r.err
}

func (r *recordingNotifier) messages() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func stopDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)
}

func TestDispatcherPolicy(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, Policy{OnFailure: true}, discardLogger(), 100, 16)
	d.Start(context.Background())

	d.OnSuccess("Backup", 1200)
	d.OnScheduled("Backup", "0 3 * * *")
	d.OnInfo("started", "hello")
	d.OnFailure("Backup", "disk full")
	d.OnWarning("history", "write failed")
	stopDispatcher(t, d)

	got := rec.messages()
	want := []sent{
		{"Task failed: Backup", "disk full"},
		{"Warning: history", "write failed"},
	}
	if len(got) != len(want) {
		t.Fatalf("sent %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDispatcherMessageFormats(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, Policy{OnSuccess: true, OnScheduled: true, OnInfo: true}, discardLogger(), 100, 16)
	d.Start(context.Background())
	d.OnSuccess("Backup", 1500)
	d.OnScheduled("Backup", "*/5 * * * *")
	d.OnInfo("autorun started", "3 tasks")
	stopDispatcher(t, d)

	got := rec.messages()
	want := []sent{
		{"Task succeeded: Backup", "Completed in 1.5s"},
		{"Task scheduled: Backup", "Schedule: */5 * * * *"},
		{"autorun started", "3 tasks"},
	}
	if len(got) != len(want) {
		t.Fatalf("sent %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	rec := &recordingNotifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := NewDispatcher(rec, Policy{OnFailure: true}, discardLogger(), 100, 1)
	d.Start(context.Background())

	d.OnFailure("a", "1")
	select {
	case <-rec.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first message")
	}
	d.OnFailure("b", "2") // queued
	d.OnFailure("c", "3") // dropped

	close(rec.release)
	stopDispatcher(t, d)

	got := rec.messages()
	if len(got) != 2 || got[0].title != "Task failed: a" || got[1].title != "Task failed: b" {
		t.Fatalf("sent %+v", got)
	}
}

func TestDispatcherIgnoresEventsWhenStopped(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, Policy{OnFailure: true}, discardLogger(), 0, 0)

	d.OnFailure("early", "x")
	d.Start(context.Background())
	d.Start(context.Background())
	stopDispatcher(t, d)
	stopDispatcher(t, d)
	d.OnFailure("late", "x")

	if got := rec.messages(); len(got) != 0 {
		t.Fatalf("sent %+v", got)
	}
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	errA := errors.New("a down")
	errB := errors.New("b down")
	multi := NewMultiNotifier(&recordingNotifier{err: errA}, ok, &recordingNotifier{err: errB})

	err := multi.Send(context.Background(), "t", "b")
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("err = %v", err)
	}
	if len(ok.messages()) != 1 {
		t.Fatal("a failing notifier must not stop the others")
	}
	if multi.Len() != 3 {
		t.Fatalf("Len = %d", multi.Len())
	}
}

func TestBarkNotifier(t *testing.T) {
	var (
		gotMethod string
		gotTitle  string
		gotBody   string
		gotGroup  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		q := r.URL.Query()
		gotTitle, gotBody, gotGroup = q.Get("title"), q.Get("body"), q.Get("group")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bark, err := NewBarkNotifier(" " + srv.URL + "/device-key/ ")
	if err != nil {
		t.Fatalf("NewBarkNotifier: %v", err)
	}
	if err := bark.Send(context.Background(), "Task failed: Backup", "disk full & more"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotMethod != http.MethodPost || gotTitle != "Task failed: Backup" || gotBody != "disk full & more" || gotGroup != "autorun" {
		t.Fatalf("unexpected request: %s %q %q %q", gotMethod, gotTitle, gotBody, gotGroup)
	}
}

func TestBarkNotifierErrors(t *testing.T) {
	if _, err := NewBarkNotifier("  "); err == nil {
		t.Fatal("expected error for empty url")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	bark, err := NewBarkNotifier(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := bark.Send(context.Background(), "t", "b"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
