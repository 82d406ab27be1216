package notify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"autorun/internal/core"

	"golang.org/x/time/rate"
)

const (
	defaultQueueSize  = 256
	defaultRatePerSec = 3
	sendTimeout       = 15 * time.Second
)

// Policy selects which events are delivered. Warnings are always delivered.
type Policy struct {
	OnSuccess   bool
	OnFailure   bool
	OnScheduled bool
	OnInfo      bool
}

type message struct {
	title string
	body  string
}

// Dispatcher turns scheduler events into notifications. Events are queued
// without blocking the caller; when the queue is full they are dropped.
// A single worker drains the queue under a token-bucket limit.
type Dispatcher struct {
	notifier Notifier
	policy   Policy
	logger   *slog.Logger
	limiter  *rate.Limiter
	size     int

	mu        sync.Mutex
	queue     chan message
	accepting bool
	done      chan struct{}
	cancel    context.CancelFunc
}

var _ core.EventSink = (*Dispatcher)(nil)

// NewDispatcher creates a stopped dispatcher. ratePerSec and queueSize fall
// back to defaults when non-positive.
func NewDispatcher(notifier Notifier, policy Policy, logger *slog.Logger, ratePerSec, queueSize int) *Dispatcher {
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		notifier: notifier,
		policy:   policy,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		size:     queueSize,
	}
}

// Start launches the worker. Calling Start twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.queue = make(chan message, d.size)
	d.done = make(chan struct{})
	d.cancel = cancel
	d.accepting = true
	go d.worker(runCtx, d.queue, d.done)
}

// Stop refuses new events and drains the queue until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.queue == nil {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	close(d.queue)
	done, cancel := d.done, d.cancel
	d.queue = nil
	d.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("notification queue not drained before shutdown")
	}
	cancel()
	<-done
}

func (d *Dispatcher) worker(ctx context.Context, queue <-chan message, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in notification worker", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	for msg := range queue {
		if ctx.Err() != nil {
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := d.notifier.Send(sendCtx, msg.title, msg.body)
		cancel()
		if err != nil {
			d.logger.Warn("notification failed", "title", msg.title, "err", err)
		}
	}
}

func (d *Dispatcher) enqueue(title, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.accepting {
		d.logger.Debug("notification dropped; dispatcher not running", "title", title)
		return
	}
	select {
	case d.queue <- message{title: title, body: body}:
	default:
		d.logger.Warn("notification queue full; dropped", "title", title)
	}
}

func (d *Dispatcher) OnSuccess(name string, durationMs int64) {
	if !d.policy.OnSuccess {
		return
	}
	d.enqueue("Task succeeded: "+name, "Completed in "+(time.Duration(durationMs)*time.Millisecond).String())
}

func (d *Dispatcher) OnFailure(name, errMsg string) {
	if !d.policy.OnFailure {
		return
	}
	d.enqueue("Task failed: "+name, errMsg)
}

func (d *Dispatcher) OnScheduled(name, expr string) {
	if !d.policy.OnScheduled {
		return
	}
	d.enqueue("Task scheduled: "+name, fmt.Sprintf("Schedule: %s", expr))
}

func (d *Dispatcher) OnInfo(title, msg string) {
	if !d.policy.OnInfo {
		return
	}
	d.enqueue(title, msg)
}

func (d *Dispatcher) OnWarning(title, msg string) {
	d.enqueue("Warning: "+title, msg)
}
