package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// ScriptBody runs the execute export of a JavaScript unit. Every run gets a
// fresh runtime, so no state leaks between executions.
type ScriptBody struct {
	Path   string
	Source string
	Logger *slog.Logger
}

// Run evaluates the unit and calls its execute function. A thrown error or a
// rejected promise is a failure carrying the error's message.
func (b *ScriptBody) Run(ctx context.Context) error {
	vm, exports, err := LoadScript(ctx, b.Path, b.Source, b.Logger)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(exports.Get("execute"))
	if !ok {
		return errors.New("execute is not a function")
	}

	timers, err := installTimers(vm)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	result, err := fn(goja.Undefined())
	if err != nil {
		return scriptError(err)
	}
	if p, ok := result.Export().(*goja.Promise); ok {
		if err := timers.drain(ctx, p); err != nil {
			return err
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return resultError(p.Result())
		case goja.PromiseStateRejected:
			return errors.New(valueMessage(p.Result()))
		default:
			return errors.New("execute returned a promise that did not settle")
		}
	}
	return resultError(result)
}

// LoadScript evaluates a CommonJS-style unit in a new runtime and returns the
// runtime together with module.exports.
func LoadScript(ctx context.Context, path, source string, logger *slog.Logger) (*goja.Runtime, *goja.Object, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, nil, fmt.Errorf("set module.exports: %w", err)
	}
	if err := vm.Set("module", module); err != nil {
		return nil, nil, fmt.Errorf("set module: %w", err)
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, nil, fmt.Errorf("set exports: %w", err)
	}
	if err := installHost(ctx, vm, path, logger); err != nil {
		return nil, nil, err
	}

	if _, err := vm.RunScript(path, source); err != nil {
		return nil, nil, fmt.Errorf("evaluate %s: %w", path, scriptError(err))
	}
	value := module.Get("exports")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil, fmt.Errorf("%s: module.exports is empty", path)
	}
	obj, ok := value.(*goja.Object)
	if !ok {
		return nil, nil, fmt.Errorf("%s: module.exports is not an object", path)
	}
	return vm, obj, nil
}

type jsTimer struct {
	id   int64
	due  time.Time
	fn   goja.Callable
	args []goja.Value
}

// timerQueue backs setTimeout. Callbacks run on the calling goroutine while
// an async execute is pending.
type timerQueue struct {
	seq     int64
	pending []*jsTimer
}

func installTimers(vm *goja.Runtime) (*timerQueue, error) {
	q := &timerQueue{}
	err := vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		q.seq++
		q.pending = append(q.pending, &jsTimer{id: q.seq, due: time.Now().Add(delay), fn: fn, args: args})
		return vm.ToValue(q.seq)
	})
	if err != nil {
		return nil, fmt.Errorf("set setTimeout: %w", err)
	}
	err = vm.Set("clearTimeout", func(id int64) {
		for i, t := range q.pending {
			if t.id == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				return
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("set clearTimeout: %w", err)
	}
	return q, nil
}

// next removes and returns the earliest timer, or nil when none is pending.
func (q *timerQueue) next() *jsTimer {
	if len(q.pending) == 0 {
		return nil
	}
	best := 0
	for i, t := range q.pending[1:] {
		if t.due.Before(q.pending[best].due) {
			best = i + 1
		}
	}
	t := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	return t
}

// drain fires timers in due order until p settles or no timer is left.
func (q *timerQueue) drain(ctx context.Context, p *goja.Promise) error {
	for p.State() == goja.PromiseStatePending {
		t := q.next()
		if t == nil {
			return nil
		}
		if wait := time.Until(t.due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return interruptError(ctx.Err())
			case <-timer.C:
			}
		}
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return scriptError(err)
		}
	}
	return nil
}

type execResult struct {
	Code   int    `json:"code"`
	Output string `json:"output"`
}

func installHost(ctx context.Context, vm *goja.Runtime, path string, logger *slog.Logger) error {
	console := vm.NewObject()
	logAt := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			logger.Log(ctx, level, "script output", "script", path, "msg", strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	for name, level := range map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		if err := console.Set(name, logAt(level)); err != nil {
			return fmt.Errorf("set console.%s: %w", name, err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("set console: %w", err)
	}

	err := vm.Set("sleep", func(ms int64) {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	})
	if err != nil {
		return fmt.Errorf("set sleep: %w", err)
	}
	if err := vm.Set("env", os.Getenv); err != nil {
		return fmt.Errorf("set env: %w", err)
	}
	err = vm.Set("exec", func(command string) execResult {
		var out bytes.Buffer
		cmd := commandForTask(ctx, command)
		cmd.Stdout = &out
		cmd.Stderr = &out
		res := execResult{}
		if err := cmd.Run(); err != nil {
			res.Code = -1
			if cmd.ProcessState != nil {
				res.Code = cmd.ProcessState.ExitCode()
			}
			if out.Len() == 0 {
				out.WriteString(err.Error())
			}
		}
		res.Output = out.String()
		return res
	})
	if err != nil {
		return fmt.Errorf("set exec: %w", err)
	}
	return nil
}

func scriptError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return errors.New(valueMessage(exc.Value()))
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return interruptError(interrupted.Value())
	}
	return err
}

func interruptError(cause any) error {
	if err, ok := cause.(error); ok && errors.Is(err, context.DeadlineExceeded) {
		return errors.New("script timed out")
	}
	return fmt.Errorf("script interrupted: %v", cause)
}

// resultError turns a settled value into a failure when it has the shape
// { success: false, error: "..." }.
func resultError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	success := obj.Get("success")
	if success == nil || goja.IsUndefined(success) || success.ToBoolean() {
		return nil
	}
	if msg := obj.Get("error"); msg != nil && !goja.IsUndefined(msg) && !goja.IsNull(msg) {
		return errors.New(valueMessage(msg))
	}
	return errors.New("execute reported failure")
}

func valueMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}
