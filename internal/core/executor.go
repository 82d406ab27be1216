package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

type executionKey struct{}

type executionInfo struct {
	taskID      string
	executionID string
}

// WithExecution annotates ctx with the ids of the execution a body runs under.
func WithExecution(ctx context.Context, taskID, executionID string) context.Context {
	return context.WithValue(ctx, executionKey{}, executionInfo{taskID: taskID, executionID: executionID})
}

// ExecutionFromContext returns the ids stored by WithExecution.
func ExecutionFromContext(ctx context.Context) (taskID, executionID string, ok bool) {
	info, ok := ctx.Value(executionKey{}).(executionInfo)
	return info.taskID, info.executionID, ok
}

// CommandBody runs a shell command as a task body.
type CommandBody struct {
	Command string
	WorkDir string
	Env     map[string]string
	// LogDir, when set, receives one combined output file per execution.
	LogDir string
}

// RunLogPath returns the combined log path for an execution.
func RunLogPath(logDir, taskID, executionID string) string {
	return filepath.Join(logDir, filepath.FromSlash(taskID), executionID+".log")
}

// runLogDirReady runs between creating the log directory and opening the
// log file. Tests replace it.
var runLogDirReady = func(string) {}

// openRunLog creates the run log, recreating its directory once if a
// concurrent prune removed it in between.
func openRunLog(logPath string) (*os.File, error) {
	dir := filepath.Dir(logPath)
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure run log dir: %w", err)
		}
		runLogDirReady(dir)
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err == nil {
			return f, nil
		}
		if attempt > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open log file: %w", err)
		}
	}
}

// Run executes the command and fails on a non-zero exit, reporting the last
// line of output alongside the exit status.
func (b *CommandBody) Run(ctx context.Context) error {
	tail := &tailBuffer{max: 4096}
	var out io.Writer = tail

	if b.LogDir != "" {
		if taskID, execID, ok := ExecutionFromContext(ctx); ok {
			logFile, err := openRunLog(RunLogPath(b.LogDir, taskID, execID))
			if err != nil {
				return err
			}
			defer logFile.Close()
			out = io.MultiWriter(tail, logFile)
		}
	}
	runLogWriter := &syncWriter{w: out}

	cmd := commandForTask(ctx, b.Command)
	cmd.Stdout = runLogWriter
	cmd.Stderr = runLogWriter
	if b.WorkDir != "" {
		cmd.Dir = b.WorkDir
	}
	if len(b.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range b.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Cancel = func() error {
		return sendTermination(cmd.Process)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return errors.New("command timed out")
		}
		return fmt.Errorf("command canceled: %w", ctxErr)
	}
	if last := tail.lastLine(); last != "" {
		return fmt.Errorf("%v: %s", waitErr, last)
	}
	return waitErr
}

func commandForTask(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) lastLine() string {
	trimmed := bytes.TrimRight(t.buf, "\r\n\t ")
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return strings.TrimSpace(string(trimmed))
}

func sendTermination(process *os.Process) error {
	if process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}
