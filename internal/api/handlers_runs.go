package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"autorun/internal/store"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	exec, err := s.svc.Execution(executionID)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
		} else {
			s.logger.Error("get execution", "execution_id", executionID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load execution")
		}
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Running())
}

// handleRunLog serves the captured output of a command execution. With
// follow=1 it streams new output until the execution ends.
func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	exec, err := s.svc.Execution(executionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := isTruthy(r.URL.Query().Get("follow"))

	logPath := s.svc.RunLogPath(exec)
	if logPath == "" {
		writeError(w, http.StatusNotFound, "not_found", "log not found")
		return
	}
	file, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Error("open log", "execution_id", executionID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	data, err := readTailLines(file, tail)
	if err != nil {
		s.logger.Error("read log", "execution_id", executionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !follow || !canFlush {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if len(data) > 0 {
		_, _ = w.Write(data)
		if data[len(data)-1] != '\n' {
			_, _ = w.Write([]byte("\n"))
		}
	}
	flusher.Flush()

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if !exec.Finished() {
				if refreshed, err := s.svc.Execution(executionID); err == nil {
					exec = refreshed
				}
			}
			if exec.Finished() && pos == offset {
				return
			}
		}
	}
}

func readTailLines(file *os.File, tail int) ([]byte, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

