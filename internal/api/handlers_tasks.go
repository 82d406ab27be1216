package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"autorun/internal/core"

	"github.com/go-chi/chi/v5"
)

type runTaskResponse struct {
	core.Outcome
	Message string `json:"message,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.svc.Tasks()
	if r.URL.Query().Get("scheduled") == "1" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Scheduled {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := taskIDParam(r)
	view, err := s.svc.Task(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := taskIDParam(r)
	wait := isTruthy(r.URL.Query().Get("wait"))

	// A client disconnect must not cancel a body that already started.
	outcome, err := s.svc.Run(context.WithoutCancel(r.Context()), taskID, wait)
	var taskErr *core.TaskError
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, runTaskResponse{Outcome: outcome, Message: "task is already running"})
	case errors.As(err, &taskErr):
		writeJSON(w, http.StatusUnprocessableEntity, runTaskResponse{Outcome: outcome, Message: "task failed"})
	case err != nil:
		s.logger.Error("run task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to run task")
	case wait:
		writeJSON(w, http.StatusOK, runTaskResponse{Outcome: outcome})
	default:
		writeJSON(w, http.StatusAccepted, runTaskResponse{Outcome: outcome, Message: "task started"})
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := taskIDParam(r)
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)
	if limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be positive")
		return
	}
	runs, err := s.svc.Runs(taskID, limit)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	taskID := taskIDParam(r)
	stats, err := s.svc.Stats(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// taskIDParam decodes the id path segment. Ids derived from nested unit paths
// contain slashes, which clients send as %2F.
func taskIDParam(r *http.Request) string {
	raw := chi.URLParam(r, "taskID")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func isTruthy(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
