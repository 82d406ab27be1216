package api

import (
	"net/http"
)

type pruneRequest struct {
	MaxAgeDays int `json:"maxAgeDays"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Reload(r.Context())
	if err != nil {
		s.logger.Error("reload tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Rejections())
}

// handlePrune accepts maxAgeDays as a query parameter or JSON body; zero
// means the configured retention.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("maxAgeDays"), 0)
	if days == 0 && r.ContentLength > 0 {
		var req pruneRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		days = req.MaxAgeDays
	}
	if days < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "maxAgeDays must be positive")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Prune(days))
}
