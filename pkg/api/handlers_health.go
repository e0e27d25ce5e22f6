package api

import (
	"net/http"
	"time"
)

// handleHealth is the general health summary
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"persistence": "ok"}
	status := http.StatusOK

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		checks["persistence"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    statusWord(status),
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

// handleLive only proves the process is serving requests
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady gates traffic on persistence reachability and, for the
// relational backend, schema currency.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
