package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.deps.Analyzer.Analyze(r.Context(), chi.URLParam(r, "pool_id"), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleAnalysisRefresh(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.deps.Analyzer.Analyze(r.Context(), chi.URLParam(r, "pool_id"), true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleMatrix(w http.ResponseWriter, r *http.Request) {
	matrix, err := s.deps.Analyzer.Matrix(r.Context(), chi.URLParam(r, "pool_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matrix)
}

func (s *Server) handleExcluded(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.deps.Analyzer.Analyze(r.Context(), chi.URLParam(r, "pool_id"), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool_id":           analysis.PoolID,
		"excluded_packages": analysis.ExcludedPackages,
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.deps.Analyzer.Analyze(r.Context(), chi.URLParam(r, "pool_id"), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool_id":   analysis.PoolID,
		"conflicts": analysis.Conflicts,
	})
}

func (s *Server) handleEndpointRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.deps.Endpoints.Repositories(r.Context(), chi.URLParam(r, "endpoint_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	total := 0
	for _, repo := range repos {
		total += len(repo.Packages)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repositories":  repos,
		"package_count": total,
	})
}
