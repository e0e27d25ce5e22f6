package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

type saveStateRequest struct {
	Timestamp     time.Time            `json:"timestamp"`
	PacmanVersion string               `json:"pacman_version" validate:"required,max=64"`
	Architecture  string               `json:"architecture" validate:"required,max=32"`
	Packages      []types.PackageState `json:"packages" validate:"dive"`
}

func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	var req saveStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}
	for _, pkg := range req.Packages {
		if !validName(pkg.PackageName) {
			writeError(w, r, errdefs.Validation("invalid package name").WithDetail("package", pkg.PackageName))
			return
		}
	}

	saved, err := s.deps.States.Save(r.Context(), chi.URLParam(r, "endpoint_id"), &types.SystemState{
		Timestamp:     req.Timestamp,
		PacmanVersion: req.PacmanVersion,
		Architecture:  req.Architecture,
		Packages:      req.Packages,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	states, err := s.deps.States.ListForEndpoint(r.Context(), chi.URLParam(r, "endpoint_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.States.Get(r.Context(), chi.URLParam(r, "state_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
