package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/pool"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

type createPoolRequest struct {
	Name        string            `json:"name" validate:"required,max=128"`
	Description string            `json:"description" validate:"max=1024"`
	SyncPolicy  *types.SyncPolicy `json:"sync_policy"`
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}
	if !validName(req.Name) {
		writeError(w, r, errdefs.Validation("invalid pool name").WithDetail("name", "contains disallowed characters"))
		return
	}

	created, err := s.deps.Pools.Create(r.Context(), pool.CreateRequest{
		Name:        req.Name,
		Description: req.Description,
		SyncPolicy:  req.SyncPolicy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.deps.Pools.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Pools.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type updatePoolRequest struct {
	Name        *string           `json:"name" validate:"omitempty,max=128"`
	Description *string           `json:"description" validate:"omitempty,max=1024"`
	SyncPolicy  *types.SyncPolicy `json:"sync_policy"`
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	var req updatePoolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name != nil && !validName(*req.Name) {
		writeError(w, r, errdefs.Validation("invalid pool name").WithDetail("name", "contains disallowed characters"))
		return
	}

	poolID := chi.URLParam(r, "id")
	updated, err := s.deps.Pools.Update(r.Context(), poolID, pool.UpdateRequest{
		Name:        req.Name,
		Description: req.Description,
		SyncPolicy:  req.SyncPolicy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Analyzer.Invalidate(poolID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))
	poolID := chi.URLParam(r, "id")

	if err := s.deps.Pools.Delete(r.Context(), poolID, cascade); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Analyzer.Invalidate(poolID)
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Pools.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type setTargetRequest struct {
	StateID string `json:"state_id" validate:"required,uuid4"`
}

func (s *Server) handleSetPoolTarget(w http.ResponseWriter, r *http.Request) {
	var req setTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Pools.SetTarget(r.Context(), chi.URLParam(r, "id"), req.StateID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target_state_id": req.StateID})
}
