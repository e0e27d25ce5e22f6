package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

func (s *Server) handleSyncToLatest(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Coord.SyncToLatest(r.Context(), chi.URLParam(r, "endpoint_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleSetAsLatest(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Coord.SetAsLatest(r.Context(), chi.URLParam(r, "endpoint_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Coord.RevertToPrevious(r.Context(), chi.URLParam(r, "endpoint_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Coord.GetOperation(r.Context(), chi.URLParam(r, "op_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// operationOwner gates operation mutations to the owning endpoint or an
// admin. Route patterns cannot express this: ownership lives on the
// operation record.
func (s *Server) operationOwner(r *http.Request, opID string) (*types.SyncOperation, error) {
	op, err := s.deps.Coord.GetOperation(r.Context(), opID)
	if err != nil {
		return nil, err
	}
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		return nil, errdefs.Authentication("missing bearer token")
	}
	if !identity.Admin && identity.EndpointID != op.EndpointID {
		return nil, errdefs.Authorization("token does not match operation owner")
	}
	return op, nil
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "op_id")
	if _, err := s.operationOwner(r, opID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Coord.Cancel(r.Context(), opID); err != nil {
		writeError(w, r, err)
		return
	}
	op, err := s.deps.Coord.GetOperation(r.Context(), opID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type progressRequest struct {
	Stage         string `json:"stage" validate:"required,max=64"`
	Percentage    int    `json:"percentage" validate:"min=0,max=100"`
	CurrentAction string `json:"current_action" validate:"max=256"`
}

func (s *Server) handleOperationProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	opID := chi.URLParam(r, "op_id")
	if _, err := s.operationOwner(r, opID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Coord.ReportProgress(r.Context(), opID, &types.OperationProgress{
		Stage:         req.Stage,
		Percentage:    req.Percentage,
		CurrentAction: req.CurrentAction,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stage": req.Stage})
}

type completeRequest struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message" validate:"max=1024"`
}

func (s *Server) handleOperationComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	opID := chi.URLParam(r, "op_id")
	if _, err := s.operationOwner(r, opID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Coord.Complete(r.Context(), opID, req.Success, req.ErrorMessage); err != nil {
		writeError(w, r, err)
		return
	}
	op, err := s.deps.Coord.GetOperation(r.Context(), opID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListEndpointOperations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := s.deps.Coord.ListEndpointOperations(r.Context(), chi.URLParam(r, "endpoint_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleListPoolOperations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := s.deps.Coord.ListPoolOperations(r.Context(), chi.URLParam(r, "pool_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}
