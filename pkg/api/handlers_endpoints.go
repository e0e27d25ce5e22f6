package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// validate checks request body structs against their field tags
var validate = validator.New()

func checkStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		verr := errdefs.Validation("request validation failed")
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				verr.WithDetail(fe.Field(), "failed "+fe.Tag()+" check")
			}
		}
		return verr
	}
	return nil
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,max=128"`
	Hostname string `json:"hostname" validate:"required,hostname_rfc1123,max=253"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}
	if !validName(req.Name) {
		writeError(w, r, errdefs.Validation("invalid endpoint name").WithDetail("name", "contains disallowed characters"))
		return
	}

	result, err := s.deps.Endpoints.Register(r.Context(), req.Name, req.Hostname)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	var (
		endpoints []*types.Endpoint
		err       error
	)
	if poolID := r.URL.Query().Get("pool_id"); poolID != "" {
		endpoints, err = s.deps.Endpoints.ListByPool(r.Context(), poolID)
	} else {
		endpoints, err = s.deps.Endpoints.List(r.Context())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.deps.Endpoints.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

type statusRequest struct {
	Status types.SyncStatus `json:"status" validate:"required"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Endpoints.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Endpoints.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type repositoriesRequest struct {
	Repositories []repositorySubmission `json:"repositories" validate:"required,dive"`
}

type repositorySubmission struct {
	RepoName   string                    `json:"repo_name" validate:"required,max=128"`
	PrimaryURL string                    `json:"primary_url" validate:"omitempty,url"`
	Mirrors    []string                  `json:"mirrors" validate:"dive,url"`
	Packages   []types.RepositoryPackage `json:"packages"`
}

func (s *Server) handleSubmitRepositories(w http.ResponseWriter, r *http.Request) {
	var req repositoriesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	repos := make([]*types.Repository, 0, len(req.Repositories))
	for _, sub := range req.Repositories {
		if !validName(sub.RepoName) {
			writeError(w, r, errdefs.Validation("invalid repository name").WithDetail("repo_name", sub.RepoName))
			return
		}
		for _, pkg := range sub.Packages {
			if !validName(pkg.Name) {
				writeError(w, r, errdefs.Validation("invalid package name").WithDetail("package", pkg.Name))
				return
			}
		}
		repos = append(repos, &types.Repository{
			RepoName:   sub.RepoName,
			PrimaryURL: sub.PrimaryURL,
			Mirrors:    sub.Mirrors,
			Packages:   sub.Packages,
		})
	}

	endpointID := chi.URLParam(r, "id")
	if err := s.deps.Endpoints.IngestRepositories(r.Context(), endpointID, repos); err != nil {
		writeError(w, r, err)
		return
	}

	// Fresh repository data invalidates the pool's cached analysis
	if ep, err := s.deps.Endpoints.Get(r.Context(), endpointID); err == nil && ep.PoolID != "" {
		s.deps.Analyzer.Invalidate(ep.PoolID)
	}
	writeJSON(w, http.StatusOK, map[string]int{"repositories": len(repos)})
}

func (s *Server) handleGetRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.deps.Endpoints.Repositories(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleAssignPool(w http.ResponseWriter, r *http.Request) {
	poolID := r.URL.Query().Get("pool_id")
	if poolID == "" {
		writeError(w, r, errdefs.Validation("pool_id query parameter is required"))
		return
	}

	endpointID := chi.URLParam(r, "id")
	if err := s.deps.Endpoints.AssignToPool(r.Context(), endpointID, poolID); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Analyzer.Invalidate(poolID)
	writeJSON(w, http.StatusOK, map[string]string{"pool_id": poolID})
}

func (s *Server) handleUnassignPool(w http.ResponseWriter, r *http.Request) {
	endpointID := chi.URLParam(r, "id")

	ep, err := s.deps.Endpoints.Get(r.Context(), endpointID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Endpoints.RemoveFromPool(r.Context(), endpointID); err != nil {
		writeError(w, r, err)
		return
	}
	if ep.PoolID != "" {
		s.deps.Analyzer.Invalidate(ep.PoolID)
	}
	writeJSON(w, http.StatusNoContent, nil)
}
