package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

func (s *Server) handlePackageCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.deps.Pools.Get(ctx, chi.URLParam(r, "pool_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	targetCount := 0
	if p.TargetStateID != "" {
		target, err := s.deps.States.Get(ctx, p.TargetStateID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		targetCount = len(target.Packages)
	}

	counts := make(map[string]int)
	for _, endpointID := range p.EndpointIDs {
		latest, err := s.deps.States.Latest(ctx, endpointID)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindNotFound) {
				counts[endpointID] = 0
				continue
			}
			writeError(w, r, err)
			return
		}
		counts[endpointID] = len(latest.Packages)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool_id":         p.ID,
		"target_packages": targetCount,
		"endpoint_counts": counts,
	})
}

func (s *Server) handleEndpointSyncStatus(w http.ResponseWriter, r *http.Request) {
	delta, err := s.deps.States.DeltaForEndpoint(r.Context(), chi.URLParam(r, "endpoint_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

type packageSyncRequest struct {
	DryRun bool `json:"dry_run"`
	Force  bool `json:"force"`
}

// handlePackageSync is the convenience entry for endpoint agents: one
// call that either previews the package plan (dry_run) or queues a sync
// operation. Without force, an already converged endpoint is not queued.
func (s *Server) handlePackageSync(w http.ResponseWriter, r *http.Request) {
	var req packageSyncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	endpointID := chi.URLParam(r, "endpoint_id")
	delta, err := s.deps.States.DeltaForEndpoint(r.Context(), endpointID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if req.DryRun {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dry_run": true,
			"plan":    delta,
		})
		return
	}

	if delta.State == types.DerivedInSync && !req.Force {
		writeError(w, r, errdefs.Conflict("endpoint is already in sync, use force to queue anyway"))
		return
	}

	// Force supersedes anything still waiting in the queue
	if req.Force {
		ops, err := s.deps.Coord.ListEndpointOperations(r.Context(), endpointID, 0)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, queued := range ops {
			if queued.Status != types.OperationPending {
				continue
			}
			// An operation picked up between list and cancel stays
			if err := s.deps.Coord.Cancel(r.Context(), queued.ID); err != nil && !errdefs.IsKind(err, errdefs.KindConflict) {
				writeError(w, r, err)
				return
			}
		}
	}

	op, err := s.deps.Coord.SyncToLatest(r.Context(), endpointID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"operation": op,
		"plan":      delta,
	})
}

func (s *Server) handleSyncSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.deps.Pools.Get(ctx, chi.URLParam(r, "pool_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	type endpointSummary struct {
		EndpointID string                 `json:"endpoint_id"`
		Name       string                 `json:"name"`
		Reported   types.SyncStatus       `json:"reported_status"`
		Derived    types.DerivedSyncState `json:"derived_state"`
		Pending    int                    `json:"pending_changes"`
	}

	endpoints, err := s.deps.Endpoints.ListByPool(ctx, p.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summaries := make([]endpointSummary, 0, len(endpoints))
	for _, ep := range endpoints {
		delta, err := s.deps.States.DeltaForEndpoint(ctx, ep.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		summaries = append(summaries, endpointSummary{
			EndpointID: ep.ID,
			Name:       ep.Name,
			Reported:   ep.SyncStatus,
			Derived:    delta.State,
			Pending:    len(delta.Install) + len(delta.Remove) + len(delta.Upgrade),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool_id":   p.ID,
		"endpoints": summaries,
	})
}
