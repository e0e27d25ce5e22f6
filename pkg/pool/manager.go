package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// CreateRequest carries the caller-supplied fields for a new pool
type CreateRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	SyncPolicy  *types.SyncPolicy `json:"sync_policy,omitempty"`
}

// UpdateRequest carries the mutable pool fields. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	SyncPolicy  *types.SyncPolicy `json:"sync_policy,omitempty"`
}

// Manager owns pool lifecycle and the rollup status computation
type Manager struct {
	store storage.Store
}

// NewManager creates a pool manager on the given store
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

func defaultPolicy() types.SyncPolicy {
	return types.SyncPolicy{
		AutoSync:           false,
		IncludeAUR:         false,
		ConflictResolution: types.ConflictManual,
	}
}

// Create registers a new pool. Names are unique across the coordinator.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Pool, error) {
	if req.Name == "" {
		return nil, errdefs.Validation("pool name is required")
	}

	policy := defaultPolicy()
	if req.SyncPolicy != nil {
		policy = *req.SyncPolicy
	}
	if !types.ValidConflictResolution(policy.ConflictResolution) {
		return nil, errdefs.Validation("invalid conflict resolution %q", policy.ConflictResolution)
	}

	now := time.Now().UTC()
	pool := &types.Pool{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		EndpointIDs: []string{},
		SyncPolicy:  policy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreatePool(ctx, pool); err != nil {
		return nil, err
	}

	log.WithPoolID(pool.ID).Info().Str("name", pool.Name).Msg("pool created")
	return pool, nil
}

// Get returns one pool by id
func (m *Manager) Get(ctx context.Context, id string) (*types.Pool, error) {
	return m.store.GetPool(ctx, id)
}

// List returns all pools
func (m *Manager) List(ctx context.Context) ([]*types.Pool, error) {
	return m.store.ListPools(ctx)
}

// Update applies the non-nil fields of req to the pool
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*types.Pool, error) {
	pool, err := m.store.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, errdefs.Validation("pool name cannot be empty")
		}
		pool.Name = *req.Name
	}
	if req.Description != nil {
		pool.Description = *req.Description
	}
	if req.SyncPolicy != nil {
		if !types.ValidConflictResolution(req.SyncPolicy.ConflictResolution) {
			return nil, errdefs.Validation("invalid conflict resolution %q", req.SyncPolicy.ConflictResolution)
		}
		pool.SyncPolicy = *req.SyncPolicy
	}
	pool.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdatePool(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// Delete removes a pool. Member endpoints are detached, not deleted; the
// cascade flag is required when the pool still has members so an
// accidental delete cannot silently orphan a fleet.
func (m *Manager) Delete(ctx context.Context, id string, cascade bool) error {
	pool, err := m.store.GetPool(ctx, id)
	if err != nil {
		return err
	}
	if len(pool.EndpointIDs) > 0 && !cascade {
		return errdefs.Conflict("pool %s is not empty: %d member endpoints", pool.Name, len(pool.EndpointIDs))
	}

	for _, endpointID := range pool.EndpointIDs {
		if err := m.store.UnassignEndpoint(ctx, endpointID); err != nil && !errdefs.IsKind(err, errdefs.KindNotFound) {
			return err
		}
	}
	if err := m.store.DeletePool(ctx, id); err != nil {
		return err
	}

	log.WithPoolID(id).Info().Str("name", pool.Name).Msg("pool deleted")
	return nil
}

// SetTarget points the pool at a stored system state snapshot. The
// snapshot must come from a current member of the pool.
func (m *Manager) SetTarget(ctx context.Context, poolID, stateID string) error {
	if err := m.store.SetPoolTarget(ctx, poolID, stateID); err != nil {
		return err
	}
	log.WithPoolID(poolID).Info().Str("state_id", stateID).Msg("pool target state set")
	return nil
}

// Status computes the read-only rollup for a pool from its members'
// reported statuses. An empty pool counts as fully synced at 100%.
func (m *Manager) Status(ctx context.Context, poolID string) (*types.PoolStatus, error) {
	pool, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	endpoints, err := m.store.ListEndpointsByPool(ctx, pool.ID)
	if err != nil {
		return nil, err
	}

	status := &types.PoolStatus{
		PoolID:         pool.ID,
		TotalEndpoints: len(endpoints),
		StatusCounts:   make(map[types.SyncStatus]int),
	}

	// An empty pool is vacuously converged
	if len(endpoints) == 0 {
		status.Overall = types.PoolStatusFullySynced
		status.SyncPercentage = 100
		return status, nil
	}

	online := 0
	for _, ep := range endpoints {
		status.StatusCounts[ep.SyncStatus]++
		if ep.SyncStatus != types.SyncStatusOffline {
			online++
		}
	}

	inSync := status.StatusCounts[types.SyncStatusInSync]
	status.SyncPercentage = float64(inSync) / float64(len(endpoints)) * 100

	switch {
	case online == 0:
		status.Overall = types.PoolStatusAllOffline
	case inSync == len(endpoints):
		status.Overall = types.PoolStatusFullySynced
	case inSync > 0:
		status.Overall = types.PoolStatusPartiallySynced
	default:
		status.Overall = types.PoolStatusOutOfSync
	}
	return status, nil
}
