package storage

import (
	"context"
	"time"

	"github.com/SCSIExpress/pacsync/pkg/types"
)

// Store defines the interface for coordinator state persistence. Two
// backends implement it: the embedded BoltDB store and PostgreSQL.
//
// Every method is atomic: compound operations (pool assignment, cascading
// deletes, repository replacement) run inside a single transaction in both
// backends so upper layers never see half-applied state.
type Store interface {
	// Endpoints
	CreateEndpoint(ctx context.Context, endpoint *types.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error)
	GetEndpointByIdentity(ctx context.Context, name, hostname string) (*types.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*types.Endpoint, error)
	ListEndpointsByPool(ctx context.Context, poolID string) ([]*types.Endpoint, error)
	UpdateEndpoint(ctx context.Context, endpoint *types.Endpoint) error
	// TouchEndpoint advances last_seen with a monotonic guard; older
	// timestamps are ignored.
	TouchEndpoint(ctx context.Context, id string, ts time.Time) error
	// DeleteEndpoint removes the endpoint, its repository records and its
	// pool membership link in one transaction. State snapshots are kept.
	DeleteEndpoint(ctx context.Context, id string) error

	// Pools
	CreatePool(ctx context.Context, pool *types.Pool) error
	GetPool(ctx context.Context, id string) (*types.Pool, error)
	GetPoolByName(ctx context.Context, name string) (*types.Pool, error)
	ListPools(ctx context.Context) ([]*types.Pool, error)
	UpdatePool(ctx context.Context, pool *types.Pool) error
	DeletePool(ctx context.Context, id string) error

	// AssignEndpoint moves an endpoint into a pool, updating both sides
	// atomically. Any previous membership is released first.
	AssignEndpoint(ctx context.Context, endpointID, poolID string) error
	UnassignEndpoint(ctx context.Context, endpointID string) error
	// SetPoolTarget points the pool at a stored snapshot. The snapshot
	// must belong to a current member of the pool.
	SetPoolTarget(ctx context.Context, poolID, stateID string) error

	// System states (append-only)
	SaveState(ctx context.Context, state *types.SystemState) error
	GetState(ctx context.Context, id string) (*types.SystemState, error)
	// ListEndpointStates returns snapshots in descending timestamp order.
	ListEndpointStates(ctx context.Context, endpointID string, limit int) ([]*types.SystemState, error)
	// PruneEndpointStates deletes all but the newest keep snapshots and
	// returns how many were removed. Snapshots referenced as a pool target
	// are never pruned.
	PruneEndpointStates(ctx context.Context, endpointID string, keep int) (int, error)

	// Repositories
	// ReplaceEndpointRepositories swaps the endpoint's full repository set
	// in one transaction.
	ReplaceEndpointRepositories(ctx context.Context, endpointID string, repos []*types.Repository) error
	ListEndpointRepositories(ctx context.Context, endpointID string) ([]*types.Repository, error)

	// Sync operations
	CreateOperation(ctx context.Context, op *types.SyncOperation) error
	GetOperation(ctx context.Context, id string) (*types.SyncOperation, error)
	UpdateOperation(ctx context.Context, op *types.SyncOperation) error
	// ListEndpointOperations and ListPoolOperations return newest first.
	ListEndpointOperations(ctx context.Context, endpointID string, limit int) ([]*types.SyncOperation, error)
	ListPoolOperations(ctx context.Context, poolID string, limit int) ([]*types.SyncOperation, error)
	ListOperationsByStatus(ctx context.Context, status types.OperationStatus) ([]*types.SyncOperation, error)
	// DeleteTerminalOperationsBefore prunes completed and failed operations
	// older than the cutoff and returns how many were removed.
	DeleteTerminalOperationsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
