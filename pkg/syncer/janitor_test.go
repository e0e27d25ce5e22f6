package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SCSIExpress/pacsync/pkg/auth"
	"github.com/SCSIExpress/pacsync/pkg/endpoint"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens := auth.NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour, nil)
	endpoints := endpoint.NewManager(store, tokens)

	janitor := NewJanitor(store, endpoints)
	janitor.OpRetention = 24 * time.Hour
	janitor.KeepStates = 2
	janitor.OfflineAfter = time.Hour

	// Stale registered endpoint with a deep state history
	res, err := endpoints.Register(ctx, "alpha", "host-1")
	require.NoError(t, err)
	pool := &types.Pool{ID: uuid.New().String(), Name: "p", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, store.CreatePool(ctx, pool))
	require.NoError(t, store.AssignEndpoint(ctx, res.Endpoint.ID, pool.ID))
	require.NoError(t, endpoints.UpdateStatus(ctx, res.Endpoint.ID, types.SyncStatusInSync))

	base := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveState(ctx, &types.SystemState{
			ID:         uuid.New().String(),
			EndpointID: res.Endpoint.ID,
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
		}))
	}

	// One expired terminal operation, one recent
	oldOp := &types.SyncOperation{
		ID:         uuid.New().String(),
		EndpointID: res.Endpoint.ID,
		Type:       types.OperationSync,
		Status:     types.OperationCompleted,
		CreatedAt:  time.Now().UTC().Add(-72 * time.Hour),
	}
	require.NoError(t, store.CreateOperation(ctx, oldOp))
	newOp := &types.SyncOperation{
		ID:         uuid.New().String(),
		EndpointID: res.Endpoint.ID,
		Type:       types.OperationSync,
		Status:     types.OperationCompleted,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateOperation(ctx, newOp))

	// Age the endpoint's last_seen past the offline threshold
	ep, err := store.GetEndpoint(ctx, res.Endpoint.ID)
	require.NoError(t, err)
	ep.LastSeen = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.UpdateEndpoint(ctx, ep))

	janitor.sweep(ctx)

	_, err = store.GetOperation(ctx, oldOp.ID)
	assert.Error(t, err)
	_, err = store.GetOperation(ctx, newOp.ID)
	assert.NoError(t, err)

	states, err := store.ListEndpointStates(ctx, res.Endpoint.ID, 0)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	ep, err = store.GetEndpoint(ctx, res.Endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusOffline, ep.SyncStatus)
}
