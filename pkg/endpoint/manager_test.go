package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SCSIExpress/pacsync/pkg/auth"
	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens := auth.NewTokenManager(testSecret, time.Hour, nil)
	return NewManager(store, tokens), store
}

func TestRegisterNewEndpoint(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.Register(ctx, "alpha", "host-1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Endpoint.ID)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, "alpha@host-1", res.Endpoint.Identity())
	assert.Equal(t, types.SyncStatusOffline, res.Endpoint.SyncStatus)
}

func TestRegisterIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Register(ctx, "alpha", "host-1")
	require.NoError(t, err)
	second, err := mgr.Register(ctx, "alpha", "host-1")
	require.NoError(t, err)

	assert.Equal(t, first.Endpoint.ID, second.Endpoint.ID)
	assert.NotEmpty(t, second.Token)

	// Same name on another host is a distinct endpoint
	third, err := mgr.Register(ctx, "alpha", "host-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.Endpoint.ID, third.Endpoint.ID)
}

func TestRegisterValidation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Register(ctx, "", "host-1")
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
	_, err = mgr.Register(ctx, "alpha", "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestUpdateStatus(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.Register(ctx, "alpha", "host-1")
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateStatus(ctx, res.Endpoint.ID, types.SyncStatusAhead))
	got, err := mgr.Get(ctx, res.Endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusAhead, got.SyncStatus)

	err = mgr.UpdateStatus(ctx, res.Endpoint.ID, types.SyncStatus("bogus"))
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))

	err = mgr.UpdateStatus(ctx, uuid.New().String(), types.SyncStatusInSync)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestAssignAndRemoveFromPool(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.Register(ctx, "alpha", "host-1")
	require.NoError(t, err)

	pool := &types.Pool{
		ID:        uuid.New().String(),
		Name:      "workstations",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreatePool(ctx, pool))

	require.NoError(t, mgr.AssignToPool(ctx, res.Endpoint.ID, pool.ID))
	got, err := mgr.Get(ctx, res.Endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.ID, got.PoolID)

	members, err := mgr.ListByPool(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)

	err = mgr.AssignToPool(ctx, res.Endpoint.ID, uuid.New().String())
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	require.NoError(t, mgr.RemoveFromPool(ctx, res.Endpoint.ID))
	got, err = mgr.Get(ctx, res.Endpoint.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PoolID)
}

func TestIngestRepositories(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.Register(ctx, "alpha", "host-1")
	require.NoError(t, err)

	repos := []*types.Repository{
		{RepoName: "core", PrimaryURL: "https://mirror/core", Mirrors: []string{"https://m2/core"}},
		{RepoName: "extra", PrimaryURL: "https://mirror/extra",
			Packages: []types.RepositoryPackage{{Name: "vim", Version: "9.1", Repository: "extra", Architecture: "x86_64"}}},
	}
	require.NoError(t, mgr.IngestRepositories(ctx, res.Endpoint.ID, repos))

	stored, err := mgr.Repositories(ctx, res.Endpoint.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, r := range stored {
		assert.Equal(t, res.Endpoint.ID, r.EndpointID)
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.LastUpdated.IsZero())
	}
}

func TestIngestRepositoriesValidation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.Register(ctx, "alpha", "host-1")
	require.NoError(t, err)

	err = mgr.IngestRepositories(ctx, res.Endpoint.ID, []*types.Repository{{RepoName: ""}})
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))

	err = mgr.IngestRepositories(ctx, res.Endpoint.ID, []*types.Repository{
		{RepoName: "core"}, {RepoName: "core"},
	})
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))

	err = mgr.IngestRepositories(ctx, uuid.New().String(), nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestMarkStaleOffline(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	fresh, err := mgr.Register(ctx, "fresh", "host-1")
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateStatus(ctx, fresh.Endpoint.ID, types.SyncStatusInSync))

	stale, err := mgr.Register(ctx, "stale", "host-2")
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateStatus(ctx, stale.Endpoint.ID, types.SyncStatusInSync))

	// Age the stale endpoint by writing last_seen directly
	ep, err := store.GetEndpoint(ctx, stale.Endpoint.ID)
	require.NoError(t, err)
	ep.LastSeen = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.UpdateEndpoint(ctx, ep))

	marked, err := mgr.MarkStaleOffline(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	got, err := mgr.Get(ctx, stale.Endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusOffline, got.SyncStatus)

	got, err = mgr.Get(ctx, fresh.Endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusInSync, got.SyncStatus)
}
