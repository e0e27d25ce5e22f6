package syncer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/events"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

type fixture struct {
	coord  *Coordinator
	store  storage.Store
	broker *events.Broker
	pool   *types.Pool
	ep     *types.Endpoint
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, configure func(*Coordinator)) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	now := time.Now().UTC()
	pool := &types.Pool{
		ID:        uuid.New().String(),
		Name:      "pool",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreatePool(ctx, pool))

	ep := &types.Endpoint{
		ID:         uuid.New().String(),
		Name:       "alpha",
		Hostname:   "host-1",
		SyncStatus: types.SyncStatusBehind,
		LastSeen:   now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateEndpoint(ctx, ep))
	require.NoError(t, store.AssignEndpoint(ctx, ep.ID, pool.ID))
	ep.PoolID = pool.ID

	coord := NewCoordinator(store, broker)
	if configure != nil {
		configure(coord)
	}
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() { coord.Stop(time.Second) })

	return &fixture{coord: coord, store: store, broker: broker, pool: pool, ep: ep}
}

func (f *fixture) saveState(t *testing.T, at time.Time) *types.SystemState {
	t.Helper()
	state := &types.SystemState{
		ID:            uuid.New().String(),
		EndpointID:    f.ep.ID,
		Timestamp:     at,
		PacmanVersion: "6.1.0",
		Architecture:  "x86_64",
		Packages: []types.PackageState{
			{PackageName: "linux", Version: "6.9.1", Repository: "core"},
		},
	}
	require.NoError(t, f.store.SaveState(context.Background(), state))
	return state
}

func (f *fixture) setTarget(t *testing.T) *types.SystemState {
	t.Helper()
	state := f.saveState(t, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, f.store.SetPoolTarget(context.Background(), f.pool.ID, state.ID))
	return state
}

func waitForStatus(t *testing.T, store storage.Store, opID string, want types.OperationStatus) *types.SyncOperation {
	t.Helper()
	var got *types.SyncOperation
	require.Eventually(t, func() bool {
		op, err := store.GetOperation(context.Background(), opID)
		if err != nil {
			return false
		}
		got = op
		return op.Status == want
	}, 2*time.Second, 10*time.Millisecond, "operation %s never reached %s", opID, want)
	return got
}

func recvEvent(t *testing.T, sub events.Subscriber) *types.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSyncToLatestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.setTarget(t)

	sub := f.broker.Subscribe(f.ep.ID)
	defer f.broker.Unsubscribe(f.ep.ID, sub)

	op, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationSync, op.Type)
	assert.Equal(t, target.ID, op.Details["target_state_id"])

	// Picked up immediately: queue was empty
	waitForStatus(t, f.store, op.ID, types.OperationInProgress)
	assert.Equal(t, types.EventOperationStarted, recvEvent(t, sub).Type)

	require.NoError(t, f.coord.ReportProgress(ctx, op.ID, &types.OperationProgress{
		Stage: "downloading", Percentage: 40, CurrentAction: "linux-6.9.1",
	}))
	ev := recvEvent(t, sub)
	assert.Equal(t, types.EventOperationProgress, ev.Type)
	assert.Equal(t, "downloading", ev.Data["stage"])
	assert.Equal(t, "40", ev.Data["percentage"])

	require.NoError(t, f.coord.Complete(ctx, op.ID, true, ""))
	done := waitForStatus(t, f.store, op.ID, types.OperationCompleted)
	assert.False(t, done.CompletedAt.IsZero())
	assert.Equal(t, types.EventOperationCompleted, recvEvent(t, sub).Type)

	// Successful sync marks the endpoint in_sync
	ep, err := f.store.GetEndpoint(ctx, f.ep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusInSync, ep.SyncStatus)
}

func TestSyncToLatestPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Pool has no target
	_, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	// Endpoint outside any pool
	require.NoError(t, f.store.UnassignEndpoint(ctx, f.ep.ID))
	_, err = f.coord.SyncToLatest(ctx, f.ep.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	_, err = f.coord.SyncToLatest(ctx, uuid.New().String())
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestSetAsLatestCompletesServerSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Requires a prior state submission
	_, err := f.coord.SetAsLatest(ctx, f.ep.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	state := f.saveState(t, time.Now().UTC())
	op, err := f.coord.SetAsLatest(ctx, f.ep.ID)
	require.NoError(t, err)

	waitForStatus(t, f.store, op.ID, types.OperationCompleted)
	pool, err := f.store.GetPool(ctx, f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ID, pool.TargetStateID)
}

func TestRevertRequiresPriorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.saveState(t, time.Now().UTC().Add(-2*time.Hour))
	_, err := f.coord.RevertToPrevious(ctx, f.ep.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	previous := f.saveState(t, time.Now().UTC().Add(-time.Hour))
	f.saveState(t, time.Now().UTC())

	op, err := f.coord.RevertToPrevious(ctx, f.ep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationRevert, op.Type)

	// Wait: targets the second-most-recent snapshot
	got := waitForStatus(t, f.store, op.ID, types.OperationInProgress)
	assert.Equal(t, previous.ID, got.Details["target_state_id"])
}

func TestFIFOOnePerEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setTarget(t)

	first, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	second, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	third, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)

	waitForStatus(t, f.store, first.ID, types.OperationInProgress)

	// Later submissions stay pending while the first is in flight
	got, err := f.store.GetOperation(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationPending, got.Status)

	require.NoError(t, f.coord.Complete(ctx, first.ID, true, ""))
	waitForStatus(t, f.store, second.ID, types.OperationInProgress)

	got, err = f.store.GetOperation(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationPending, got.Status)

	require.NoError(t, f.coord.Complete(ctx, second.ID, false, "pacman exited 1"))
	failed := waitForStatus(t, f.store, second.ID, types.OperationFailed)
	assert.Equal(t, "pacman exited 1", failed.ErrorMessage)

	// Failure still unblocks the queue
	waitForStatus(t, f.store, third.ID, types.OperationInProgress)
}

func TestSubmitReturnsPendingSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setTarget(t)

	op, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationPending, op.Status)
	assert.True(t, op.StartedAt.IsZero())

	// Pickup mutates the loop's copy, never the caller's
	waitForStatus(t, f.store, op.ID, types.OperationInProgress)
	assert.Equal(t, types.OperationPending, op.Status)

	// Once picked up, cancellation is refused
	err = f.coord.Cancel(ctx, op.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestCancelOnlyPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setTarget(t)

	first, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	second, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)

	waitForStatus(t, f.store, first.ID, types.OperationInProgress)

	// In-flight operations refuse cancellation
	err = f.coord.Cancel(ctx, first.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	require.NoError(t, f.coord.Cancel(ctx, second.ID))
	cancelled := waitForStatus(t, f.store, second.ID, types.OperationFailed)
	assert.Equal(t, "cancelled", cancelled.ErrorMessage)

	// The cancelled operation never starts after the first finishes
	require.NoError(t, f.coord.Complete(ctx, first.ID, true, ""))
	time.Sleep(50 * time.Millisecond)
	got, err := f.store.GetOperation(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationFailed, got.Status)
}

func TestProgressRequiresInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setTarget(t)

	first, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	second, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	waitForStatus(t, f.store, first.ID, types.OperationInProgress)

	err = f.coord.ReportProgress(ctx, second.ID, &types.OperationProgress{Stage: "x", Percentage: 1})
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	err = f.coord.ReportProgress(ctx, first.ID, &types.OperationProgress{Stage: "x", Percentage: 101})
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))

	err = f.coord.ReportProgress(ctx, first.ID, &types.OperationProgress{Percentage: 10})
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestWatchdogTimeout(t *testing.T) {
	var skew atomic.Int64
	f := newFixtureWith(t, func(c *Coordinator) {
		c.watchdogEvery = 20 * time.Millisecond
		c.now = func() time.Time {
			return time.Now().Add(time.Duration(skew.Load()))
		}
	})
	ctx := context.Background()
	f.setTarget(t)

	op, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	waitForStatus(t, f.store, op.ID, types.OperationInProgress)

	// Age the active operation past its budget; the next sweep fails it
	skew.Store(int64(syncTimeout + time.Minute))

	timedOut := waitForStatus(t, f.store, op.ID, types.OperationFailed)
	assert.Equal(t, "timeout", timedOut.ErrorMessage)
}

func TestStopFailsSurvivors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setTarget(t)

	first, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	second, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	waitForStatus(t, f.store, first.ID, types.OperationInProgress)

	f.coord.Stop(200 * time.Millisecond)

	got, err := f.store.GetOperation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationFailed, got.Status)
	assert.Equal(t, "shutdown", got.ErrorMessage)

	got, err = f.store.GetOperation(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "shutdown", got.ErrorMessage)

	// New submissions are refused after shutdown
	_, err = f.coord.SyncToLatest(ctx, f.ep.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestStopWaitsForCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setTarget(t)

	op, err := f.coord.SyncToLatest(ctx, f.ep.ID)
	require.NoError(t, err)
	waitForStatus(t, f.store, op.ID, types.OperationInProgress)

	go func() {
		time.Sleep(100 * time.Millisecond)
		f.coord.Complete(context.Background(), op.ID, true, "")
	}()

	f.coord.Stop(2 * time.Second)

	got, err := f.store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationCompleted, got.Status)
}

func TestStartRecoversQueued(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	op := &types.SyncOperation{
		ID:         uuid.New().String(),
		EndpointID: uuid.New().String(),
		Type:       types.OperationSync,
		Status:     types.OperationPending,
		Details:    map[string]string{},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateOperation(ctx, op))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	coord := NewCoordinator(store, broker)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() { coord.Stop(time.Second) })

	// Recovered pending work is dispatched once the loop runs
	waitForStatus(t, store, op.ID, types.OperationInProgress)
}
