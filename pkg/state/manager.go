package state

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// clockSkewTolerance bounds how far in the future a submitted state
// timestamp may sit before it is rejected as clock drift.
const clockSkewTolerance = 5 * time.Minute

// defaultListLimit caps state listings when the caller does not set one
const defaultListLimit = 50

// Manager owns the append-only system state history
type Manager struct {
	store storage.Store

	// allowEmpty permits snapshots with no packages, for bootstrap
	// captures of freshly installed machines.
	allowEmpty bool
}

// Option customizes a state manager
type Option func(*Manager)

// WithAllowEmptyStates accepts snapshots whose package list is empty
func WithAllowEmptyStates() Option {
	return func(m *Manager) {
		m.allowEmpty = true
	}
}

// NewManager creates a state manager on the given store
func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save validates and persists a new immutable state snapshot for the
// endpoint. The endpoint must belong to a pool: states exist to serve as
// sync targets, and a poolless endpoint has nothing to converge with.
func (m *Manager) Save(ctx context.Context, endpointID string, state *types.SystemState) (*types.SystemState, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if ep.PoolID == "" {
		return nil, errdefs.Validation("endpoint %s is not assigned to a pool", endpointID)
	}

	if len(state.Packages) == 0 && !m.allowEmpty {
		return nil, errdefs.Validation("state has no packages")
	}
	if state.Architecture == "" {
		return nil, errdefs.Validation("architecture is required")
	}
	if state.PacmanVersion == "" {
		return nil, errdefs.Validation("pacman_version is required")
	}
	if state.Timestamp.IsZero() {
		state.Timestamp = time.Now().UTC()
	}
	if state.Timestamp.After(time.Now().UTC().Add(clockSkewTolerance)) {
		return nil, errdefs.Validation("state timestamp %s is in the future", state.Timestamp.Format(time.RFC3339))
	}

	state.ID = uuid.New().String()
	state.EndpointID = ep.ID
	if err := m.store.SaveState(ctx, state); err != nil {
		return nil, err
	}

	log.WithEndpointID(ep.ID).Info().
		Str("state_id", state.ID).
		Int("packages", len(state.Packages)).
		Msg("system state saved")
	return state, nil
}

// Get returns one state snapshot by id
func (m *Manager) Get(ctx context.Context, stateID string) (*types.SystemState, error) {
	return m.store.GetState(ctx, stateID)
}

// ListForEndpoint returns an endpoint's snapshots, newest first
func (m *Manager) ListForEndpoint(ctx context.Context, endpointID string, limit int) ([]*types.SystemState, error) {
	if _, err := m.store.GetEndpoint(ctx, endpointID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return m.store.ListEndpointStates(ctx, endpointID, limit)
}

// Latest returns an endpoint's most recent snapshot, or a not_found error
// when the endpoint has never submitted one.
func (m *Manager) Latest(ctx context.Context, endpointID string) (*types.SystemState, error) {
	states, err := m.store.ListEndpointStates(ctx, endpointID, 1)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, errdefs.NotFound("endpoint %s has no stored states", endpointID)
	}
	return states[0], nil
}

// Prune trims an endpoint's history down to keep snapshots. Snapshots
// referenced as a pool target are never removed.
func (m *Manager) Prune(ctx context.Context, endpointID string, keep int) (int, error) {
	if keep < 1 {
		return 0, errdefs.Validation("keep must be at least 1")
	}
	return m.store.PruneEndpointStates(ctx, endpointID, keep)
}

// Delta computes the install/remove/upgrade plan that would bring the
// endpoint's latest snapshot to the target state. Packages named in the
// exclude list are reported but never planned.
func Delta(endpointID string, current, target *types.SystemState, exclude []string) *types.PackageDelta {
	delta := &types.PackageDelta{EndpointID: endpointID}

	if target == nil {
		delta.State = types.DerivedNoTarget
		return delta
	}
	if current == nil {
		delta.State = types.DerivedNoState
		return delta
	}

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	have := make(map[string]types.PackageState, len(current.Packages))
	for _, pkg := range current.Packages {
		have[pkg.PackageName] = pkg
	}
	want := make(map[string]types.PackageState, len(target.Packages))
	for _, pkg := range target.Packages {
		want[pkg.PackageName] = pkg
	}

	skipped := make(map[string]bool)
	for name, pkg := range want {
		cur, ok := have[name]
		switch {
		case excluded[name]:
			if !ok || cur.Version != pkg.Version {
				skipped[name] = true
			}
		case !ok:
			delta.Install = append(delta.Install, pkg)
		case cur.Version != pkg.Version:
			delta.Upgrade = append(delta.Upgrade, pkg)
		}
	}
	for name, pkg := range have {
		if _, ok := want[name]; ok {
			continue
		}
		if excluded[name] {
			skipped[name] = true
			continue
		}
		delta.Remove = append(delta.Remove, pkg)
	}

	sortPackages(delta.Install)
	sortPackages(delta.Remove)
	sortPackages(delta.Upgrade)
	for name := range skipped {
		delta.Excluded = append(delta.Excluded, name)
	}
	sort.Strings(delta.Excluded)

	if len(delta.Install) == 0 && len(delta.Remove) == 0 && len(delta.Upgrade) == 0 {
		delta.State = types.DerivedInSync
	} else if len(delta.Install) > 0 || len(delta.Upgrade) > 0 {
		delta.State = types.DerivedBehind
	} else {
		delta.State = types.DerivedAhead
	}
	return delta
}

// DeltaForEndpoint loads the endpoint's latest snapshot and its pool's
// target and computes the plan between them.
func (m *Manager) DeltaForEndpoint(ctx context.Context, endpointID string) (*types.PackageDelta, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if ep.PoolID == "" {
		return &types.PackageDelta{EndpointID: endpointID, State: types.DerivedNoTarget}, nil
	}

	pool, err := m.store.GetPool(ctx, ep.PoolID)
	if err != nil {
		return nil, err
	}

	var target *types.SystemState
	if pool.TargetStateID != "" {
		target, err = m.store.GetState(ctx, pool.TargetStateID)
		if err != nil {
			return nil, err
		}
	}

	var current *types.SystemState
	states, err := m.store.ListEndpointStates(ctx, endpointID, 1)
	if err != nil {
		return nil, err
	}
	if len(states) > 0 {
		current = states[0]
	}

	return Delta(endpointID, current, target, pool.SyncPolicy.ExcludePackages), nil
}

func sortPackages(pkgs []types.PackageState) {
	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].PackageName < pkgs[j].PackageName
	})
}
