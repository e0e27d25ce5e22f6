package endpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SCSIExpress/pacsync/pkg/auth"
	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// RegisterResult is what an endpoint receives back from registration
type RegisterResult struct {
	Endpoint *types.Endpoint `json:"endpoint"`
	Token    string          `json:"auth_token"`
}

// Manager owns the endpoint lifecycle: registration, status reporting,
// repository ingestion, and removal.
type Manager struct {
	store  storage.Store
	tokens auth.TokenProvider
}

// NewManager creates an endpoint manager on the given store
func NewManager(store storage.Store, tokens auth.TokenProvider) *Manager {
	return &Manager{
		store:  store,
		tokens: tokens,
	}
}

// Register creates an endpoint or, when the name@hostname identity already
// exists, returns the existing record. Either way a fresh token is issued,
// so a reinstalled endpoint can re-register and keep its identity.
func (m *Manager) Register(ctx context.Context, name, hostname string) (*RegisterResult, error) {
	if name == "" || hostname == "" {
		return nil, errdefs.Validation("name and hostname are required")
	}

	ep, err := m.store.GetEndpointByIdentity(ctx, name, hostname)
	switch {
	case err == nil:
		// Existing identity: refresh last_seen and re-issue credentials
		if terr := m.store.TouchEndpoint(ctx, ep.ID, time.Now().UTC()); terr != nil {
			return nil, terr
		}
		log.WithEndpointID(ep.ID).Info().
			Str("identity", ep.Identity()).
			Msg("endpoint re-registered")
	case errdefs.IsKind(err, errdefs.KindNotFound):
		now := time.Now().UTC()
		ep = &types.Endpoint{
			ID:         uuid.New().String(),
			Name:       name,
			Hostname:   hostname,
			SyncStatus: types.SyncStatusOffline,
			LastSeen:   now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if cerr := m.store.CreateEndpoint(ctx, ep); cerr != nil {
			return nil, cerr
		}
		log.WithEndpointID(ep.ID).Info().
			Str("identity", ep.Identity()).
			Msg("endpoint registered")
	default:
		return nil, err
	}

	token, err := m.tokens.Issue(ep.ID, ep.Name)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{Endpoint: ep, Token: token}, nil
}

// Get returns one endpoint by id
func (m *Manager) Get(ctx context.Context, id string) (*types.Endpoint, error) {
	return m.store.GetEndpoint(ctx, id)
}

// List returns all registered endpoints
func (m *Manager) List(ctx context.Context) ([]*types.Endpoint, error) {
	return m.store.ListEndpoints(ctx)
}

// ListByPool returns the endpoints assigned to a pool
func (m *Manager) ListByPool(ctx context.Context, poolID string) ([]*types.Endpoint, error) {
	return m.store.ListEndpointsByPool(ctx, poolID)
}

// UpdateStatus records an endpoint's self-reported sync status and
// advances its last_seen timestamp.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status types.SyncStatus) error {
	if !types.ValidSyncStatus(status) {
		return errdefs.Validation("invalid sync status %q", status)
	}

	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.SyncStatus = status
	ep.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return err
	}
	return m.store.TouchEndpoint(ctx, id, time.Now().UTC())
}

// Touch advances an endpoint's last_seen timestamp. Stale timestamps are
// ignored so out-of-order requests cannot move last_seen backwards.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.store.TouchEndpoint(ctx, id, time.Now().UTC())
}

// Remove deletes an endpoint together with its repository records and
// pool membership. Stored state snapshots survive removal because pool
// targets may still reference them.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.store.DeleteEndpoint(ctx, id); err != nil {
		return err
	}
	log.WithEndpointID(id).Info().Msg("endpoint removed")
	return nil
}

// AssignToPool moves an endpoint into a pool, releasing any previous
// membership.
func (m *Manager) AssignToPool(ctx context.Context, endpointID, poolID string) error {
	if _, err := m.store.GetPool(ctx, poolID); err != nil {
		return err
	}
	if err := m.store.AssignEndpoint(ctx, endpointID, poolID); err != nil {
		return err
	}
	log.WithEndpointID(endpointID).Info().
		Str("pool_id", poolID).
		Msg("endpoint assigned to pool")
	return nil
}

// RemoveFromPool detaches an endpoint from its pool
func (m *Manager) RemoveFromPool(ctx context.Context, endpointID string) error {
	if err := m.store.UnassignEndpoint(ctx, endpointID); err != nil {
		return err
	}
	log.WithEndpointID(endpointID).Info().Msg("endpoint removed from pool")
	return nil
}

// IngestRepositories replaces an endpoint's repository descriptors with a
// fresh submission. Both shapes are accepted: mirror lists only, or full
// submissions carrying package inventories.
func (m *Manager) IngestRepositories(ctx context.Context, endpointID string, repos []*types.Repository) error {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(repos))
	for _, repo := range repos {
		if repo.RepoName == "" {
			return errdefs.Validation("repository name is required")
		}
		if seen[repo.RepoName] {
			return errdefs.Validation("duplicate repository %q in submission", repo.RepoName)
		}
		seen[repo.RepoName] = true

		repo.ID = uuid.New().String()
		repo.EndpointID = ep.ID
		repo.LastUpdated = now
	}

	if err := m.store.ReplaceEndpointRepositories(ctx, endpointID, repos); err != nil {
		return err
	}
	log.WithEndpointID(endpointID).Debug().
		Int("repositories", len(repos)).
		Msg("repository information updated")
	return m.store.TouchEndpoint(ctx, endpointID, now)
}

// Repositories returns the stored repository descriptors for an endpoint
func (m *Manager) Repositories(ctx context.Context, endpointID string) ([]*types.Repository, error) {
	if _, err := m.store.GetEndpoint(ctx, endpointID); err != nil {
		return nil, err
	}
	return m.store.ListEndpointRepositories(ctx, endpointID)
}

// MarkStaleOffline flips endpoints that have not been seen within the
// threshold to offline. The periodic sweeper calls this; endpoints come
// back automatically on their next authenticated request.
func (m *Manager) MarkStaleOffline(ctx context.Context, threshold time.Duration) (int, error) {
	endpoints, err := m.store.ListEndpoints(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-threshold)
	marked := 0
	for _, ep := range endpoints {
		if ep.SyncStatus == types.SyncStatusOffline || ep.LastSeen.After(cutoff) {
			continue
		}
		ep.SyncStatus = types.SyncStatusOffline
		ep.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
			return marked, err
		}
		marked++
		log.WithEndpointID(ep.ID).Warn().
			Time("last_seen", ep.LastSeen).
			Msg("endpoint marked offline")
	}
	return marked, nil
}
