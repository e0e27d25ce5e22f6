package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

var (
	// Bucket names
	bucketEndpoints    = []byte("endpoints")
	bucketPools        = []byte("pools")
	bucketStates       = []byte("package_states")
	bucketRepositories = []byte("repositories")
	bucketOperations   = []byte("sync_operations")
)

// BoltStore implements Store using an embedded BoltDB file. Reads run as
// concurrent snapshot transactions; writes serialize on BoltDB's single
// writer, which gives us the compound-operation atomicity the Store
// contract requires for free.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pacsync.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEndpoints,
			bucketPools,
			bucketStates,
			bucketRepositories,
			bucketOperations,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still usable
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEndpoints) == nil {
			return errdefs.Persistence(nil, "endpoints bucket missing")
		}
		return nil
	})
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Endpoint operations

func (s *BoltStore) CreateEndpoint(ctx context.Context, endpoint *types.Endpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		if err := b.ForEach(func(k, v []byte) error {
			var existing types.Endpoint
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == endpoint.Name && existing.Hostname == endpoint.Hostname {
				return errdefs.Conflict("endpoint %s already registered", existing.Identity())
			}
			return nil
		}); err != nil {
			return err
		}
		return putJSON(b, endpoint.ID, endpoint)
	})
}

func (s *BoltStore) GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	var endpoint types.Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEndpoints).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("endpoint not found: %s", id)
		}
		return json.Unmarshal(data, &endpoint)
	})
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func (s *BoltStore) GetEndpointByIdentity(ctx context.Context, name, hostname string) (*types.Endpoint, error) {
	var found *types.Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEndpoints).ForEach(func(k, v []byte) error {
			var endpoint types.Endpoint
			if err := json.Unmarshal(v, &endpoint); err != nil {
				return err
			}
			if endpoint.Name == name && endpoint.Hostname == hostname {
				found = &endpoint
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("endpoint not found: %s@%s", name, hostname)
	}
	return found, nil
}

func (s *BoltStore) ListEndpoints(ctx context.Context) ([]*types.Endpoint, error) {
	var endpoints []*types.Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEndpoints).ForEach(func(k, v []byte) error {
			var endpoint types.Endpoint
			if err := json.Unmarshal(v, &endpoint); err != nil {
				return err
			}
			endpoints = append(endpoints, &endpoint)
			return nil
		})
	})
	return endpoints, err
}

func (s *BoltStore) ListEndpointsByPool(ctx context.Context, poolID string) ([]*types.Endpoint, error) {
	all, err := s.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	var filtered []*types.Endpoint
	for _, e := range all {
		if e.PoolID == poolID {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateEndpoint(ctx context.Context, endpoint *types.Endpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		if b.Get([]byte(endpoint.ID)) == nil {
			return errdefs.NotFound("endpoint not found: %s", endpoint.ID)
		}
		return putJSON(b, endpoint.ID, endpoint)
	})
}

func (s *BoltStore) TouchEndpoint(ctx context.Context, id string, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("endpoint not found: %s", id)
		}
		var endpoint types.Endpoint
		if err := json.Unmarshal(data, &endpoint); err != nil {
			return err
		}
		// Monotonic guard: never move last_seen backwards
		if !ts.After(endpoint.LastSeen) {
			return nil
		}
		endpoint.LastSeen = ts
		endpoint.UpdatedAt = time.Now().UTC()
		return putJSON(b, id, &endpoint)
	})
}

func (s *BoltStore) DeleteEndpoint(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEndpoints)
		data := eb.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("endpoint not found: %s", id)
		}
		var endpoint types.Endpoint
		if err := json.Unmarshal(data, &endpoint); err != nil {
			return err
		}

		// Drop repository records first
		rb := tx.Bucket(bucketRepositories)
		c := rb.Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := rb.Delete(k); err != nil {
				return err
			}
		}

		// Clear the dangling membership link on the pool side
		if endpoint.PoolID != "" {
			pb := tx.Bucket(bucketPools)
			if pdata := pb.Get([]byte(endpoint.PoolID)); pdata != nil {
				var pool types.Pool
				if err := json.Unmarshal(pdata, &pool); err != nil {
					return err
				}
				pool.EndpointIDs = removeString(pool.EndpointIDs, id)
				pool.UpdatedAt = time.Now().UTC()
				if err := putJSON(pb, pool.ID, &pool); err != nil {
					return err
				}
			}
		}

		return eb.Delete([]byte(id))
	})
}

// Pool operations

func (s *BoltStore) CreatePool(ctx context.Context, pool *types.Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		if err := b.ForEach(func(k, v []byte) error {
			var existing types.Pool
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == pool.Name {
				return errdefs.Conflict("pool name already in use: %s", pool.Name)
			}
			return nil
		}); err != nil {
			return err
		}
		return putJSON(b, pool.ID, pool)
	})
}

func (s *BoltStore) GetPool(ctx context.Context, id string) (*types.Pool, error) {
	var pool types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPools).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("pool not found: %s", id)
		}
		return json.Unmarshal(data, &pool)
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) GetPoolByName(ctx context.Context, name string) (*types.Pool, error) {
	var found *types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			if pool.Name == name {
				found = &pool
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("pool not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListPools(ctx context.Context) ([]*types.Pool, error) {
	var pools []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			pools = append(pools, &pool)
			return nil
		})
	})
	return pools, err
}

func (s *BoltStore) UpdatePool(ctx context.Context, pool *types.Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		if b.Get([]byte(pool.ID)) == nil {
			return errdefs.NotFound("pool not found: %s", pool.ID)
		}
		// Name uniqueness against other pools
		if err := b.ForEach(func(k, v []byte) error {
			if string(k) == pool.ID {
				return nil
			}
			var existing types.Pool
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == pool.Name {
				return errdefs.Conflict("pool name already in use: %s", pool.Name)
			}
			return nil
		}); err != nil {
			return err
		}
		return putJSON(b, pool.ID, pool)
	})
}

func (s *BoltStore) DeletePool(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		if b.Get([]byte(id)) == nil {
			return errdefs.NotFound("pool not found: %s", id)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) AssignEndpoint(ctx context.Context, endpointID, poolID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEndpoints)
		pb := tx.Bucket(bucketPools)

		edata := eb.Get([]byte(endpointID))
		if edata == nil {
			return errdefs.NotFound("endpoint not found: %s", endpointID)
		}
		var endpoint types.Endpoint
		if err := json.Unmarshal(edata, &endpoint); err != nil {
			return err
		}

		pdata := pb.Get([]byte(poolID))
		if pdata == nil {
			return errdefs.NotFound("pool not found: %s", poolID)
		}
		var pool types.Pool
		if err := json.Unmarshal(pdata, &pool); err != nil {
			return err
		}

		now := time.Now().UTC()

		// Release previous membership
		if endpoint.PoolID != "" && endpoint.PoolID != poolID {
			if prevData := pb.Get([]byte(endpoint.PoolID)); prevData != nil {
				var prev types.Pool
				if err := json.Unmarshal(prevData, &prev); err != nil {
					return err
				}
				prev.EndpointIDs = removeString(prev.EndpointIDs, endpointID)
				prev.UpdatedAt = now
				if err := putJSON(pb, prev.ID, &prev); err != nil {
					return err
				}
			}
		}

		endpoint.PoolID = poolID
		endpoint.UpdatedAt = now
		if !pool.HasEndpoint(endpointID) {
			pool.EndpointIDs = append(pool.EndpointIDs, endpointID)
		}
		pool.UpdatedAt = now

		if err := putJSON(eb, endpointID, &endpoint); err != nil {
			return err
		}
		return putJSON(pb, poolID, &pool)
	})
}

func (s *BoltStore) UnassignEndpoint(ctx context.Context, endpointID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEndpoints)
		edata := eb.Get([]byte(endpointID))
		if edata == nil {
			return errdefs.NotFound("endpoint not found: %s", endpointID)
		}
		var endpoint types.Endpoint
		if err := json.Unmarshal(edata, &endpoint); err != nil {
			return err
		}
		if endpoint.PoolID == "" {
			return nil
		}

		now := time.Now().UTC()
		pb := tx.Bucket(bucketPools)
		if pdata := pb.Get([]byte(endpoint.PoolID)); pdata != nil {
			var pool types.Pool
			if err := json.Unmarshal(pdata, &pool); err != nil {
				return err
			}
			pool.EndpointIDs = removeString(pool.EndpointIDs, endpointID)
			pool.UpdatedAt = now
			if err := putJSON(pb, pool.ID, &pool); err != nil {
				return err
			}
		}

		endpoint.PoolID = ""
		endpoint.UpdatedAt = now
		return putJSON(eb, endpointID, &endpoint)
	})
}

func (s *BoltStore) SetPoolTarget(ctx context.Context, poolID, stateID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPools)
		pdata := pb.Get([]byte(poolID))
		if pdata == nil {
			return errdefs.NotFound("pool not found: %s", poolID)
		}
		sdata := tx.Bucket(bucketStates).Get([]byte(stateID))
		if sdata == nil {
			return errdefs.NotFound("state not found: %s", stateID)
		}
		var state types.SystemState
		if err := json.Unmarshal(sdata, &state); err != nil {
			return err
		}
		var pool types.Pool
		if err := json.Unmarshal(pdata, &pool); err != nil {
			return err
		}
		// Only a member's snapshot can become the pool target
		member := false
		for _, id := range pool.EndpointIDs {
			if id == state.EndpointID {
				member = true
				break
			}
		}
		if !member {
			return errdefs.Validation("state %s belongs to endpoint %s which is not a member of pool %s", stateID, state.EndpointID, poolID)
		}
		pool.TargetStateID = stateID
		pool.UpdatedAt = time.Now().UTC()
		return putJSON(pb, poolID, &pool)
	})
}

// State operations (append-only)

func (s *BoltStore) SaveState(ctx context.Context, state *types.SystemState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b.Get([]byte(state.ID)) != nil {
			return errdefs.Conflict("state already exists: %s", state.ID)
		}
		return putJSON(b, state.ID, state)
	})
}

func (s *BoltStore) GetState(ctx context.Context, id string) (*types.SystemState, error) {
	var state types.SystemState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStates).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("state not found: %s", id)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) ListEndpointStates(ctx context.Context, endpointID string, limit int) ([]*types.SystemState, error) {
	var states []*types.SystemState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			var state types.SystemState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.EndpointID == endpointID {
				states = append(states, &state)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Timestamp.After(states[j].Timestamp)
	})
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	return states, nil
}

func (s *BoltStore) PruneEndpointStates(ctx context.Context, endpointID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		// Collect target references so they survive pruning
		targets := make(map[string]bool)
		if err := tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			if pool.TargetStateID != "" {
				targets[pool.TargetStateID] = true
			}
			return nil
		}); err != nil {
			return err
		}

		b := tx.Bucket(bucketStates)
		var states []*types.SystemState
		if err := b.ForEach(func(k, v []byte) error {
			var state types.SystemState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.EndpointID == endpointID {
				states = append(states, &state)
			}
			return nil
		}); err != nil {
			return err
		}
		sort.Slice(states, func(i, j int) bool {
			return states[i].Timestamp.After(states[j].Timestamp)
		})
		for i, state := range states {
			if i < keep || targets[state.ID] {
				continue
			}
			if err := b.Delete([]byte(state.ID)); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// Repository operations

func repoKey(endpointID, repoName string) []byte {
	return []byte(endpointID + "/" + repoName)
}

func (s *BoltStore) ReplaceEndpointRepositories(ctx context.Context, endpointID string, repos []*types.Repository) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEndpoints).Get([]byte(endpointID)) == nil {
			return errdefs.NotFound("endpoint not found: %s", endpointID)
		}
		b := tx.Bucket(bucketRepositories)

		// Full replacement: drop everything the endpoint had
		c := b.Cursor()
		prefix := []byte(endpointID + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		for _, repo := range repos {
			data, err := json.Marshal(repo)
			if err != nil {
				return err
			}
			if err := b.Put(repoKey(endpointID, repo.RepoName), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListEndpointRepositories(ctx context.Context, endpointID string) ([]*types.Repository, error) {
	var repos []*types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRepositories).Cursor()
		prefix := []byte(endpointID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var repo types.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
		}
		return nil
	})
	return repos, err
}

// Operation records

func (s *BoltStore) CreateOperation(ctx context.Context, op *types.SyncOperation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketOperations), op.ID, op)
	})
}

func (s *BoltStore) GetOperation(ctx context.Context, id string) (*types.SyncOperation, error) {
	var op types.SyncOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOperations).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("operation not found: %s", id)
		}
		return json.Unmarshal(data, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *BoltStore) UpdateOperation(ctx context.Context, op *types.SyncOperation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		data := b.Get([]byte(op.ID))
		if data == nil {
			return errdefs.NotFound("operation not found: %s", op.ID)
		}
		var existing types.SyncOperation
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		// Status transitions are monotonic; terminal records never change
		if existing.Status.Terminal() && existing.Status != op.Status {
			return errdefs.Conflict("operation %s already %s", op.ID, existing.Status)
		}
		return putJSON(b, op.ID, op)
	})
}

func (s *BoltStore) listOperations(filter func(*types.SyncOperation) bool, limit int) ([]*types.SyncOperation, error) {
	var ops []*types.SyncOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			var op types.SyncOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if filter(&op) {
				ops = append(ops, &op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].CreatedAt.After(ops[j].CreatedAt)
	})
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

func (s *BoltStore) ListEndpointOperations(ctx context.Context, endpointID string, limit int) ([]*types.SyncOperation, error) {
	return s.listOperations(func(op *types.SyncOperation) bool {
		return op.EndpointID == endpointID
	}, limit)
}

func (s *BoltStore) ListPoolOperations(ctx context.Context, poolID string, limit int) ([]*types.SyncOperation, error) {
	return s.listOperations(func(op *types.SyncOperation) bool {
		return op.PoolID == poolID
	}, limit)
}

func (s *BoltStore) ListOperationsByStatus(ctx context.Context, status types.OperationStatus) ([]*types.SyncOperation, error) {
	return s.listOperations(func(op *types.SyncOperation) bool {
		return op.Status == status
	}, 0)
}

func (s *BoltStore) DeleteTerminalOperationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var op types.SyncOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status.Terminal() && op.CreatedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, item := range s {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
