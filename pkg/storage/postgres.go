package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures
const uniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool. Row-level locks
// serialize writers per row; compound operations run in explicit
// transactions with automatic rollback on error.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresConfig carries pool sizing for the relational backend
type PostgresConfig struct {
	URL         string
	PoolMinSize int
	PoolMaxSize int
}

// NewPostgresStore connects to PostgreSQL and applies pending migrations
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.PoolMinSize > 0 {
		poolCfg.MinConns = int32(cfg.PoolMinSize)
	}
	if cfg.PoolMaxSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolMaxSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies database connectivity and that the schema is current
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errdefs.Persistence(err, "database unreachable")
	}
	if err := VerifySchema(ctx, s.pool); err != nil {
		return err
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errdefs.Persistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errdefs.Persistence(err, "commit transaction")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Endpoint operations

const endpointColumns = `id, name, hostname, pool_id, sync_status, last_seen, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*types.Endpoint, error) {
	var e types.Endpoint
	var poolID *string
	err := row.Scan(&e.ID, &e.Name, &e.Hostname, &poolID, &e.SyncStatus, &e.LastSeen, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errdefs.NotFound("endpoint not found")
		}
		return nil, errdefs.Persistence(err, "scan endpoint")
	}
	if poolID != nil {
		e.PoolID = *poolID
	}
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) CreateEndpoint(ctx context.Context, endpoint *types.Endpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO endpoints (id, name, hostname, pool_id, sync_status, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		endpoint.ID, endpoint.Name, endpoint.Hostname, nullable(endpoint.PoolID),
		endpoint.SyncStatus, endpoint.LastSeen, endpoint.CreatedAt, endpoint.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Conflict("endpoint %s@%s already registered", endpoint.Name, endpoint.Hostname)
		}
		return errdefs.Persistence(err, "create endpoint")
	}
	return nil
}

func (s *PostgresStore) GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, id)
	e, err := scanEndpoint(row)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.NotFound("endpoint not found: %s", id)
		}
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) GetEndpointByIdentity(ctx context.Context, name, hostname string) (*types.Endpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE name = $1 AND hostname = $2`, name, hostname)
	e, err := scanEndpoint(row)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.NotFound("endpoint not found: %s@%s", name, hostname)
		}
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) queryEndpoints(ctx context.Context, query string, args ...any) ([]*types.Endpoint, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Persistence(err, "query endpoints")
	}
	defer rows.Close()

	var endpoints []*types.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Persistence(err, "iterate endpoints")
	}
	return endpoints, nil
}

func (s *PostgresStore) ListEndpoints(ctx context.Context) ([]*types.Endpoint, error) {
	return s.queryEndpoints(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY created_at`)
}

func (s *PostgresStore) ListEndpointsByPool(ctx context.Context, poolID string) ([]*types.Endpoint, error) {
	return s.queryEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE pool_id = $1 ORDER BY created_at`, poolID)
}

func (s *PostgresStore) UpdateEndpoint(ctx context.Context, endpoint *types.Endpoint) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE endpoints
		SET name = $2, hostname = $3, pool_id = $4, sync_status = $5,
		    last_seen = $6, updated_at = $7
		WHERE id = $1`,
		endpoint.ID, endpoint.Name, endpoint.Hostname, nullable(endpoint.PoolID),
		endpoint.SyncStatus, endpoint.LastSeen, endpoint.UpdatedAt)
	if err != nil {
		return errdefs.Persistence(err, "update endpoint")
	}
	if tag.RowsAffected() == 0 {
		return errdefs.NotFound("endpoint not found: %s", endpoint.ID)
	}
	return nil
}

func (s *PostgresStore) TouchEndpoint(ctx context.Context, id string, ts time.Time) error {
	// GREATEST keeps last_seen monotonic under concurrent touches
	tag, err := s.pool.Exec(ctx, `
		UPDATE endpoints
		SET last_seen = GREATEST(last_seen, $2), updated_at = now()
		WHERE id = $1`, id, ts)
	if err != nil {
		return errdefs.Persistence(err, "touch endpoint")
	}
	if tag.RowsAffected() == 0 {
		return errdefs.NotFound("endpoint not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteEndpoint(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM repositories WHERE endpoint_id = $1`, id); err != nil {
			return errdefs.Persistence(err, "delete endpoint repositories")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
		if err != nil {
			return errdefs.Persistence(err, "delete endpoint")
		}
		if tag.RowsAffected() == 0 {
			return errdefs.NotFound("endpoint not found: %s", id)
		}
		return nil
	})
}

// Pool operations

func scanPool(row pgx.Row) (*types.Pool, error) {
	var p types.Pool
	var targetStateID *string
	var policy []byte
	err := row.Scan(&p.ID, &p.Name, &p.Description, &targetStateID, &policy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errdefs.NotFound("pool not found")
		}
		return nil, errdefs.Persistence(err, "scan pool")
	}
	if targetStateID != nil {
		p.TargetStateID = *targetStateID
	}
	if err := json.Unmarshal(policy, &p.SyncPolicy); err != nil {
		return nil, errdefs.Persistence(err, "decode sync policy")
	}
	return &p, nil
}

const poolColumns = `id, name, description, target_state_id, sync_policy, created_at, updated_at`

// loadPoolMembers fills EndpointIDs from the membership side of the link
func (s *PostgresStore) loadPoolMembers(ctx context.Context, pools ...*types.Pool) error {
	for _, p := range pools {
		rows, err := s.pool.Query(ctx,
			`SELECT id FROM endpoints WHERE pool_id = $1 ORDER BY created_at`, p.ID)
		if err != nil {
			return errdefs.Persistence(err, "query pool members")
		}
		ids := []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errdefs.Persistence(err, "scan pool member")
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errdefs.Persistence(err, "iterate pool members")
		}
		p.EndpointIDs = ids
	}
	return nil
}

func (s *PostgresStore) CreatePool(ctx context.Context, pool *types.Pool) error {
	policy, err := json.Marshal(pool.SyncPolicy)
	if err != nil {
		return errdefs.Persistence(err, "encode sync policy")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pools (id, name, description, target_state_id, sync_policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pool.ID, pool.Name, pool.Description, nullable(pool.TargetStateID),
		policy, pool.CreatedAt, pool.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Conflict("pool name already in use: %s", pool.Name)
		}
		return errdefs.Persistence(err, "create pool")
	}
	return nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*types.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)
	p, err := scanPool(row)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.NotFound("pool not found: %s", id)
		}
		return nil, err
	}
	if err := s.loadPoolMembers(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) GetPoolByName(ctx context.Context, name string) (*types.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE name = $1`, name)
	p, err := scanPool(row)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.NotFound("pool not found: %s", name)
		}
		return nil, err
	}
	if err := s.loadPoolMembers(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]*types.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY name`)
	if err != nil {
		return nil, errdefs.Persistence(err, "query pools")
	}
	defer rows.Close()

	var pools []*types.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Persistence(err, "iterate pools")
	}
	if err := s.loadPoolMembers(ctx, pools...); err != nil {
		return nil, err
	}
	return pools, nil
}

func (s *PostgresStore) UpdatePool(ctx context.Context, pool *types.Pool) error {
	policy, err := json.Marshal(pool.SyncPolicy)
	if err != nil {
		return errdefs.Persistence(err, "encode sync policy")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pools
		SET name = $2, description = $3, target_state_id = $4, sync_policy = $5, updated_at = $6
		WHERE id = $1`,
		pool.ID, pool.Name, pool.Description, nullable(pool.TargetStateID), policy, pool.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Conflict("pool name already in use: %s", pool.Name)
		}
		return errdefs.Persistence(err, "update pool")
	}
	if tag.RowsAffected() == 0 {
		return errdefs.NotFound("pool not found: %s", pool.ID)
	}
	return nil
}

func (s *PostgresStore) DeletePool(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pools WHERE id = $1`, id)
	if err != nil {
		return errdefs.Persistence(err, "delete pool")
	}
	if tag.RowsAffected() == 0 {
		return errdefs.NotFound("pool not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) AssignEndpoint(ctx context.Context, endpointID, poolID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pools WHERE id = $1)`, poolID).Scan(&exists); err != nil {
			return errdefs.Persistence(err, "check pool")
		}
		if !exists {
			return errdefs.NotFound("pool not found: %s", poolID)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE endpoints SET pool_id = $2, updated_at = now() WHERE id = $1`, endpointID, poolID)
		if err != nil {
			return errdefs.Persistence(err, "assign endpoint")
		}
		if tag.RowsAffected() == 0 {
			return errdefs.NotFound("endpoint not found: %s", endpointID)
		}
		return nil
	})
}

func (s *PostgresStore) UnassignEndpoint(ctx context.Context, endpointID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE endpoints SET pool_id = NULL, updated_at = now() WHERE id = $1`, endpointID)
	if err != nil {
		return errdefs.Persistence(err, "unassign endpoint")
	}
	if tag.RowsAffected() == 0 {
		return errdefs.NotFound("endpoint not found: %s", endpointID)
	}
	return nil
}

func (s *PostgresStore) SetPoolTarget(ctx context.Context, poolID, stateID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM package_states WHERE id = $1)`, stateID).Scan(&exists); err != nil {
			return errdefs.Persistence(err, "check state")
		}
		if !exists {
			return errdefs.NotFound("state not found: %s", stateID)
		}
		// Only a member's snapshot can become the pool target
		var member bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM package_states ps
				JOIN endpoints e ON e.id = ps.endpoint_id
				WHERE ps.id = $1 AND e.pool_id = $2)`, stateID, poolID).Scan(&member); err != nil {
			return errdefs.Persistence(err, "check state membership")
		}
		if !member {
			return errdefs.Validation("state %s does not belong to a member of pool %s", stateID, poolID)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE pools SET target_state_id = $2, updated_at = now() WHERE id = $1`, poolID, stateID)
		if err != nil {
			return errdefs.Persistence(err, "set pool target")
		}
		if tag.RowsAffected() == 0 {
			return errdefs.NotFound("pool not found: %s", poolID)
		}
		return nil
	})
}

// State operations

func (s *PostgresStore) SaveState(ctx context.Context, state *types.SystemState) error {
	packages, err := json.Marshal(state.Packages)
	if err != nil {
		return errdefs.Persistence(err, "encode state packages")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO package_states (id, endpoint_id, captured_at, pacman_version, architecture, state_data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		state.ID, state.EndpointID, state.Timestamp, state.PacmanVersion, state.Architecture, packages)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Conflict("state already exists: %s", state.ID)
		}
		return errdefs.Persistence(err, "save state")
	}
	return nil
}

func scanState(row pgx.Row) (*types.SystemState, error) {
	var st types.SystemState
	var packages []byte
	err := row.Scan(&st.ID, &st.EndpointID, &st.Timestamp, &st.PacmanVersion, &st.Architecture, &packages)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errdefs.NotFound("state not found")
		}
		return nil, errdefs.Persistence(err, "scan state")
	}
	if err := json.Unmarshal(packages, &st.Packages); err != nil {
		return nil, errdefs.Persistence(err, "decode state packages")
	}
	return &st, nil
}

const stateColumns = `id, endpoint_id, captured_at, pacman_version, architecture, state_data`

func (s *PostgresStore) GetState(ctx context.Context, id string) (*types.SystemState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM package_states WHERE id = $1`, id)
	st, err := scanState(row)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.NotFound("state not found: %s", id)
		}
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) ListEndpointStates(ctx context.Context, endpointID string, limit int) ([]*types.SystemState, error) {
	query := `SELECT ` + stateColumns + ` FROM package_states WHERE endpoint_id = $1 ORDER BY captured_at DESC`
	args := []any{endpointID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Persistence(err, "query states")
	}
	defer rows.Close()

	var states []*types.SystemState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Persistence(err, "iterate states")
	}
	return states, nil
}

func (s *PostgresStore) PruneEndpointStates(ctx context.Context, endpointID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM package_states
		WHERE endpoint_id = $1
		  AND id NOT IN (
			SELECT id FROM package_states
			WHERE endpoint_id = $1
			ORDER BY captured_at DESC
			LIMIT $2
		  )
		  AND id NOT IN (SELECT target_state_id FROM pools WHERE target_state_id IS NOT NULL)`,
		endpointID, keep)
	if err != nil {
		return 0, errdefs.Persistence(err, "prune states")
	}
	return int(tag.RowsAffected()), nil
}

// Repository operations

func (s *PostgresStore) ReplaceEndpointRepositories(ctx context.Context, endpointID string, repos []*types.Repository) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM endpoints WHERE id = $1)`, endpointID).Scan(&exists); err != nil {
			return errdefs.Persistence(err, "check endpoint")
		}
		if !exists {
			return errdefs.NotFound("endpoint not found: %s", endpointID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM repositories WHERE endpoint_id = $1`, endpointID); err != nil {
			return errdefs.Persistence(err, "clear repositories")
		}

		for _, repo := range repos {
			mirrors, err := json.Marshal(repo.Mirrors)
			if err != nil {
				return errdefs.Persistence(err, "encode mirrors")
			}
			packages, err := json.Marshal(repo.Packages)
			if err != nil {
				return errdefs.Persistence(err, "encode packages")
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO repositories (id, endpoint_id, repo_name, primary_url, mirrors, packages, last_updated)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				repo.ID, endpointID, repo.RepoName, repo.PrimaryURL, mirrors, packages, repo.LastUpdated); err != nil {
				return errdefs.Persistence(err, "insert repository")
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListEndpointRepositories(ctx context.Context, endpointID string) ([]*types.Repository, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, endpoint_id, repo_name, primary_url, mirrors, packages, last_updated
		FROM repositories WHERE endpoint_id = $1 ORDER BY repo_name`, endpointID)
	if err != nil {
		return nil, errdefs.Persistence(err, "query repositories")
	}
	defer rows.Close()

	var repos []*types.Repository
	for rows.Next() {
		var repo types.Repository
		var mirrors, packages []byte
		if err := rows.Scan(&repo.ID, &repo.EndpointID, &repo.RepoName, &repo.PrimaryURL,
			&mirrors, &packages, &repo.LastUpdated); err != nil {
			return nil, errdefs.Persistence(err, "scan repository")
		}
		if err := json.Unmarshal(mirrors, &repo.Mirrors); err != nil {
			return nil, errdefs.Persistence(err, "decode mirrors")
		}
		if err := json.Unmarshal(packages, &repo.Packages); err != nil {
			return nil, errdefs.Persistence(err, "decode packages")
		}
		repos = append(repos, &repo)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Persistence(err, "iterate repositories")
	}
	return repos, nil
}

// Operation records

const operationColumns = `id, pool_id, endpoint_id, type, status, details, created_at, started_at, completed_at, error_message`

func scanOperation(row pgx.Row) (*types.SyncOperation, error) {
	var op types.SyncOperation
	var poolID, errMsg *string
	var details []byte
	var startedAt, completedAt *time.Time
	err := row.Scan(&op.ID, &poolID, &op.EndpointID, &op.Type, &op.Status,
		&details, &op.CreatedAt, &startedAt, &completedAt, &errMsg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errdefs.NotFound("operation not found")
		}
		return nil, errdefs.Persistence(err, "scan operation")
	}
	if poolID != nil {
		op.PoolID = *poolID
	}
	if errMsg != nil {
		op.ErrorMessage = *errMsg
	}
	if startedAt != nil {
		op.StartedAt = *startedAt
	}
	if completedAt != nil {
		op.CompletedAt = *completedAt
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &op.Details); err != nil {
			return nil, errdefs.Persistence(err, "decode operation details")
		}
	}
	return &op, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PostgresStore) CreateOperation(ctx context.Context, op *types.SyncOperation) error {
	details, err := json.Marshal(op.Details)
	if err != nil {
		return errdefs.Persistence(err, "encode operation details")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_operations (id, pool_id, endpoint_id, type, status, details, created_at, started_at, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		op.ID, nullable(op.PoolID), op.EndpointID, op.Type, op.Status, details,
		op.CreatedAt, nullableTime(op.StartedAt), nullableTime(op.CompletedAt), nullable(op.ErrorMessage))
	if err != nil {
		return errdefs.Persistence(err, "create operation")
	}
	return nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, id string) (*types.SyncOperation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE id = $1`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.NotFound("operation not found: %s", id)
		}
		return nil, err
	}
	return op, nil
}

func (s *PostgresStore) UpdateOperation(ctx context.Context, op *types.SyncOperation) error {
	details, err := json.Marshal(op.Details)
	if err != nil {
		return errdefs.Persistence(err, "encode operation details")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Row lock serializes concurrent status transitions
		row := tx.QueryRow(ctx,
			`SELECT status FROM sync_operations WHERE id = $1 FOR UPDATE`, op.ID)
		var current types.OperationStatus
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errdefs.NotFound("operation not found: %s", op.ID)
			}
			return errdefs.Persistence(err, "lock operation")
		}
		if current.Terminal() && current != op.Status {
			return errdefs.Conflict("operation %s already %s", op.ID, current)
		}
		_, err := tx.Exec(ctx, `
			UPDATE sync_operations
			SET status = $2, details = $3, started_at = $4, completed_at = $5, error_message = $6
			WHERE id = $1`,
			op.ID, op.Status, details, nullableTime(op.StartedAt),
			nullableTime(op.CompletedAt), nullable(op.ErrorMessage))
		if err != nil {
			return errdefs.Persistence(err, "update operation")
		}
		return nil
	})
}

func (s *PostgresStore) queryOperations(ctx context.Context, query string, args ...any) ([]*types.SyncOperation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Persistence(err, "query operations")
	}
	defer rows.Close()

	var ops []*types.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Persistence(err, "iterate operations")
	}
	return ops, nil
}

func (s *PostgresStore) ListEndpointOperations(ctx context.Context, endpointID string, limit int) ([]*types.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE endpoint_id = $1 ORDER BY created_at DESC`
	args := []any{endpointID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryOperations(ctx, query, args...)
}

func (s *PostgresStore) ListPoolOperations(ctx context.Context, poolID string, limit int) ([]*types.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE pool_id = $1 ORDER BY created_at DESC`
	args := []any{poolID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryOperations(ctx, query, args...)
}

func (s *PostgresStore) ListOperationsByStatus(ctx context.Context, status types.OperationStatus) ([]*types.SyncOperation, error) {
	return s.queryOperations(ctx,
		`SELECT `+operationColumns+` FROM sync_operations WHERE status = $1 ORDER BY created_at DESC`, status)
}

func (s *PostgresStore) DeleteTerminalOperationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_operations
		WHERE status IN ('completed', 'failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, errdefs.Persistence(err, "prune operations")
	}
	return int(tag.RowsAffected()), nil
}
