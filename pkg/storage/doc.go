/*
Package storage provides durable persistence for coordinator state behind
the Store interface, with two interchangeable backends.

# Backends

BoltStore (database.type = internal) keeps everything in a single embedded
BoltDB file with one bucket per entity:

	endpoints        endpoint records, keyed by id
	pools            pool records (membership list embedded), keyed by id
	package_states   immutable system-state snapshots, keyed by id
	repositories     repository descriptors, keyed by "<endpoint_id>/<repo_name>"
	sync_operations  operation records, keyed by id

Values are JSON. Reads run as concurrent snapshot transactions (db.View);
writes serialize on BoltDB's single writer (db.Update), which also makes
compound operations (pool assignment, cascading endpoint deletion,
repository replacement) atomic without extra machinery.

PostgresStore (database.type = postgresql) runs on a pgx connection pool
with min/max sizing from configuration. Pool membership is the endpoints
side of the link (endpoints.pool_id); GetPool materializes EndpointIDs from
it. JSON payload columns hold sync_policy, state_data, repository mirrors
and packages, and operation details. Compound operations use explicit
transactions with automatic rollback; operation status transitions take a
row lock so the terminal-state guard holds under concurrency.

# Migrations

The relational schema is created and evolved by ordered, numbered SQL
migrations embedded in the binary and applied through goose on startup,
tracked in the schema_migrations table. VerifySchema compares the database
version against the newest known migration; the readiness probe refuses
traffic on skew. The embedded backend creates its buckets on open and needs
no versioning.

# Error Mapping

Backends translate their native failures into the errdefs taxonomy:
missing rows become not_found, unique violations become conflict, and
anything else becomes persistence with operation context attached. Upper
layers never inspect driver errors.
*/
package storage
