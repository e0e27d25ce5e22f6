/*
Package types defines the shared entity model for the pacsync coordinator.

Every component exchanges these types: endpoints, pools and their sync
policies, immutable system-state snapshots, repository descriptors, sync
operations and the derived compatibility views. The package holds data
definitions and cheap helpers only; behavior lives in the owning component
packages (pkg/endpoint, pkg/pool, pkg/state, pkg/syncer, pkg/analyzer).

# Entity Relationships

	Pool 1 ──── n Endpoint          (Endpoint.PoolID / Pool.EndpointIDs)
	Endpoint 1 ─ n SystemState      (append-only history)
	Endpoint 1 ─ n Repository       (upsert keyed on repo name)
	Pool.TargetStateID ─▶ SystemState
	SyncOperation ─▶ (Pool, Endpoint)

Invariants the rest of the code relies on:

  - An endpoint belongs to at most one pool.
  - SystemStates are immutable once stored; history is never rewritten.
  - Operation statuses only move forward: pending → in_progress →
    completed|failed. Terminal() gates every transition.
  - Endpoint (name, hostname) pairs and pool names are unique.

# Status Vocabularies

Two deliberately separate vocabularies exist. SyncStatus is what the
endpoint itself reports (in_sync, ahead, behind, offline) and is stored on
the Endpoint record. DerivedSyncState is computed server-side by diffing
the endpoint's latest snapshot against the pool target and is returned by
the package-sync helpers; it is never written back to the endpoint.
*/
package types
