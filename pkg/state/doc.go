// Package state manages the append-only history of system state
// snapshots endpoints submit. Snapshots are immutable once saved; pool
// targets reference them by id, and the delta computation here turns a
// (current, target) pair into the install/remove/upgrade plan endpoints
// execute. History pruning protects snapshots still referenced as a pool
// target.
package state
