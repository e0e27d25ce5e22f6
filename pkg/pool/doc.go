// Package pool manages named endpoint groups and their sync policies. A
// pool carries the shared target state every member converges toward and
// a policy controlling exclusions and conflict resolution. The manager
// also computes the rollup status view used by dashboards and the CLI.
package pool
