// Package analyzer derives cross-endpoint package compatibility for a
// pool from the repository inventories its members submit. It reports
// the packages every member can install at a compatible version, the
// version conflicts between members with a resolution hint per the
// pool's policy, the effective exclusion set, and a full availability
// matrix. Analysis is read-only; results are cached per pool with a
// short TTL and can be recomputed on demand.
package analyzer
