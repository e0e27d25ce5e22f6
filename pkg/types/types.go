package types

import (
	"time"
)

// Endpoint represents a managed machine registered with the coordinator
type Endpoint struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hostname   string     `json:"hostname"`
	PoolID     string     `json:"pool_id,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
	LastSeen   time.Time  `json:"last_seen"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Identity returns the canonical human-readable identity of an endpoint
func (e *Endpoint) Identity() string {
	return e.Name + "@" + e.Hostname
}

// SyncStatus is the endpoint-reported convergence state
type SyncStatus string

const (
	SyncStatusInSync  SyncStatus = "in_sync"
	SyncStatusAhead   SyncStatus = "ahead"
	SyncStatusBehind  SyncStatus = "behind"
	SyncStatusOffline SyncStatus = "offline"
)

// ValidSyncStatus reports whether s is a member of the sync status enum
func ValidSyncStatus(s SyncStatus) bool {
	switch s {
	case SyncStatusInSync, SyncStatusAhead, SyncStatusBehind, SyncStatusOffline:
		return true
	}
	return false
}

// Pool is a named group of endpoints sharing a sync policy and target state
type Pool struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	EndpointIDs   []string   `json:"endpoint_ids"`
	TargetStateID string     `json:"target_state_id,omitempty"`
	SyncPolicy    SyncPolicy `json:"sync_policy"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasEndpoint reports whether the pool currently lists the endpoint as a member
func (p *Pool) HasEndpoint(endpointID string) bool {
	for _, id := range p.EndpointIDs {
		if id == endpointID {
			return true
		}
	}
	return false
}

// SyncPolicy controls how a pool's members converge
type SyncPolicy struct {
	AutoSync           bool               `json:"auto_sync"`
	ExcludePackages    []string           `json:"exclude_packages"`
	IncludeAUR         bool               `json:"include_aur"`
	ConflictResolution ConflictResolution `json:"conflict_resolution"`
}

// ConflictResolution selects how cross-endpoint version conflicts are resolved
type ConflictResolution string

const (
	ConflictManual ConflictResolution = "manual"
	ConflictNewest ConflictResolution = "newest"
	ConflictOldest ConflictResolution = "oldest"
)

// ValidConflictResolution reports whether c is a member of the enum
func ValidConflictResolution(c ConflictResolution) bool {
	switch c {
	case ConflictManual, ConflictNewest, ConflictOldest:
		return true
	}
	return false
}

// PackageState describes one installed package within a SystemState
type PackageState struct {
	PackageName   string   `json:"package_name"`
	Version       string   `json:"version"`
	Repository    string   `json:"repository"`
	InstalledSize int64    `json:"installed_size"`
	Dependencies  []string `json:"dependencies,omitempty"`
}

// SystemState is an immutable capture of an endpoint's installed-package set
type SystemState struct {
	ID            string         `json:"id"`
	EndpointID    string         `json:"endpoint_id"`
	Timestamp     time.Time      `json:"timestamp"`
	PacmanVersion string         `json:"pacman_version"`
	Architecture  string         `json:"architecture"`
	Packages      []PackageState `json:"packages"`
}

// Repository is an endpoint's view of one named package repository
type Repository struct {
	ID          string              `json:"id"`
	EndpointID  string              `json:"endpoint_id"`
	RepoName    string              `json:"repo_name"`
	PrimaryURL  string              `json:"primary_url"`
	Mirrors     []string            `json:"mirrors,omitempty"`
	Packages    []RepositoryPackage `json:"packages,omitempty"`
	LastUpdated time.Time           `json:"last_updated"`
}

// RepositoryPackage describes one package available from a repository
type RepositoryPackage struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Repository   string `json:"repository"`
	Architecture string `json:"architecture"`
	Description  string `json:"description,omitempty"`
}

// OperationType identifies the kind of sync directive
type OperationType string

const (
	OperationSync      OperationType = "sync"
	OperationSetLatest OperationType = "set_latest"
	OperationRevert    OperationType = "revert"
)

// ValidOperationType reports whether t is a member of the enum
func ValidOperationType(t OperationType) bool {
	switch t {
	case OperationSync, OperationSetLatest, OperationRevert:
		return true
	}
	return false
}

// OperationStatus tracks an operation through its state machine
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// SyncOperation is a directive tracked through the coordinator's state machine
type SyncOperation struct {
	ID           string            `json:"id"`
	PoolID       string            `json:"pool_id"`
	EndpointID   string            `json:"endpoint_id"`
	Type         OperationType     `json:"type"`
	Status       OperationStatus   `json:"status"`
	Details      map[string]string `json:"details,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	CompletedAt  time.Time         `json:"completed_at,omitzero"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// OperationProgress is an endpoint-reported progress update for an operation
type OperationProgress struct {
	Stage         string `json:"stage"`
	Percentage    int    `json:"percentage"`
	CurrentAction string `json:"current_action,omitempty"`
}

// PackageConflict records a package available at differing versions on two
// or more endpoints of the same pool
type PackageConflict struct {
	PackageName         string            `json:"package_name"`
	EndpointVersions    map[string]string `json:"endpoint_versions"`
	SuggestedResolution string            `json:"suggested_resolution,omitempty"`
}

// CompatibilityAnalysis is the derived cross-endpoint view for a pool
type CompatibilityAnalysis struct {
	PoolID           string            `json:"pool_id"`
	CommonPackages   []string          `json:"common_packages"`
	ExcludedPackages []string          `json:"excluded_packages"`
	Conflicts        []PackageConflict `json:"conflicts"`
	LastAnalyzed     time.Time         `json:"last_analyzed"`
}

// AvailabilityMatrix maps package name -> endpoint id -> version.
// A missing endpoint entry means the package is unavailable there.
type AvailabilityMatrix map[string]map[string]string

// PoolStatusOverall summarizes a pool's rollup convergence state
type PoolStatusOverall string

const (
	PoolStatusEmpty           PoolStatusOverall = "empty"
	PoolStatusFullySynced     PoolStatusOverall = "fully_synced"
	PoolStatusPartiallySynced PoolStatusOverall = "partially_synced"
	PoolStatusOutOfSync       PoolStatusOverall = "out_of_sync"
	PoolStatusAllOffline      PoolStatusOverall = "all_offline"
)

// PoolStatus is the read-only rollup returned by the pool manager
type PoolStatus struct {
	PoolID         string             `json:"pool_id"`
	Overall        PoolStatusOverall  `json:"overall"`
	TotalEndpoints int                `json:"total_endpoints"`
	StatusCounts   map[SyncStatus]int `json:"status_counts"`
	SyncPercentage float64            `json:"sync_percentage"`
}

// DerivedSyncState is the package-sync view computed by diffing an
// endpoint's latest state against its pool target. It is deliberately a
// separate vocabulary from the endpoint-reported SyncStatus.
type DerivedSyncState string

const (
	DerivedInSync   DerivedSyncState = "in_sync"
	DerivedAhead    DerivedSyncState = "ahead"
	DerivedBehind   DerivedSyncState = "behind"
	DerivedNoTarget DerivedSyncState = "no_target"
	DerivedNoState  DerivedSyncState = "no_state"
)

// PackageDelta is the install/remove/upgrade plan for one endpoint
type PackageDelta struct {
	EndpointID string           `json:"endpoint_id"`
	State      DerivedSyncState `json:"state"`
	Install    []PackageState   `json:"install"`
	Remove     []PackageState   `json:"remove"`
	Upgrade    []PackageState   `json:"upgrade"`
	Excluded   []string         `json:"excluded,omitempty"`
}

// Event is a coordinator event delivered on an endpoint's channel
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	EndpointID string            `json:"endpoint_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Data       map[string]string `json:"data,omitempty"`
}

// EventType identifies coordinator events
type EventType string

const (
	EventOperationStarted   EventType = "operation_started"
	EventOperationProgress  EventType = "operation_progress"
	EventOperationCompleted EventType = "operation_completed"
	EventOperationFailed    EventType = "operation_failed"
	EventOperationCancelled EventType = "operation_cancelled"
)
