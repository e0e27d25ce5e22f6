package analyzer

import (
	"context"
	"sort"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// cacheTTL is how long a computed analysis stays fresh before a read
// triggers recomputation.
const cacheTTL = 5 * time.Minute

// Analyzer computes cross-endpoint package compatibility for pools. The
// computation is side-effect-free; results are cached in memory per pool.
type Analyzer struct {
	store storage.Store

	mu    sync.RWMutex
	cache map[string]*types.CompatibilityAnalysis

	now func() time.Time
}

// NewAnalyzer creates an analyzer on the given store
func NewAnalyzer(store storage.Store) *Analyzer {
	return &Analyzer{
		store: store,
		cache: make(map[string]*types.CompatibilityAnalysis),
		now:   time.Now,
	}
}

// Analyze returns the compatibility analysis for a pool, recomputing when
// the cached result is stale or force is set.
func (a *Analyzer) Analyze(ctx context.Context, poolID string, force bool) (*types.CompatibilityAnalysis, error) {
	if !force {
		a.mu.RLock()
		cached, ok := a.cache[poolID]
		a.mu.RUnlock()
		if ok && a.now().Sub(cached.LastAnalyzed) < cacheTTL {
			return cached, nil
		}
	}

	analysis, err := a.compute(ctx, poolID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[poolID] = analysis
	a.mu.Unlock()
	return analysis, nil
}

// Invalidate drops a pool's cached analysis. Call after membership or
// repository changes that should be visible immediately.
func (a *Analyzer) Invalidate(poolID string) {
	a.mu.Lock()
	delete(a.cache, poolID)
	a.mu.Unlock()
}

// Matrix returns the package availability matrix for a pool: package
// name to endpoint id to version. Endpoints missing a package have no
// entry for it.
func (a *Analyzer) Matrix(ctx context.Context, poolID string) (types.AvailabilityMatrix, error) {
	pool, err := a.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	inventories, err := a.loadInventories(ctx, pool)
	if err != nil {
		return nil, err
	}

	matrix := make(types.AvailabilityMatrix)
	for endpointID, packages := range inventories {
		for name, version := range packages {
			if matrix[name] == nil {
				matrix[name] = make(map[string]string)
			}
			matrix[name][endpointID] = version
		}
	}
	return matrix, nil
}

func (a *Analyzer) compute(ctx context.Context, poolID string) (*types.CompatibilityAnalysis, error) {
	pool, err := a.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	inventories, err := a.loadInventories(ctx, pool)
	if err != nil {
		return nil, err
	}

	analysis := &types.CompatibilityAnalysis{
		PoolID:           pool.ID,
		CommonPackages:   []string{},
		ExcludedPackages: []string{},
		Conflicts:        []types.PackageConflict{},
		LastAnalyzed:     a.now().UTC(),
	}

	// Endpoints that have only submitted mirror lists carry no package
	// inventory and cannot vote on commonality.
	reporting := 0
	versionsByPackage := make(map[string]map[string]string)
	for endpointID, packages := range inventories {
		if len(packages) == 0 {
			continue
		}
		reporting++
		for name, version := range packages {
			if versionsByPackage[name] == nil {
				versionsByPackage[name] = make(map[string]string)
			}
			versionsByPackage[name][endpointID] = version
		}
	}

	excluded := make(map[string]bool)
	for _, name := range pool.SyncPolicy.ExcludePackages {
		excluded[name] = true
	}

	for name, byEndpoint := range versionsByPackage {
		distinct := distinctVersions(byEndpoint)

		if len(byEndpoint) >= 2 && len(distinct) > 1 {
			conflict := types.PackageConflict{
				PackageName:         name,
				EndpointVersions:    byEndpoint,
				SuggestedResolution: suggestResolution(distinct, pool.SyncPolicy.ConflictResolution),
			}
			analysis.Conflicts = append(analysis.Conflicts, conflict)
			if conflict.SuggestedResolution == "" {
				excluded[name] = true
			}
			continue
		}

		if reporting > 0 && len(byEndpoint) == reporting {
			analysis.CommonPackages = append(analysis.CommonPackages, name)
		}
	}

	for name := range excluded {
		analysis.ExcludedPackages = append(analysis.ExcludedPackages, name)
	}

	sort.Strings(analysis.CommonPackages)
	sort.Strings(analysis.ExcludedPackages)
	sort.Slice(analysis.Conflicts, func(i, j int) bool {
		return analysis.Conflicts[i].PackageName < analysis.Conflicts[j].PackageName
	})

	log.WithPoolID(pool.ID).Debug().
		Int("common", len(analysis.CommonPackages)).
		Int("conflicts", len(analysis.Conflicts)).
		Int("endpoints_reporting", reporting).
		Msg("pool compatibility analyzed")
	return analysis, nil
}

// loadInventories builds a package name to version map per member
// endpoint from stored repository records. Repositories are walked in
// name order; the first repository carrying a package wins, matching
// pacman's repository precedence.
func (a *Analyzer) loadInventories(ctx context.Context, pool *types.Pool) (map[string]map[string]string, error) {
	endpoints, err := a.store.ListEndpointsByPool(ctx, pool.ID)
	if err != nil {
		return nil, err
	}

	inventories := make(map[string]map[string]string, len(endpoints))
	for _, ep := range endpoints {
		repos, err := a.store.ListEndpointRepositories(ctx, ep.ID)
		if err != nil {
			return nil, err
		}

		packages := make(map[string]string)
		for _, repo := range repos {
			for _, pkg := range repo.Packages {
				if _, ok := packages[pkg.Name]; !ok {
					packages[pkg.Name] = pkg.Version
				}
			}
		}
		inventories[ep.ID] = packages
	}
	return inventories, nil
}

func distinctVersions(byEndpoint map[string]string) []string {
	seen := make(map[string]bool)
	var versions []string
	for _, v := range byEndpoint {
		if !seen[v] {
			seen[v] = true
			versions = append(versions, v)
		}
	}
	return versions
}

// suggestResolution picks a version per the pool's conflict policy.
// Versions that fail to parse fall back to lexicographic comparison.
// Manual policy yields no suggestion.
func suggestResolution(versions []string, policy types.ConflictResolution) string {
	if policy == types.ConflictManual || len(versions) == 0 {
		return ""
	}

	best := versions[0]
	for _, candidate := range versions[1:] {
		if versionLess(best, candidate) == (policy == types.ConflictNewest) {
			best = candidate
		}
	}
	return best
}

// versionLess reports whether a sorts before b
func versionLess(a, b string) bool {
	va, errA := goversion.NewVersion(a)
	vb, errB := goversion.NewVersion(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return va.LessThan(vb)
}
