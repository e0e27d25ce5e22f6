package syncer

import (
	"context"
	"time"

	"github.com/SCSIExpress/pacsync/pkg/endpoint"
	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/metrics"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// Janitor defaults
const (
	defaultSweepInterval    = 5 * time.Minute
	defaultOpRetention      = 7 * 24 * time.Hour
	defaultStatesPerHistory = 20
	defaultOfflineAfter     = 15 * time.Minute
)

// Janitor is the background housekeeping loop: it expires old terminal
// operations, trims state histories, and marks silent endpoints offline.
// It runs only when the auto_cleanup feature is enabled.
type Janitor struct {
	store     storage.Store
	endpoints *endpoint.Manager

	Interval     time.Duration
	OpRetention  time.Duration
	KeepStates   int
	OfflineAfter time.Duration
}

// NewJanitor creates a janitor with default budgets
func NewJanitor(store storage.Store, endpoints *endpoint.Manager) *Janitor {
	return &Janitor{
		store:        store,
		endpoints:    endpoints,
		Interval:     defaultSweepInterval,
		OpRetention:  defaultOpRetention,
		KeepStates:   defaultStatesPerHistory,
		OfflineAfter: defaultOfflineAfter,
	}
}

// Run sweeps on a fixed interval until the context is cancelled
func (j *Janitor) Run(ctx context.Context) {
	logger := log.WithComponent("janitor")
	logger.Info().
		Dur("interval", j.Interval).
		Msg("janitor started")

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			logger.Info().Msg("janitor stopped")
			return
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	logger := log.WithComponent("janitor")

	cutoff := time.Now().UTC().Add(-j.OpRetention)
	deleted, err := j.store.DeleteTerminalOperationsBefore(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("operation cleanup failed")
	} else if deleted > 0 {
		logger.Info().Int("deleted", deleted).Msg("expired terminal operations")
	}

	endpoints, err := j.store.ListEndpoints(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("endpoint listing failed")
		return
	}
	for _, ep := range endpoints {
		pruned, err := j.store.PruneEndpointStates(ctx, ep.ID, j.KeepStates)
		if err != nil {
			logger.Error().Err(err).Str("endpoint_id", ep.ID).Msg("state pruning failed")
			continue
		}
		if pruned > 0 {
			logger.Debug().Int("pruned", pruned).Str("endpoint_id", ep.ID).Msg("trimmed state history")
		}
	}

	marked, err := j.endpoints.MarkStaleOffline(ctx, j.OfflineAfter)
	if err != nil {
		logger.Error().Err(err).Msg("offline sweep failed")
	} else if marked > 0 {
		logger.Info().Int("marked", marked).Msg("stale endpoints marked offline")
	}

	j.refreshGauges(ctx)
}

// refreshGauges republishes the fleet gauges from current store contents
func (j *Janitor) refreshGauges(ctx context.Context) {
	endpoints, err := j.store.ListEndpoints(ctx)
	if err == nil {
		counts := map[types.SyncStatus]int{
			types.SyncStatusInSync:  0,
			types.SyncStatusAhead:   0,
			types.SyncStatusBehind:  0,
			types.SyncStatusOffline: 0,
		}
		for _, ep := range endpoints {
			counts[ep.SyncStatus]++
		}
		for status, n := range counts {
			metrics.EndpointsTotal.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	pools, err := j.store.ListPools(ctx)
	if err == nil {
		metrics.PoolsTotal.Set(float64(len(pools)))
	}
}
