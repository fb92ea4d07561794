package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventbroker/internal/metrics"
	"eventbroker/internal/types"
)

// Refresher keeps a Store current by reloading it from a Source.
type Refresher struct {
	store    *Store
	source   Source
	interval time.Duration
	metrics  metrics.Recorder
	logger   *slog.Logger
	clock    types.Clock
}

func NewRefresher(store *Store, source Source, interval time.Duration, rec metrics.Recorder, logger *slog.Logger, clock types.Clock) *Refresher {
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Refresher{
		store:    store,
		source:   source,
		interval: interval,
		metrics:  rec,
		logger:   logger,
		clock:    clock,
	}
}

// Load performs one load and swaps the result in. Startup calls it directly so
// a broken source fails the process before it accepts traffic.
func (r *Refresher) Load(ctx context.Context) error {
	start := r.clock.Now()
	webhooks, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("registry: load from %s: %w", r.source.Name(), err)
	}
	snap := r.store.Swap(webhooks, r.source.Name(), r.clock.Now())

	r.metrics.Count(types.MetricRegistrySize, float64(snap.Len()), metrics.Dim(types.DimSource, snap.Source))
	r.logger.Debug("registry loaded",
		"source", snap.Source,
		"clients", snap.Len(),
		"duration_ms", r.clock.Now().Sub(start).Milliseconds(),
	)
	return nil
}

// Run reloads every interval until ctx is done. A failed reload keeps the
// previous snapshot.
func (r *Refresher) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return errors.New("registry: refresh interval must be positive")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Load(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.metrics.Count(types.MetricRegistryRefreshFailure, 1, metrics.Dim(types.DimSource, r.source.Name()))
				r.logger.Error("registry refresh failed, keeping previous snapshot",
					"error", err.Error(),
					"snapshot_age", r.clock.Now().Sub(r.store.Snapshot().LoadedAt).String(),
				)
			}
		}
	}
}
