package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventbroker/internal/types"
)

// FreshnessProbe reports unhealthy once the snapshot is older than staleAfter.
type FreshnessProbe struct {
	store      *Store
	staleAfter time.Duration
	clock      types.Clock
}

func NewFreshnessProbe(store *Store, staleAfter time.Duration, clock types.Clock) *FreshnessProbe {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &FreshnessProbe{store: store, staleAfter: staleAfter, clock: clock}
}

func (p *FreshnessProbe) Name() string { return "registry" }

func (p *FreshnessProbe) Check(context.Context) error {
	snap := p.store.Snapshot()
	if snap.LoadedAt.IsZero() {
		return errors.New("registry has not been loaded")
	}
	if age := p.clock.Now().Sub(snap.LoadedAt); age > p.staleAfter {
		return fmt.Errorf("registry snapshot is stale (age %s)", age.Truncate(time.Second))
	}
	return nil
}

// Details reports what the broker is currently delivering from.
func (p *FreshnessProbe) Details() map[string]any {
	snap := p.store.Snapshot()
	if snap.LoadedAt.IsZero() {
		return map[string]any{"clients": 0}
	}
	return map[string]any{
		"clients":     snap.Len(),
		"source":      snap.Source,
		"age_seconds": int64(p.clock.Now().Sub(snap.LoadedAt).Seconds()),
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe checks the Postgres connection backing PostgresSource. It is
// advisory: while the database is down the refresher keeps the last snapshot
// and deliveries continue.
type DatabaseProbe struct {
	db Pinger
}

func NewDatabaseProbe(db Pinger) *DatabaseProbe {
	return &DatabaseProbe{db: db}
}

func (p *DatabaseProbe) Name() string { return "database" }

func (p *DatabaseProbe) Check(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *DatabaseProbe) Advisory() bool { return true }
