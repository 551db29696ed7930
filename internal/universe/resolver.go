// Package universe resolves solar systems to constellations and regions.
package universe

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/evetrack/killfeed/internal/esi"
	"github.com/evetrack/killfeed/internal/model"
)

// SystemStore is the store surface the resolver needs.
type SystemStore interface {
	SolarSystem(ctx context.Context, systemID int64) (*model.SolarSystem, error)
	UpsertSolarSystem(ctx context.Context, sys *model.SolarSystem) error
}

// Resolver answers system lookups from a per-run cache, then the local
// universe table, then the detail service. Resolutions paid for upstream are
// written back to the local table so later runs get them for free. Safe for
// concurrent use.
type Resolver struct {
	store SystemStore
	esi   esi.Client

	mu    sync.Mutex
	cache map[int64]*model.SolarSystem
}

// New creates a Resolver for one run.
func New(st SystemStore, client esi.Client) *Resolver {
	return &Resolver{
		store: st,
		esi:   client,
		cache: make(map[int64]*model.SolarSystem),
	}
}

// SolarSystem resolves one system id. Returns nil with a nil error when the
// id is unknown everywhere; the caller treats that as an unresolvable
// location.
func (r *Resolver) SolarSystem(ctx context.Context, systemID int64) (*model.SolarSystem, error) {
	if systemID == 0 {
		return nil, nil
	}
	r.mu.Lock()
	sys, ok := r.cache[systemID]
	r.mu.Unlock()
	if ok {
		return sys, nil
	}

	sys, err := r.store.SolarSystem(ctx, systemID)
	if err != nil {
		return nil, err
	}
	if sys != nil {
		r.remember(systemID, sys)
		return sys, nil
	}

	sys, err = r.esi.SolarSystem(ctx, systemID)
	if err != nil {
		// Cache the miss so one bad id costs at most one upstream round
		// trip per run.
		r.remember(systemID, nil)
		zap.L().Warn("solar system unresolved",
			zap.Int64("system_id", systemID),
			zap.Error(err),
		)
		return nil, nil
	}

	if err := r.store.UpsertSolarSystem(ctx, sys); err != nil {
		zap.L().Warn("failed to cache solar system locally",
			zap.Int64("system_id", systemID),
			zap.Error(err),
		)
	}
	r.remember(systemID, sys)
	return sys, nil
}

func (r *Resolver) remember(systemID int64, sys *model.SolarSystem) {
	r.mu.Lock()
	r.cache[systemID] = sys
	r.mu.Unlock()
}
