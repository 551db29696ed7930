// Package pipeline orchestrates pull runs: lock, plan, walk, complete,
// match, persist. It owns the per-run caches and the run/repair/retention
// entry points the commands call.
package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/evetrack/killfeed/internal/esi"
)

// namesBatchSize is the id limit of the bulk name resolution endpoint.
const namesBatchSize = 1000

// RunContext carries state scoped to a single run: the dedup set of
// killmail ids already handled, and the name and ship type caches that keep
// repeated upstream lookups to one round trip per id. Safe for concurrent
// use so the repair workers can share one.
type RunContext struct {
	mu        sync.Mutex
	processed map[int64]struct{}
	names     map[int64]string
	types     map[int64]*esi.TypeInfo
}

// NewRunContext returns an empty RunContext.
func NewRunContext() *RunContext {
	return &RunContext{
		processed: make(map[int64]struct{}),
		names:     make(map[int64]string),
		types:     make(map[int64]*esi.TypeInfo),
	}
}

// MarkProcessed records a killmail id and reports whether this was its
// first appearance in the run. Overlapping pulls surface the same killmail
// many times; only the first sighting does any work.
func (rc *RunContext) MarkProcessed(killmailID int64) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.processed[killmailID]; ok {
		return false
	}
	rc.processed[killmailID] = struct{}{}
	return true
}

// Processed returns the number of distinct killmails seen so far.
func (rc *RunContext) Processed() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.processed)
}

// Names resolves entity ids (characters, corporations, alliances) to names
// through the run cache, batching cache misses into bulk lookups. Ids that
// fail to resolve are simply absent from the result; callers fall back to
// placeholder names.
func (rc *RunContext) Names(ctx context.Context, client esi.Client, ids []int64) map[int64]string {
	out := make(map[int64]string, len(ids))
	var missing []int64
	seen := make(map[int64]struct{}, len(ids))

	rc.mu.Lock()
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if name, ok := rc.names[id]; ok {
			out[id] = name
			continue
		}
		missing = append(missing, id)
	}
	rc.mu.Unlock()

	for start := 0; start < len(missing); start += namesBatchSize {
		end := start + namesBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]
		resolved, err := client.Names(ctx, batch)
		if err != nil {
			zap.L().Warn("name resolution failed",
				zap.Int("ids", len(batch)),
				zap.Error(err),
			)
			continue
		}
		rc.mu.Lock()
		for id, name := range resolved {
			rc.names[id] = name
			out[id] = name
		}
		rc.mu.Unlock()
	}
	return out
}

// ShipType resolves a ship type through the run cache. Returns nil when the
// type cannot be resolved; failures are cached so one bad id costs at most
// one lookup per run.
func (rc *RunContext) ShipType(ctx context.Context, client esi.Client, typeID int64) *esi.TypeInfo {
	if typeID <= 0 {
		return nil
	}
	rc.mu.Lock()
	if info, ok := rc.types[typeID]; ok {
		rc.mu.Unlock()
		return info
	}
	rc.mu.Unlock()

	info, err := client.Type(ctx, typeID)
	if err != nil {
		zap.L().Warn("ship type unresolved",
			zap.Int64("type_id", typeID),
			zap.Error(err),
		)
		info = nil
	}
	rc.mu.Lock()
	rc.types[typeID] = info
	rc.mu.Unlock()
	return info
}
