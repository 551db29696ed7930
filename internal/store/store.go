// Package store persists matched killmails and reads campaign definitions.
package store

import (
	"context"
	"time"

	"github.com/evetrack/killfeed/internal/model"
)

// Store defines the persistence interface for the ingestion engine.
//
// Campaign definitions are authored by the surrounding application; the
// engine only reads them. Killmails are the engine's own records and are
// only ever written through the idempotent upsert.
type Store interface {
	// Campaigns
	ListCampaigns(ctx context.Context) ([]model.Campaign, error)

	// Killmails
	UpsertKillmail(ctx context.Context, km *model.PersistedKillmail, participants []model.Participant) error
	// TimeLocation is the point lookup used as a free completion fallback
	// before paying for a detail call. ok is false when the killmail has
	// never been persisted or lacks either field.
	TimeLocation(ctx context.Context, killmailID int64) (t time.Time, systemID int64, ok bool, err error)
	// CampaignsHolding returns the campaign scopes already holding the
	// killmail (including the global scope).
	CampaignsHolding(ctx context.Context, killmailID int64) ([]int64, error)
	// RepairCandidates returns distinct killmail ids whose persisted rows
	// carry incompleteness markers.
	RepairCandidates(ctx context.Context, limit int) ([]int64, error)
	// DeleteOlderThan removes global-scope killmails older than cutoff and
	// returns the number of rows removed. Campaign-scoped records are never
	// swept.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats returns point-in-time totals for the status command.
	Stats(ctx context.Context) (Stats, error)

	// Universe
	// SolarSystem returns nil with a nil error when the system is unknown
	// locally.
	SolarSystem(ctx context.Context, systemID int64) (*model.SolarSystem, error)
	UpsertSolarSystem(ctx context.Context, sys *model.SolarSystem) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Campaigns       int64
	ActiveCampaigns int64
	Killmails       int64
	GlobalKillmails int64
	TotalValue      float64
	RepairNeeded    int64
}
