// Package matcher decides killmail relevance for a campaign.
package matcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/evetrack/killfeed/internal/model"
)

// Locator resolves a solar system to its constellation and region. Returns
// nil (with a nil error) when the system is unknown.
type Locator interface {
	SolarSystem(ctx context.Context, systemID int64) (*model.SolarSystem, error)
}

// Matcher evaluates completed killmails against campaign rules.
type Matcher struct {
	loc Locator
}

// New creates a Matcher using loc for geographic resolution.
func New(loc Locator) *Matcher {
	return &Matcher{loc: loc}
}

// Evaluate applies the campaign's rules to one completed killmail. Rules are
// ordered and the first decisive rule wins:
//
//  1. Time bound: outside [start, end] never matches.
//  2. Involvement: a friendly character, corporation, or alliance must
//     appear as victim or attacker.
//  3. Targets: any tracked target involved matches unconditionally, before
//     geography is ever consulted.
//  4. No geographic scope: match if the campaign also has no targets (pure
//     activity tracking); otherwise the missed target check is decisive.
//  5. Location: the system must lie in scope directly or via its
//     constellation or region; an unresolvable system never matches.
func (m *Matcher) Evaluate(ctx context.Context, c *model.Campaign, km *model.Killmail) model.MatchResult {
	res := model.MatchResult{CampaignID: c.ID, KillmailID: km.KillmailID}

	// Rule 1: time bound.
	if km.Time.Before(c.StartDate) {
		res.Reason = model.ReasonBeforeStart
		return res
	}
	if c.EndDate != nil && km.Time.After(*c.EndDate) {
		res.Reason = model.ReasonAfterEnd
		return res
	}

	// Rule 2: friendly involvement.
	if !km.Involves(c.FriendlyIDs()) {
		res.Reason = model.ReasonNoInvolvement
		return res
	}

	// Rule 3: targets override geography.
	targets := c.TargetIDs()
	hasTargets := !targets.Empty()
	if hasTargets && km.Involves(targets) {
		res.Matched = true
		res.Reason = model.ReasonTarget
		return res
	}

	// Rule 4: campaigns without geographic scope.
	if !c.HasLocations() {
		if !hasTargets {
			res.Matched = true
			res.Reason = model.ReasonGlobal
			return res
		}
		res.Reason = model.ReasonNoTargetMatch
		return res
	}

	// Rule 5: location.
	if _, ok := c.Systems[km.SolarSystemID]; ok {
		res.Matched = true
		res.Reason = model.ReasonLocation
		return res
	}

	sys, err := m.loc.SolarSystem(ctx, km.SolarSystemID)
	if err != nil {
		zap.L().Warn("solar system resolution failed",
			zap.Int64("killmail_id", km.KillmailID),
			zap.Int64("system_id", km.SolarSystemID),
			zap.Error(err),
		)
		sys = nil
	}
	if sys == nil {
		res.Reason = model.ReasonUnknownLocation
		return res
	}

	if _, ok := c.Regions[sys.RegionID]; ok {
		res.Matched = true
		res.Reason = model.ReasonLocation
		return res
	}
	if _, ok := c.Constellations[sys.ConstellationID]; ok {
		res.Matched = true
		res.Reason = model.ReasonLocation
		return res
	}

	res.Reason = model.ReasonOutOfScope
	return res
}
