// Package planner computes the minimal set of feed pulls for a run.
package planner

import (
	"sort"
	"time"

	"github.com/evetrack/killfeed/internal/model"
)

// EndGrace is how long after its end date a campaign is still pulled, so
// late-arriving killmails near the boundary are not missed.
const EndGrace = 12 * time.Hour

// ActiveCampaigns filters a snapshot down to campaigns that should drive
// pulls: flagged active and not ended more than EndGrace ago.
func ActiveCampaigns(campaigns []model.Campaign, now time.Time) []model.Campaign {
	var active []model.Campaign
	for _, c := range campaigns {
		if !c.IsActive {
			continue
		}
		if c.Expired(now, EndGrace) {
			continue
		}
		active = append(active, c)
	}
	return active
}

type entityKey struct {
	kind model.EntityKind
	id   int64
}

// Plan computes the minimal pull set for the given active campaigns.
//
// All (kind, id) pairs referenced by any campaign's members, targets, or
// geographic scope are unioned, each keeping the minimum start date across
// the campaigns that reference it. Then subsumption removes redundant
// sub-entity pulls: a corporation is dropped when every observed member of
// it belongs to an alliance that is already pulled, and a character is
// dropped when its corporation or alliance is pulled. The feed returns all
// sub-entity events for a superset pull, so the dropped entities lose
// nothing. Characters with no known employer stay in the set individually.
//
// Pure computation; an empty result is valid and short-circuits the run.
func Plan(campaigns []model.Campaign) []model.PullSpec {
	earliest := make(map[entityKey]time.Time)
	add := func(kind model.EntityKind, id int64, start time.Time) {
		if id == 0 {
			return
		}
		k := entityKey{kind, id}
		if cur, ok := earliest[k]; !ok || start.Before(cur) {
			earliest[k] = start
		}
	}

	// Containment observed across all member and target records.
	corpAlliances := make(map[int64]map[int64]struct{})
	corpHasSolo := make(map[int64]bool)

	observe := func(m model.Member) {
		if m.CorporationID == 0 {
			return
		}
		if m.AllianceID != 0 {
			set, ok := corpAlliances[m.CorporationID]
			if !ok {
				set = make(map[int64]struct{})
				corpAlliances[m.CorporationID] = set
			}
			set[m.AllianceID] = struct{}{}
		} else {
			corpHasSolo[m.CorporationID] = true
		}
	}

	var members []struct {
		m     model.Member
		start time.Time
	}

	for i := range campaigns {
		c := &campaigns[i]
		for _, m := range append(append([]model.Member{}, c.Members...), c.Targets...) {
			add(model.KindCharacter, m.CharacterID, c.StartDate)
			add(model.KindCorporation, m.CorporationID, c.StartDate)
			add(model.KindAlliance, m.AllianceID, c.StartDate)
			observe(m)
			members = append(members, struct {
				m     model.Member
				start time.Time
			}{m, c.StartDate})
		}
		for id := range c.Systems {
			add(model.KindSystem, id, c.StartDate)
		}
		for id := range c.Constellations {
			add(model.KindConstellation, id, c.StartDate)
		}
		for id := range c.Regions {
			add(model.KindRegion, id, c.StartDate)
		}
	}

	pulled := func(kind model.EntityKind, id int64) bool {
		_, ok := earliest[entityKey{kind, id}]
		return ok
	}

	// Corporations wholly contained in pulled alliances.
	for key := range earliest {
		if key.kind != model.KindCorporation {
			continue
		}
		alliances, observed := corpAlliances[key.id]
		if !observed || corpHasSolo[key.id] {
			continue
		}
		covered := true
		for aid := range alliances {
			if !pulled(model.KindAlliance, aid) {
				covered = false
				break
			}
		}
		if covered {
			// Propagate the floor to every covering alliance.
			for aid := range alliances {
				add(model.KindAlliance, aid, earliest[key])
			}
			delete(earliest, key)
		}
	}

	// Characters covered by a remaining corporation or alliance pull.
	for _, rec := range members {
		m := rec.m
		if m.CharacterID == 0 {
			continue
		}
		key := entityKey{model.KindCharacter, m.CharacterID}
		if _, ok := earliest[key]; !ok {
			continue
		}
		switch {
		case m.AllianceID != 0 && pulled(model.KindAlliance, m.AllianceID):
			add(model.KindAlliance, m.AllianceID, earliest[key])
			delete(earliest, key)
		case m.CorporationID != 0 && pulled(model.KindCorporation, m.CorporationID):
			add(model.KindCorporation, m.CorporationID, earliest[key])
			delete(earliest, key)
		}
	}

	specs := make([]model.PullSpec, 0, len(earliest))
	for key, t := range earliest {
		specs = append(specs, model.PullSpec{Kind: key.kind, ID: key.id, Earliest: t})
	}

	// Superset entities first; deterministic within a kind.
	order := map[model.EntityKind]int{
		model.KindAlliance:      0,
		model.KindCorporation:   1,
		model.KindCharacter:     2,
		model.KindRegion:        3,
		model.KindConstellation: 4,
		model.KindSystem:        5,
	}
	sort.Slice(specs, func(i, j int) bool {
		if order[specs[i].Kind] != order[specs[j].Kind] {
			return order[specs[i].Kind] < order[specs[j].Kind]
		}
		return specs[i].ID < specs[j].ID
	})
	return specs
}
