package model

import "time"

// EntityKind identifies the addressable entity classes of the feed.
type EntityKind string

// Feed path segments for each entity class.
const (
	KindCharacter     EntityKind = "characterID"
	KindCorporation   EntityKind = "corporationID"
	KindAlliance      EntityKind = "allianceID"
	KindSystem        EntityKind = "systemID"
	KindConstellation EntityKind = "constellationID"
	KindRegion        EntityKind = "regionID"
)

// GlobalScope is the campaign scope used for activity tracking that is not
// tied to a specific campaign (the monthly leaderboard mode).
const GlobalScope int64 = 0

// EntitySet groups character, corporation and alliance ids.
type EntitySet struct {
	Characters   map[int64]struct{}
	Corporations map[int64]struct{}
	Alliances    map[int64]struct{}
}

// NewEntitySet returns an empty EntitySet with all maps allocated.
func NewEntitySet() EntitySet {
	return EntitySet{
		Characters:   make(map[int64]struct{}),
		Corporations: make(map[int64]struct{}),
		Alliances:    make(map[int64]struct{}),
	}
}

// Empty reports whether the set holds no ids at all.
func (s EntitySet) Empty() bool {
	return len(s.Characters) == 0 && len(s.Corporations) == 0 && len(s.Alliances) == 0
}

// ContainsParty reports whether any of the given ids is in the set. Zero ids
// never match.
func (s EntitySet) ContainsParty(charID, corpID, allianceID int64) bool {
	if charID != 0 {
		if _, ok := s.Characters[charID]; ok {
			return true
		}
	}
	if corpID != 0 {
		if _, ok := s.Corporations[corpID]; ok {
			return true
		}
	}
	if allianceID != 0 {
		if _, ok := s.Alliances[allianceID]; ok {
			return true
		}
	}
	return false
}

// Member is one tracked identity of a campaign. Any of the three ids may be
// zero; a member with only a character id and no known employer is "solo"
// and must be pulled individually.
type Member struct {
	CharacterID   int64
	CorporationID int64
	AllianceID    int64
}

// Campaign is the engine's read-only view of a tracked campaign or roster.
// The surrounding application authors these; the engine loads a frozen
// snapshot per run.
type Campaign struct {
	ID        int64
	Name      string
	IsActive  bool
	StartDate time.Time
	EndDate   *time.Time

	// Monthly marks an activity-tracking roster whose matches persist
	// under the shared GlobalScope namespace rather than the campaign id,
	// and whose effective start is clamped to the current month.
	Monthly bool

	Members []Member
	Targets []Member

	Systems        map[int64]struct{}
	Constellations map[int64]struct{}
	Regions        map[int64]struct{}
}

// FriendlyIDs returns the id sets of the campaign's members.
func (c *Campaign) FriendlyIDs() EntitySet {
	return memberSet(c.Members)
}

// TargetIDs returns the id sets of the campaign's targets.
func (c *Campaign) TargetIDs() EntitySet {
	return memberSet(c.Targets)
}

// PersistScope returns the scope killmails matched by this campaign are
// stored under: the campaign id, or GlobalScope for monthly rosters.
func (c *Campaign) PersistScope() int64 {
	if c.Monthly {
		return GlobalScope
	}
	return c.ID
}

// HasLocations reports whether the campaign restricts matches geographically.
func (c *Campaign) HasLocations() bool {
	return len(c.Systems) > 0 || len(c.Constellations) > 0 || len(c.Regions) > 0
}

// Expired reports whether the campaign ended more than grace ago.
func (c *Campaign) Expired(now time.Time, grace time.Duration) bool {
	return c.EndDate != nil && c.EndDate.Before(now.Add(-grace))
}

func memberSet(members []Member) EntitySet {
	s := NewEntitySet()
	for _, m := range members {
		if m.CharacterID != 0 {
			s.Characters[m.CharacterID] = struct{}{}
		}
		if m.CorporationID != 0 {
			s.Corporations[m.CorporationID] = struct{}{}
		}
		if m.AllianceID != 0 {
			s.Alliances[m.AllianceID] = struct{}{}
		}
	}
	return s
}

// PullSpec is one planned feed query: pull everything for (Kind, ID) back to
// Earliest. Produced by the planner, consumed once per run.
type PullSpec struct {
	Kind     EntityKind
	ID       int64
	Earliest time.Time
}
