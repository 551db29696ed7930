// Package model defines the domain types shared across the ingestion engine.
package model

import (
	"time"
)

// FeedPageSize is the fixed page size of the killmail feed. A page shorter
// than this signals the last page of a query.
const FeedPageSize = 200

// ZKB holds the feed-specific metadata attached to every summary record.
type ZKB struct {
	Hash       string  `json:"hash"`
	TotalValue float64 `json:"totalValue"`
	Points     int     `json:"points"`
	NPC        bool    `json:"npc"`
	Solo       bool    `json:"solo"`
}

// Victim describes the losing party of a killmail.
type Victim struct {
	CharacterID   int64 `json:"character_id"`
	CorporationID int64 `json:"corporation_id"`
	AllianceID    int64 `json:"alliance_id"`
	ShipTypeID    int64 `json:"ship_type_id"`
	DamageTaken   int64 `json:"damage_taken"`
}

// Attacker describes one attacking party of a killmail.
type Attacker struct {
	CharacterID    int64   `json:"character_id"`
	CorporationID  int64   `json:"corporation_id"`
	AllianceID     int64   `json:"alliance_id"`
	ShipTypeID     int64   `json:"ship_type_id"`
	DamageDone     int64   `json:"damage_done"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status"`
}

// RawKillmail is a feed summary record. Only KillmailID and ZKB are
// guaranteed; everything else is absent under feed load and must be
// completed before matching.
type RawKillmail struct {
	KillmailID    int64      `json:"killmail_id"`
	KillmailTime  string     `json:"killmail_time"`
	SolarSystemID int64      `json:"solar_system_id"`
	Victim        *Victim    `json:"victim"`
	Attackers     []Attacker `json:"attackers"`
	ZKB           ZKB        `json:"zkb"`
}

// Hash returns the detail-lookup hash, empty when the feed omitted it.
func (r *RawKillmail) Hash() string {
	return r.ZKB.Hash
}

// Killmail is a completed, fully-typed event record. It is only ever
// produced by the completer; a Killmail in hand is safe to match and
// persist.
type Killmail struct {
	KillmailID    int64
	Time          time.Time
	SolarSystemID int64
	Victim        Victim
	Attackers     []Attacker
	TotalValue    float64
	Hash          string
}

// FinalBlow returns the attacker credited with the final blow. When no
// attacker carries the flag the zero Attacker is returned; that is a data
// condition, not an error.
func (k *Killmail) FinalBlow() Attacker {
	for _, a := range k.Attackers {
		if a.FinalBlow {
			return a
		}
	}
	return Attacker{}
}

// Involves reports whether the victim or any attacker matches the given
// entity sets.
func (k *Killmail) Involves(ids EntitySet) bool {
	for _, a := range k.Attackers {
		if ids.ContainsParty(a.CharacterID, a.CorporationID, a.AllianceID) {
			return true
		}
	}
	return ids.ContainsParty(k.Victim.CharacterID, k.Victim.CorporationID, k.Victim.AllianceID)
}

// SolarSystem is the resolved location of a killmail, read from the local
// universe table or the detail service.
type SolarSystem struct {
	ID              int64
	Name            string
	ConstellationID int64
	RegionID        int64
	RegionName      string
}
