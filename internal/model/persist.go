package model

import "time"

// Placeholder values that mark a persisted killmail as incomplete. The
// repair scan keys off these.
const (
	UnknownName = "Unknown"
)

// PersistedKillmail is the durable, denormalized record the engine owns.
// CampaignID 0 (GlobalScope) namespaces the monthly activity mode.
type PersistedKillmail struct {
	CampaignID    int64
	KillmailID    int64
	KillmailTime  time.Time
	SolarSystemID int64
	SystemName    string
	RegionID      int64
	RegionName    string

	ShipTypeID    int64
	ShipTypeName  string
	ShipGroupName string

	VictimID           int64
	VictimName         string
	VictimCorpID       int64
	VictimCorpName     string
	VictimAllianceID   int64
	VictimAllianceName string

	FinalBlowCharID       int64
	FinalBlowCharName     string
	FinalBlowCorpID       int64
	FinalBlowCorpName     string
	FinalBlowAllianceID   int64
	FinalBlowAllianceName string

	TotalValue float64
	IsLoss     bool
	Hash       string
}

// NeedsRepair reports whether the record carries incompleteness markers:
// a placeholder ship type or group, an anonymous final blow, or a final-blow
// id whose name was never resolved.
func (p *PersistedKillmail) NeedsRepair() bool {
	if p.ShipTypeID == 0 || p.ShipGroupName == UnknownName {
		return true
	}
	if p.FinalBlowCharID == 0 && p.FinalBlowCorpID == 0 {
		return true
	}
	if p.FinalBlowCharID > 0 && p.FinalBlowCharName == "" {
		return true
	}
	if p.FinalBlowCorpID > 0 && p.FinalBlowCorpName == UnknownName {
		return true
	}
	return false
}

// Participant associates a tracked character with a persisted killmail.
// Replaced as a set on every upsert.
type Participant struct {
	CampaignID   int64
	KillmailID   int64
	CharacterID  int64
	IsVictim     bool
	IsFinalBlow  bool
	DamageDone   int64
	ShipTypeID   int64
	ShipTypeName string
}
