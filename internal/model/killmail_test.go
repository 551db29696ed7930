package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawKillmail_DecodeFeedSummary(t *testing.T) {
	// Under feed load only the id and zkb envelope are present.
	payload := `[{"killmail_id":128000001,"zkb":{"hash":"abc123","totalValue":150000000.5,"points":12,"npc":false,"solo":true}}]`

	var kms []RawKillmail
	require.NoError(t, json.Unmarshal([]byte(payload), &kms))
	require.Len(t, kms, 1)

	km := kms[0]
	assert.Equal(t, int64(128000001), km.KillmailID)
	assert.Equal(t, "abc123", km.Hash())
	assert.Equal(t, 150000000.5, km.ZKB.TotalValue)
	assert.True(t, km.ZKB.Solo)
	assert.Nil(t, km.Victim)
	assert.Empty(t, km.Attackers)
}

func TestRawKillmail_DecodeFullRecord(t *testing.T) {
	payload := `{
		"killmail_id": 128000002,
		"killmail_time": "2026-03-14T18:22:41Z",
		"solar_system_id": 30000142,
		"victim": {"character_id": 90001, "corporation_id": 98001, "ship_type_id": 587, "damage_taken": 4520},
		"attackers": [
			{"character_id": 90002, "corporation_id": 98002, "damage_done": 4520, "final_blow": true, "ship_type_id": 17738}
		],
		"zkb": {"hash": "def456", "totalValue": 12000000}
	}`

	var km RawKillmail
	require.NoError(t, json.Unmarshal([]byte(payload), &km))

	assert.Equal(t, "2026-03-14T18:22:41Z", km.KillmailTime)
	assert.Equal(t, int64(30000142), km.SolarSystemID)
	require.NotNil(t, km.Victim)
	assert.Equal(t, int64(90001), km.Victim.CharacterID)
	require.Len(t, km.Attackers, 1)
	assert.True(t, km.Attackers[0].FinalBlow)
}

func TestKillmail_FinalBlow(t *testing.T) {
	km := &Killmail{
		Attackers: []Attacker{
			{CharacterID: 1, DamageDone: 100},
			{CharacterID: 2, DamageDone: 50, FinalBlow: true},
		},
	}
	assert.Equal(t, int64(2), km.FinalBlow().CharacterID)
}

func TestKillmail_FinalBlow_NoneFlagged(t *testing.T) {
	km := &Killmail{Attackers: []Attacker{{CharacterID: 1}}}
	assert.Equal(t, Attacker{}, km.FinalBlow())
}

func TestKillmail_Involves(t *testing.T) {
	km := &Killmail{
		Victim: Victim{CharacterID: 10, CorporationID: 100, AllianceID: 1000},
		Attackers: []Attacker{
			{CharacterID: 20, CorporationID: 200},
			{CorporationID: 300, AllianceID: 3000}, // NPC or structure, no character
		},
	}

	victimSet := NewEntitySet()
	victimSet.Alliances[1000] = struct{}{}
	assert.True(t, km.Involves(victimSet))

	attackerSet := NewEntitySet()
	attackerSet.Corporations[300] = struct{}{}
	assert.True(t, km.Involves(attackerSet))

	strangerSet := NewEntitySet()
	strangerSet.Characters[999] = struct{}{}
	assert.False(t, km.Involves(strangerSet))
}

func TestEntitySet_ZeroIDsNeverMatch(t *testing.T) {
	s := NewEntitySet()
	// A zero in the set must not make every unaffiliated party match.
	s.Characters[0] = struct{}{}
	s.Corporations[0] = struct{}{}
	s.Alliances[0] = struct{}{}

	assert.False(t, s.ContainsParty(0, 0, 0))
}

func TestEntitySet_Empty(t *testing.T) {
	s := NewEntitySet()
	assert.True(t, s.Empty())
	s.Characters[1] = struct{}{}
	assert.False(t, s.Empty())
}
