package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCampaign_Expired(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	grace := 12 * time.Hour

	end := now.Add(-13 * time.Hour)
	c := Campaign{EndDate: &end}
	assert.True(t, c.Expired(now, grace))

	end = now.Add(-11 * time.Hour)
	c = Campaign{EndDate: &end}
	assert.False(t, c.Expired(now, grace))

	c = Campaign{} // open-ended
	assert.False(t, c.Expired(now, grace))
}

func TestCampaign_PersistScope(t *testing.T) {
	c := Campaign{ID: 7}
	assert.Equal(t, int64(7), c.PersistScope())

	c.Monthly = true
	assert.Equal(t, GlobalScope, c.PersistScope())
}

func TestCampaign_FriendlyAndTargetIDs(t *testing.T) {
	c := Campaign{
		Members: []Member{
			{CharacterID: 1, CorporationID: 10, AllianceID: 100},
			{CharacterID: 2},
		},
		Targets: []Member{
			{CorporationID: 20},
		},
	}

	friendly := c.FriendlyIDs()
	assert.Contains(t, friendly.Characters, int64(1))
	assert.Contains(t, friendly.Characters, int64(2))
	assert.Contains(t, friendly.Corporations, int64(10))
	assert.Contains(t, friendly.Alliances, int64(100))
	assert.NotContains(t, friendly.Corporations, int64(20))

	targets := c.TargetIDs()
	assert.Contains(t, targets.Corporations, int64(20))
	assert.Empty(t, targets.Characters)
}

func TestCampaign_HasLocations(t *testing.T) {
	c := Campaign{}
	assert.False(t, c.HasLocations())

	c.Regions = map[int64]struct{}{10000002: {}}
	assert.True(t, c.HasLocations())
}
