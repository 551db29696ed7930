package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetrack/killfeed/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_TimeLocation_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT killmail_time, solar_system_id FROM killmails`).
		WithArgs(int64(128000001)).
		WillReturnError(pgx.ErrNoRows)

	_, _, ok, err := s.TimeLocation(context.Background(), 128000001)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TimeLocation_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	stamp := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT killmail_time, solar_system_id FROM killmails`).
		WithArgs(int64(128000001)).
		WillReturnRows(pgxmock.NewRows([]string{"killmail_time", "solar_system_id"}).
			AddRow(stamp, int64(30000142)))

	got, systemID, ok, err := s.TimeLocation(context.Background(), 128000001)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(stamp))
	assert.Equal(t, int64(30000142), systemID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TimeLocation_ZeroSystemNotUsable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT killmail_time, solar_system_id FROM killmails`).
		WithArgs(int64(128000001)).
		WillReturnRows(pgxmock.NewRows([]string{"killmail_time", "solar_system_id"}).
			AddRow(time.Now(), int64(0)))

	_, _, ok, err := s.TimeLocation(context.Background(), 128000001)
	require.NoError(t, err)
	assert.False(t, ok, "a row without a system id cannot splice a complete record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CampaignsHolding(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT campaign_id FROM killmails WHERE killmail_id`).
		WithArgs(int64(128000001)).
		WillReturnRows(pgxmock.NewRows([]string{"campaign_id"}).
			AddRow(int64(0)).AddRow(int64(7)))

	ids, err := s.CampaignsHolding(context.Background(), 128000001)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 7}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertKillmail_TransactionOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	km := &model.PersistedKillmail{
		CampaignID:   7,
		KillmailID:   128000001,
		KillmailTime: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	participants := []model.Participant{
		{CharacterID: 90000001, DamageDone: 450},
		{CharacterID: 90000002, IsFinalBlow: true},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO killmails`).
		WithArgs(
			km.CampaignID, km.KillmailID, km.KillmailTime, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM killmail_participants`).
		WithArgs(km.CampaignID, km.KillmailID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO killmail_participants`).
		WithArgs(km.CampaignID, km.KillmailID, int64(90000001), false, false, int64(450), int64(0), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO killmail_participants`).
		WithArgs(km.CampaignID, km.KillmailID, int64(90000002), false, true, int64(0), int64(0), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertKillmail(context.Background(), km, participants)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertKillmail_RollsBackOnFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO killmails`).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.UpsertKillmail(context.Background(), &model.PersistedKillmail{KillmailID: 1}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert killmail")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RepairCandidates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT killmail_id FROM killmails`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"killmail_id"}).
			AddRow(int64(128000001)).AddRow(int64(128000005)))

	ids, err := s.RepairCandidates(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, []int64{128000001, 128000005}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RepairCandidates_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT killmail_id FROM killmails`).
		WithArgs(1000).
		WillReturnRows(pgxmock.NewRows([]string{"killmail_id"}))

	ids, err := s.RepairCandidates(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteOlderThan(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM killmails WHERE campaign_id = \$1 AND killmail_time < \$2`).
		WithArgs(model.GlobalScope, cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 42))

	n, err := s.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Stats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM campaigns`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "active"}).
			AddRow(int64(5), int64(3)))
	mock.ExpectQuery(`FROM killmails`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "global", "sum"}).
			AddRow(int64(1200), int64(900), float64(5.5e9)))
	mock.ExpectQuery(`SELECT count\(DISTINCT killmail_id\) FROM killmails`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(12)))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Campaigns:       5,
		ActiveCampaigns: 3,
		Killmails:       1200,
		GlobalKillmails: 900,
		TotalValue:      5.5e9,
		RepairNeeded:    12,
	}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SolarSystem_Unknown(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM solar_systems`).
		WithArgs(int64(30000142)).
		WillReturnError(pgx.ErrNoRows)

	sys, err := s.SolarSystem(context.Background(), 30000142)
	require.NoError(t, err)
	assert.Nil(t, sys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SolarSystem_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM solar_systems`).
		WithArgs(int64(30000142)).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "name", "constellation_id", "region_id", "region_name"}).
			AddRow(int64(30000142), "Jita", int64(20000020), int64(10000002), "The Forge"))

	sys, err := s.SolarSystem(context.Background(), 30000142)
	require.NoError(t, err)
	require.NotNil(t, sys)
	assert.Equal(t, "Jita", sys.Name)
	assert.Equal(t, int64(10000002), sys.RegionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSolarSystem(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO solar_systems`).
		WithArgs(int64(30000142), "Jita", int64(20000020), int64(10000002), "The Forge").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertSolarSystem(context.Background(), &model.SolarSystem{
		ID: 30000142, Name: "Jita", ConstellationID: 20000020,
		RegionID: 10000002, RegionName: "The Forge",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListCampaigns(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, name, is_active, is_monthly, start_date, end_date FROM campaigns`).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "name", "is_active", "is_monthly", "start_date", "end_date"}).
			AddRow(int64(1), "Northern Front", true, false, start, (*time.Time)(nil)).
			AddRow(int64(2), "Corp Tracker", true, true, start, (*time.Time)(nil)))
	mock.ExpectQuery(`FROM campaign_members`).
		WillReturnRows(pgxmock.NewRows(
			[]string{"campaign_id", "character_id", "corporation_id", "alliance_id", "is_target"}).
			AddRow(int64(1), int64(0), int64(98000001), int64(0), false).
			AddRow(int64(1), int64(0), int64(98000999), int64(0), true).
			AddRow(int64(2), int64(90000001), int64(0), int64(0), false))
	mock.ExpectQuery(`FROM campaign_locations`).
		WillReturnRows(pgxmock.NewRows(
			[]string{"campaign_id", "kind", "location_id"}).
			AddRow(int64(1), "systemID", int64(30000142)).
			AddRow(int64(1), "regionID", int64(10000002)))

	campaigns, err := s.ListCampaigns(context.Background())
	require.NoError(t, err)
	require.Len(t, campaigns, 2)

	first := campaigns[0]
	assert.Equal(t, "Northern Front", first.Name)
	assert.False(t, first.Monthly)
	require.Len(t, first.Members, 1)
	assert.Equal(t, int64(98000001), first.Members[0].CorporationID)
	require.Len(t, first.Targets, 1)
	assert.Contains(t, first.Systems, int64(30000142))
	assert.Contains(t, first.Regions, int64(10000002))

	second := campaigns[1]
	assert.True(t, second.Monthly)
	require.Len(t, second.Members, 1)
	assert.Equal(t, int64(90000001), second.Members[0].CharacterID)
	assert.Empty(t, second.Targets)

	assert.NoError(t, mock.ExpectationsWereMet())
}
