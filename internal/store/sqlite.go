package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/evetrack/killfeed/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for single-node
// installs without a Postgres server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS campaigns (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 1,
	is_monthly INTEGER NOT NULL DEFAULT 0,
	start_date DATETIME NOT NULL,
	end_date   DATETIME
);

CREATE TABLE IF NOT EXISTS campaign_members (
	campaign_id    INTEGER NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	character_id   INTEGER NOT NULL DEFAULT 0,
	corporation_id INTEGER NOT NULL DEFAULT 0,
	alliance_id    INTEGER NOT NULL DEFAULT 0,
	is_target      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS campaign_locations (
	campaign_id INTEGER NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	kind        TEXT NOT NULL,
	location_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS killmails (
	campaign_id              INTEGER NOT NULL DEFAULT 0,
	killmail_id              INTEGER NOT NULL,
	killmail_time            DATETIME NOT NULL,
	solar_system_id          INTEGER NOT NULL DEFAULT 0,
	system_name              TEXT NOT NULL DEFAULT 'Unknown',
	region_id                INTEGER NOT NULL DEFAULT 0,
	region_name              TEXT NOT NULL DEFAULT 'Unknown',
	ship_type_id             INTEGER NOT NULL DEFAULT 0,
	ship_type_name           TEXT NOT NULL DEFAULT 'Unknown',
	ship_group_name          TEXT NOT NULL DEFAULT 'Unknown',
	victim_id                INTEGER NOT NULL DEFAULT 0,
	victim_name              TEXT NOT NULL DEFAULT 'Unknown',
	victim_corp_id           INTEGER NOT NULL DEFAULT 0,
	victim_corp_name         TEXT NOT NULL DEFAULT 'Unknown',
	victim_alliance_id       INTEGER NOT NULL DEFAULT 0,
	victim_alliance_name     TEXT NOT NULL DEFAULT '',
	final_blow_char_id       INTEGER NOT NULL DEFAULT 0,
	final_blow_char_name     TEXT NOT NULL DEFAULT '',
	final_blow_corp_id       INTEGER NOT NULL DEFAULT 0,
	final_blow_corp_name     TEXT NOT NULL DEFAULT 'Unknown',
	final_blow_alliance_id   INTEGER NOT NULL DEFAULT 0,
	final_blow_alliance_name TEXT NOT NULL DEFAULT '',
	total_value              REAL NOT NULL DEFAULT 0,
	is_loss                  INTEGER NOT NULL DEFAULT 0,
	zkill_hash               TEXT NOT NULL DEFAULT '',
	updated_at               DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (campaign_id, killmail_id)
);

CREATE TABLE IF NOT EXISTS killmail_participants (
	campaign_id    INTEGER NOT NULL,
	killmail_id    INTEGER NOT NULL,
	character_id   INTEGER NOT NULL,
	is_victim      INTEGER NOT NULL DEFAULT 0,
	is_final_blow  INTEGER NOT NULL DEFAULT 0,
	damage_done    INTEGER NOT NULL DEFAULT 0,
	ship_type_id   INTEGER NOT NULL DEFAULT 0,
	ship_type_name TEXT NOT NULL DEFAULT 'Unknown',
	PRIMARY KEY (campaign_id, killmail_id, character_id),
	FOREIGN KEY (campaign_id, killmail_id) REFERENCES killmails(campaign_id, killmail_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS solar_systems (
	id               INTEGER PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT 'Unknown',
	constellation_id INTEGER NOT NULL DEFAULT 0,
	region_id        INTEGER NOT NULL DEFAULT 0,
	region_name      TEXT NOT NULL DEFAULT 'Unknown'
);

CREATE INDEX IF NOT EXISTS idx_killmails_killmail_id ON killmails(killmail_id);
CREATE INDEX IF NOT EXISTS idx_killmails_time ON killmails(killmail_time);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListCampaigns loads the campaign snapshot with members and scope.
func (s *SQLiteStore) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_active, is_monthly, start_date, end_date FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list campaigns")
	}
	defer rows.Close()

	byID := make(map[int64]*model.Campaign)
	var order []int64
	for rows.Next() {
		var c model.Campaign
		var end sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &c.IsActive, &c.Monthly, &c.StartDate, &end); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan campaign")
		}
		if end.Valid {
			t := end.Time
			c.EndDate = &t
		}
		c.Systems = make(map[int64]struct{})
		c.Constellations = make(map[int64]struct{})
		c.Regions = make(map[int64]struct{})
		byID[c.ID] = &c
		order = append(order, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate campaigns")
	}

	mrows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, character_id, corporation_id, alliance_id, is_target FROM campaign_members`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list members")
	}
	defer mrows.Close()
	for mrows.Next() {
		var cid int64
		var m model.Member
		var isTarget bool
		if err := mrows.Scan(&cid, &m.CharacterID, &m.CorporationID, &m.AllianceID, &isTarget); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan member")
		}
		c, ok := byID[cid]
		if !ok {
			continue
		}
		if isTarget {
			c.Targets = append(c.Targets, m)
		} else {
			c.Members = append(c.Members, m)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate members")
	}

	lrows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, kind, location_id FROM campaign_locations`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list locations")
	}
	defer lrows.Close()
	for lrows.Next() {
		var cid, lid int64
		var kind string
		if err := lrows.Scan(&cid, &kind, &lid); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan location")
		}
		c, ok := byID[cid]
		if !ok {
			continue
		}
		switch model.EntityKind(kind) {
		case model.KindSystem:
			c.Systems[lid] = struct{}{}
		case model.KindConstellation:
			c.Constellations[lid] = struct{}{}
		case model.KindRegion:
			c.Regions[lid] = struct{}{}
		}
	}
	if err := lrows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate locations")
	}

	out := make([]model.Campaign, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// UpsertKillmail writes a killmail and replaces its participant set in one
// transaction.
func (s *SQLiteStore) UpsertKillmail(ctx context.Context, km *model.PersistedKillmail, participants []model.Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO killmails (
			campaign_id, killmail_id, killmail_time, solar_system_id, system_name,
			region_id, region_name, ship_type_id, ship_type_name, ship_group_name,
			victim_id, victim_name, victim_corp_id, victim_corp_name,
			victim_alliance_id, victim_alliance_name,
			final_blow_char_id, final_blow_char_name, final_blow_corp_id,
			final_blow_corp_name, final_blow_alliance_id, final_blow_alliance_name,
			total_value, is_loss, zkill_hash, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,datetime('now'))
		ON CONFLICT (campaign_id, killmail_id) DO UPDATE SET
			killmail_time = excluded.killmail_time,
			solar_system_id = excluded.solar_system_id,
			system_name = excluded.system_name,
			region_id = excluded.region_id,
			region_name = excluded.region_name,
			ship_type_id = excluded.ship_type_id,
			ship_type_name = excluded.ship_type_name,
			ship_group_name = excluded.ship_group_name,
			victim_id = excluded.victim_id,
			victim_name = excluded.victim_name,
			victim_corp_id = excluded.victim_corp_id,
			victim_corp_name = excluded.victim_corp_name,
			victim_alliance_id = excluded.victim_alliance_id,
			victim_alliance_name = excluded.victim_alliance_name,
			final_blow_char_id = excluded.final_blow_char_id,
			final_blow_char_name = excluded.final_blow_char_name,
			final_blow_corp_id = excluded.final_blow_corp_id,
			final_blow_corp_name = excluded.final_blow_corp_name,
			final_blow_alliance_id = excluded.final_blow_alliance_id,
			final_blow_alliance_name = excluded.final_blow_alliance_name,
			total_value = excluded.total_value,
			is_loss = excluded.is_loss,
			zkill_hash = excluded.zkill_hash,
			updated_at = datetime('now')`,
		km.CampaignID, km.KillmailID, km.KillmailTime.UTC(), km.SolarSystemID, km.SystemName,
		km.RegionID, km.RegionName, km.ShipTypeID, km.ShipTypeName, km.ShipGroupName,
		km.VictimID, km.VictimName, km.VictimCorpID, km.VictimCorpName,
		km.VictimAllianceID, km.VictimAllianceName,
		km.FinalBlowCharID, km.FinalBlowCharName, km.FinalBlowCorpID,
		km.FinalBlowCorpName, km.FinalBlowAllianceID, km.FinalBlowAllianceName,
		km.TotalValue, km.IsLoss, km.Hash,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert killmail %d", km.KillmailID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM killmail_participants WHERE campaign_id = ? AND killmail_id = ?`,
		km.CampaignID, km.KillmailID); err != nil {
		return eris.Wrapf(err, "sqlite: clear participants for %d", km.KillmailID)
	}

	for _, p := range participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO killmail_participants
			(campaign_id, killmail_id, character_id, is_victim, is_final_blow, damage_done, ship_type_id, ship_type_name)
			VALUES (?,?,?,?,?,?,?,?)`,
			km.CampaignID, km.KillmailID, p.CharacterID, p.IsVictim, p.IsFinalBlow,
			p.DamageDone, p.ShipTypeID, p.ShipTypeName,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert participant %d", p.CharacterID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

// TimeLocation returns a previously persisted killmail's time and system id.
func (s *SQLiteStore) TimeLocation(ctx context.Context, killmailID int64) (time.Time, int64, bool, error) {
	var t time.Time
	var systemID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT killmail_time, solar_system_id FROM killmails WHERE killmail_id = ? LIMIT 1`,
		killmailID,
	).Scan(&t, &systemID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, eris.Wrapf(err, "sqlite: time/location for %d", killmailID)
	}
	if systemID == 0 {
		return time.Time{}, 0, false, nil
	}
	return t, systemID, true, nil
}

// CampaignsHolding returns the campaign scopes that already hold killmailID.
func (s *SQLiteStore) CampaignsHolding(ctx context.Context, killmailID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id FROM killmails WHERE killmail_id = ?`, killmailID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: campaigns holding %d", killmailID)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan campaign id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate campaigns holding")
}

// RepairCandidates returns distinct killmail ids with incompleteness markers.
func (s *SQLiteStore) RepairCandidates(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT killmail_id FROM killmails
		WHERE ship_type_id = 0
		   OR ship_group_name = 'Unknown'
		   OR (final_blow_char_id = 0 AND final_blow_corp_id = 0)
		   OR (final_blow_char_name = '' AND final_blow_char_id > 0)
		   OR (final_blow_corp_name = 'Unknown' AND final_blow_corp_id > 0)
		ORDER BY killmail_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: repair candidates")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan repair candidate")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate repair candidates")
}

// Stats returns point-in-time totals.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(sum(CASE WHEN is_active THEN 1 ELSE 0 END), 0) FROM campaigns`,
	).Scan(&st.Campaigns, &st.ActiveCampaigns)
	if err != nil {
		return st, eris.Wrap(err, "sqlite: campaign stats")
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       COALESCE(sum(CASE WHEN campaign_id = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(sum(total_value), 0)
		FROM killmails`,
	).Scan(&st.Killmails, &st.GlobalKillmails, &st.TotalValue)
	if err != nil {
		return st, eris.Wrap(err, "sqlite: killmail stats")
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT count(DISTINCT killmail_id) FROM killmails
		WHERE ship_type_id = 0
		   OR ship_group_name = 'Unknown'
		   OR (final_blow_char_id = 0 AND final_blow_corp_id = 0)
		   OR (final_blow_char_name = '' AND final_blow_char_id > 0)
		   OR (final_blow_corp_name = 'Unknown' AND final_blow_corp_id > 0)`,
	).Scan(&st.RepairNeeded)
	if err != nil {
		return st, eris.Wrap(err, "sqlite: repair stats")
	}
	return st, nil
}

// DeleteOlderThan removes global-scope killmails older than cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM killmails WHERE campaign_id = ? AND killmail_time < ?`,
		model.GlobalScope, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: retention sweep")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: retention rows affected")
}

// SolarSystem reads the local universe table.
func (s *SQLiteStore) SolarSystem(ctx context.Context, systemID int64) (*model.SolarSystem, error) {
	var sys model.SolarSystem
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, constellation_id, region_id, region_name FROM solar_systems WHERE id = ?`,
		systemID,
	).Scan(&sys.ID, &sys.Name, &sys.ConstellationID, &sys.RegionID, &sys.RegionName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: solar system %d", systemID)
	}
	return &sys, nil
}

// UpsertSolarSystem caches a resolved system locally.
func (s *SQLiteStore) UpsertSolarSystem(ctx context.Context, sys *model.SolarSystem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO solar_systems (id, name, constellation_id, region_id, region_name)
		VALUES (?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			constellation_id = excluded.constellation_id,
			region_id = excluded.region_id,
			region_name = excluded.region_name`,
		sys.ID, sys.Name, sys.ConstellationID, sys.RegionID, sys.RegionName)
	return eris.Wrapf(err, "sqlite: upsert solar system %d", sys.ID)
}
