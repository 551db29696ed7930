package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/evetrack/killfeed/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries prepared on each new connection: the hot
// path of a pull run is one holding check, one fallback lookup, and one
// upsert per killmail.
var preparedStatements = map[string]string{
	"time_location":     `SELECT killmail_time, solar_system_id FROM killmails WHERE killmail_id = $1 LIMIT 1`,
	"campaigns_holding": `SELECT campaign_id FROM killmails WHERE killmail_id = $1`,
	"solar_system":      `SELECT id, name, constellation_id, region_id, region_name FROM solar_systems WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS campaigns (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT true,
	is_monthly BOOLEAN NOT NULL DEFAULT false,
	start_date TIMESTAMPTZ NOT NULL,
	end_date   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS campaign_members (
	campaign_id    BIGINT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	character_id   BIGINT NOT NULL DEFAULT 0,
	corporation_id BIGINT NOT NULL DEFAULT 0,
	alliance_id    BIGINT NOT NULL DEFAULT 0,
	is_target      BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS campaign_locations (
	campaign_id BIGINT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	kind        TEXT NOT NULL,
	location_id BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS killmails (
	campaign_id              BIGINT NOT NULL DEFAULT 0,
	killmail_id              BIGINT NOT NULL,
	killmail_time            TIMESTAMPTZ NOT NULL,
	solar_system_id          BIGINT NOT NULL DEFAULT 0,
	system_name              TEXT NOT NULL DEFAULT 'Unknown',
	region_id                BIGINT NOT NULL DEFAULT 0,
	region_name              TEXT NOT NULL DEFAULT 'Unknown',
	ship_type_id             BIGINT NOT NULL DEFAULT 0,
	ship_type_name           TEXT NOT NULL DEFAULT 'Unknown',
	ship_group_name          TEXT NOT NULL DEFAULT 'Unknown',
	victim_id                BIGINT NOT NULL DEFAULT 0,
	victim_name              TEXT NOT NULL DEFAULT 'Unknown',
	victim_corp_id           BIGINT NOT NULL DEFAULT 0,
	victim_corp_name         TEXT NOT NULL DEFAULT 'Unknown',
	victim_alliance_id       BIGINT NOT NULL DEFAULT 0,
	victim_alliance_name     TEXT NOT NULL DEFAULT '',
	final_blow_char_id       BIGINT NOT NULL DEFAULT 0,
	final_blow_char_name     TEXT NOT NULL DEFAULT '',
	final_blow_corp_id       BIGINT NOT NULL DEFAULT 0,
	final_blow_corp_name     TEXT NOT NULL DEFAULT 'Unknown',
	final_blow_alliance_id   BIGINT NOT NULL DEFAULT 0,
	final_blow_alliance_name TEXT NOT NULL DEFAULT '',
	total_value              NUMERIC(20,2) NOT NULL DEFAULT 0,
	is_loss                  BOOLEAN NOT NULL DEFAULT false,
	zkill_hash               TEXT NOT NULL DEFAULT '',
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (campaign_id, killmail_id)
);

CREATE TABLE IF NOT EXISTS killmail_participants (
	campaign_id    BIGINT NOT NULL,
	killmail_id    BIGINT NOT NULL,
	character_id   BIGINT NOT NULL,
	is_victim      BOOLEAN NOT NULL DEFAULT false,
	is_final_blow  BOOLEAN NOT NULL DEFAULT false,
	damage_done    BIGINT NOT NULL DEFAULT 0,
	ship_type_id   BIGINT NOT NULL DEFAULT 0,
	ship_type_name TEXT NOT NULL DEFAULT 'Unknown',
	PRIMARY KEY (campaign_id, killmail_id, character_id),
	FOREIGN KEY (campaign_id, killmail_id) REFERENCES killmails(campaign_id, killmail_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS solar_systems (
	id               BIGINT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT 'Unknown',
	constellation_id BIGINT NOT NULL DEFAULT 0,
	region_id        BIGINT NOT NULL DEFAULT 0,
	region_name      TEXT NOT NULL DEFAULT 'Unknown'
);

CREATE INDEX IF NOT EXISTS idx_killmails_killmail_id ON killmails(killmail_id);
CREATE INDEX IF NOT EXISTS idx_killmails_time ON killmails(killmail_time);
CREATE INDEX IF NOT EXISTS idx_members_campaign ON campaign_members(campaign_id);
CREATE INDEX IF NOT EXISTS idx_locations_campaign ON campaign_locations(campaign_id);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ListCampaigns loads campaign definitions with members, targets, and
// geographic scope. The result is the frozen snapshot for one run.
func (s *PostgresStore) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, is_active, is_monthly, start_date, end_date FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list campaigns")
	}
	defer rows.Close()

	byID := make(map[int64]*model.Campaign)
	var order []int64
	for rows.Next() {
		var c model.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.IsActive, &c.Monthly, &c.StartDate, &c.EndDate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan campaign")
		}
		c.Systems = make(map[int64]struct{})
		c.Constellations = make(map[int64]struct{})
		c.Regions = make(map[int64]struct{})
		byID[c.ID] = &c
		order = append(order, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate campaigns")
	}

	if err := s.loadMembers(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.loadLocations(ctx, byID); err != nil {
		return nil, err
	}

	out := make([]model.Campaign, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (s *PostgresStore) loadMembers(ctx context.Context, byID map[int64]*model.Campaign) error {
	rows, err := s.pool.Query(ctx,
		`SELECT campaign_id, character_id, corporation_id, alliance_id, is_target FROM campaign_members`)
	if err != nil {
		return eris.Wrap(err, "postgres: list members")
	}
	defer rows.Close()

	for rows.Next() {
		var cid int64
		var m model.Member
		var isTarget bool
		if err := rows.Scan(&cid, &m.CharacterID, &m.CorporationID, &m.AllianceID, &isTarget); err != nil {
			return eris.Wrap(err, "postgres: scan member")
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
	return eris.Wrap(rows.Err(), "postgres: iterate members")
}

func (s *PostgresStore) loadLocations(ctx context.Context, byID map[int64]*model.Campaign) error {
	rows, err := s.pool.Query(ctx,
		`SELECT campaign_id, kind, location_id FROM campaign_locations`)
	if err != nil {
		return eris.Wrap(err, "postgres: list locations")
	}
	defer rows.Close()

	for rows.Next() {
		var cid, lid int64
		var kind string
		if err := rows.Scan(&cid, &kind, &lid); err != nil {
			return eris.Wrap(err, "postgres: scan location")
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
	return eris.Wrap(rows.Err(), "postgres: iterate locations")
}

const upsertKillmailSQL = `
INSERT INTO killmails (
	campaign_id, killmail_id, killmail_time, solar_system_id, system_name,
	region_id, region_name, ship_type_id, ship_type_name, ship_group_name,
	victim_id, victim_name, victim_corp_id, victim_corp_name,
	victim_alliance_id, victim_alliance_name,
	final_blow_char_id, final_blow_char_name, final_blow_corp_id,
	final_blow_corp_name, final_blow_alliance_id, final_blow_alliance_name,
	total_value, is_loss, zkill_hash, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,now())
ON CONFLICT (campaign_id, killmail_id) DO UPDATE SET
	killmail_time = EXCLUDED.killmail_time,
	solar_system_id = EXCLUDED.solar_system_id,
	system_name = EXCLUDED.system_name,
	region_id = EXCLUDED.region_id,
	region_name = EXCLUDED.region_name,
	ship_type_id = EXCLUDED.ship_type_id,
	ship_type_name = EXCLUDED.ship_type_name,
	ship_group_name = EXCLUDED.ship_group_name,
	victim_id = EXCLUDED.victim_id,
	victim_name = EXCLUDED.victim_name,
	victim_corp_id = EXCLUDED.victim_corp_id,
	victim_corp_name = EXCLUDED.victim_corp_name,
	victim_alliance_id = EXCLUDED.victim_alliance_id,
	victim_alliance_name = EXCLUDED.victim_alliance_name,
	final_blow_char_id = EXCLUDED.final_blow_char_id,
	final_blow_char_name = EXCLUDED.final_blow_char_name,
	final_blow_corp_id = EXCLUDED.final_blow_corp_id,
	final_blow_corp_name = EXCLUDED.final_blow_corp_name,
	final_blow_alliance_id = EXCLUDED.final_blow_alliance_id,
	final_blow_alliance_name = EXCLUDED.final_blow_alliance_name,
	total_value = EXCLUDED.total_value,
	is_loss = EXCLUDED.is_loss,
	zkill_hash = EXCLUDED.zkill_hash,
	updated_at = now()`

// UpsertKillmail writes a killmail and fully replaces its participant set in
// one transaction. Re-processing the same killmail converges to identical
// stored state.
func (s *PostgresStore) UpsertKillmail(ctx context.Context, km *model.PersistedKillmail, participants []model.Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, upsertKillmailSQL,
		km.CampaignID, km.KillmailID, km.KillmailTime, km.SolarSystemID, km.SystemName,
		km.RegionID, km.RegionName, km.ShipTypeID, km.ShipTypeName, km.ShipGroupName,
		km.VictimID, km.VictimName, km.VictimCorpID, km.VictimCorpName,
		km.VictimAllianceID, km.VictimAllianceName,
		km.FinalBlowCharID, km.FinalBlowCharName, km.FinalBlowCorpID,
		km.FinalBlowCorpName, km.FinalBlowAllianceID, km.FinalBlowAllianceName,
		km.TotalValue, km.IsLoss, km.Hash,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert killmail %d", km.KillmailID)
	}

	// Participants are replaced as a set, never appended.
	if _, err := tx.Exec(ctx,
		`DELETE FROM killmail_participants WHERE campaign_id = $1 AND killmail_id = $2`,
		km.CampaignID, km.KillmailID,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear participants for %d", km.KillmailID)
	}

	for _, p := range participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO killmail_participants
			 (campaign_id, killmail_id, character_id, is_victim, is_final_blow, damage_done, ship_type_id, ship_type_name)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			km.CampaignID, km.KillmailID, p.CharacterID, p.IsVictim, p.IsFinalBlow,
			p.DamageDone, p.ShipTypeID, p.ShipTypeName,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert participant %d", p.CharacterID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert")
}

// TimeLocation returns a previously persisted killmail's time and system id.
func (s *PostgresStore) TimeLocation(ctx context.Context, killmailID int64) (time.Time, int64, bool, error) {
	var t time.Time
	var systemID int64
	err := s.pool.QueryRow(ctx,
		`SELECT killmail_time, solar_system_id FROM killmails WHERE killmail_id = $1 LIMIT 1`,
		killmailID,
	).Scan(&t, &systemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, 0, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, eris.Wrapf(err, "postgres: time/location for %d", killmailID)
	}
	if systemID == 0 {
		return time.Time{}, 0, false, nil
	}
	return t, systemID, true, nil
}

// CampaignsHolding returns the campaign scopes that already hold killmailID.
func (s *PostgresStore) CampaignsHolding(ctx context.Context, killmailID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT campaign_id FROM killmails WHERE killmail_id = $1`, killmailID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: campaigns holding %d", killmailID)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan campaign id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate campaigns holding")
}

// RepairCandidates returns distinct killmail ids with incompleteness markers.
func (s *PostgresStore) RepairCandidates(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT killmail_id FROM killmails
		WHERE ship_type_id = 0
		   OR ship_group_name = 'Unknown'
		   OR (final_blow_char_id = 0 AND final_blow_corp_id = 0)
		   OR (final_blow_char_name = '' AND final_blow_char_id > 0)
		   OR (final_blow_corp_name = 'Unknown' AND final_blow_corp_id > 0)
		ORDER BY killmail_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: repair candidates")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan repair candidate")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate repair candidates")
}

// Stats returns point-in-time totals.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE is_active) FROM campaigns`,
	).Scan(&st.Campaigns, &st.ActiveCampaigns)
	if err != nil {
		return st, eris.Wrap(err, "postgres: campaign stats")
	}
	err = s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE campaign_id = 0),
		       COALESCE(sum(total_value), 0)
		FROM killmails`,
	).Scan(&st.Killmails, &st.GlobalKillmails, &st.TotalValue)
	if err != nil {
		return st, eris.Wrap(err, "postgres: killmail stats")
	}
	err = s.pool.QueryRow(ctx, `
		SELECT count(DISTINCT killmail_id) FROM killmails
		WHERE ship_type_id = 0
		   OR ship_group_name = 'Unknown'
		   OR (final_blow_char_id = 0 AND final_blow_corp_id = 0)
		   OR (final_blow_char_name = '' AND final_blow_char_id > 0)
		   OR (final_blow_corp_name = 'Unknown' AND final_blow_corp_id > 0)`,
	).Scan(&st.RepairNeeded)
	if err != nil {
		return st, eris.Wrap(err, "postgres: repair stats")
	}
	return st, nil
}

// DeleteOlderThan removes global-scope killmails older than cutoff.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM killmails WHERE campaign_id = $1 AND killmail_time < $2`,
		model.GlobalScope, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: retention sweep")
	}
	return tag.RowsAffected(), nil
}

// SolarSystem reads the local universe table.
func (s *PostgresStore) SolarSystem(ctx context.Context, systemID int64) (*model.SolarSystem, error) {
	var sys model.SolarSystem
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, constellation_id, region_id, region_name FROM solar_systems WHERE id = $1`,
		systemID,
	).Scan(&sys.ID, &sys.Name, &sys.ConstellationID, &sys.RegionID, &sys.RegionName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: solar system %d", systemID)
	}
	return &sys, nil
}

// UpsertSolarSystem caches a resolved system locally.
func (s *PostgresStore) UpsertSolarSystem(ctx context.Context, sys *model.SolarSystem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO solar_systems (id, name, constellation_id, region_id, region_name)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			constellation_id = EXCLUDED.constellation_id,
			region_id = EXCLUDED.region_id,
			region_name = EXCLUDED.region_name`,
		sys.ID, sys.Name, sys.ConstellationID, sys.RegionID, sys.RegionName)
	return eris.Wrapf(err, "postgres: upsert solar system %d", sys.ID)
}
