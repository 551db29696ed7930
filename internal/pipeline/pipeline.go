package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/evetrack/killfeed/internal/completer"
	"github.com/evetrack/killfeed/internal/esi"
	"github.com/evetrack/killfeed/internal/matcher"
	"github.com/evetrack/killfeed/internal/model"
	"github.com/evetrack/killfeed/internal/planner"
	"github.com/evetrack/killfeed/internal/resilience"
	"github.com/evetrack/killfeed/internal/runlock"
	"github.com/evetrack/killfeed/internal/store"
	"github.com/evetrack/killfeed/internal/universe"
	"github.com/evetrack/killfeed/internal/walker"
	"github.com/evetrack/killfeed/internal/zkill"
)

// RunStatus classifies how a pull run ended.
type RunStatus string

const (
	// StatusCompleted means every planned entity was walked to its floor.
	StatusCompleted RunStatus = "completed"
	// StatusAlreadyRunning means another holder owned the run lock.
	StatusAlreadyRunning RunStatus = "already_running"
	// StatusPartial means the wall clock budget ran out with entities left.
	StatusPartial RunStatus = "partial"
)

// Config tunes a Pipeline. The zero value disables the budget and uses the
// walker and repair defaults.
type Config struct {
	// Budget is the wall clock allowance for a single pull run. Zero means
	// unlimited. The budget is checked between entities, never mid-walk, so
	// an entity that was started always finishes.
	Budget time.Duration
	// MaxPagesPerMonth caps backward walks; zero uses the walker default.
	MaxPagesPerMonth int
	// RepairLimit bounds how many damaged killmails one repair pass takes
	// on. Zero uses the store default.
	RepairLimit int
	// RepairConcurrency is the worker count of the repair pass.
	RepairConcurrency int
	// RetentionMonths is how long global-scope killmails are kept. Zero
	// disables the sweep.
	RetentionMonths int
}

// DefaultRepairConcurrency bounds the repair workers when the config does
// not say otherwise. The detail client's rate limiter is the real throttle;
// this just keeps the goroutine count sane.
const DefaultRepairConcurrency = 4

// Report summarizes one pull run.
type Report struct {
	Status   RunStatus
	Entities int // planned feed entities
	Walked   int // entities actually walked
	Pages    int
	Records  int // feed records seen, duplicates included
	Unique   int // distinct killmails handled
	Matched  int // killmail-campaign rows written
	Skipped  int // killmails dropped as incomplete or malformed
	Elapsed  time.Duration
}

// Pipeline wires the feed, the detail service, the store, and the run lock
// into the pull, repair, and retention entry points.
type Pipeline struct {
	store  store.Store
	feed   zkill.Client
	detail esi.Client
	lock   *runlock.Lock
	cfg    Config
	now    func() time.Time
}

// New assembles a Pipeline.
func New(st store.Store, feed zkill.Client, detail esi.Client, lock *runlock.Lock, cfg Config) *Pipeline {
	return &Pipeline{
		store:  st,
		feed:   feed,
		detail: detail,
		lock:   lock,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (p *Pipeline) WithNow(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// PullOptions adjusts one pull run.
type PullOptions struct {
	// PastSeconds pulls a fixed recent window instead of the default
	// start-of-today floor.
	PastSeconds int64
	// Backfill walks every entity all the way back to its planned floor.
	Backfill bool
}

// Pull executes one ingestion run: acquire the run lock, snapshot the
// campaign definitions, plan the entity pulls, walk each feed, and complete,
// match, and persist every new killmail. Returns a Report even on partial
// outcomes; the error is reserved for infrastructure failures.
func (p *Pipeline) Pull(ctx context.Context, opts PullOptions) (*Report, error) {
	start := p.now()

	ok, err := p.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		zap.L().Info("pull skipped, another run holds the lock")
		return &Report{Status: StatusAlreadyRunning}, nil
	}
	defer func() {
		if err := p.lock.Release(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("failed to release run lock", zap.Error(err))
		}
	}()

	campaigns, err := p.snapshot(ctx, start)
	if err != nil {
		return nil, err
	}
	if len(campaigns) == 0 {
		zap.L().Info("no active campaigns, nothing to pull")
		return &Report{Status: StatusCompleted, Elapsed: p.now().Sub(start)}, nil
	}

	specs := planner.Plan(campaigns)
	p.applyFloor(specs, start, opts)

	r := &run{
		p:         p,
		rc:        NewRunContext(),
		comp:      completer.New(p.store, p.detail),
		res:       universe.New(p.store, p.detail),
		campaigns: campaigns,
		rep:       &Report{Status: StatusCompleted, Entities: len(specs)},
	}
	r.m = matcher.New(r.res)

	w := walker.New(p.feed, r.comp).WithNow(p.now)
	if p.cfg.MaxPagesPerMonth > 0 {
		w = w.WithMaxPagesPerMonth(p.cfg.MaxPagesPerMonth)
	}

	var deadline time.Time
	if p.cfg.Budget > 0 {
		deadline = start.Add(p.cfg.Budget)
	}

	for _, spec := range specs {
		if !deadline.IsZero() && p.now().After(deadline) {
			r.rep.Status = StatusPartial
			zap.L().Warn("pull budget exhausted",
				zap.Int("walked", r.rep.Walked),
				zap.Int("remaining", len(specs)-r.rep.Walked),
			)
			break
		}
		stats, err := w.Walk(ctx, spec, r.handlePage)
		r.rep.Pages += stats.Pages
		r.rep.Records += stats.Records
		r.rep.Walked++
		if err != nil {
			return r.rep, eris.Wrapf(err, "pull: walk %s/%d", spec.Kind, spec.ID)
		}
	}

	r.rep.Unique = r.rc.Processed()
	r.rep.Elapsed = p.now().Sub(start)
	zap.L().Info("pull finished",
		zap.String("status", string(r.rep.Status)),
		zap.Int("entities", r.rep.Entities),
		zap.Int("pages", r.rep.Pages),
		zap.Int("records", r.rep.Records),
		zap.Int("unique", r.rep.Unique),
		zap.Int("matched", r.rep.Matched),
		zap.Int("skipped", r.rep.Skipped),
		zap.Duration("elapsed", r.rep.Elapsed),
	)
	return r.rep, nil
}

// snapshot loads the campaign table once and freezes it for the run.
// Monthly rosters have their effective start clamped to the current month;
// their feed queries and time gate never reach further back than that.
func (p *Pipeline) snapshot(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	all, err := p.store.ListCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	active := planner.ActiveCampaigns(all, now)
	ms := monthStart(now)
	for i := range active {
		if active[i].Monthly && active[i].StartDate.Before(ms) {
			active[i].StartDate = ms
		}
	}
	return active, nil
}

// applyFloor raises each spec's floor for routine runs. The planner floors
// at campaign starts, which is only wanted for explicit backfills; a
// scheduled run covers today (or a requested window) and trusts earlier
// runs for the rest.
func (p *Pipeline) applyFloor(specs []model.PullSpec, now time.Time, opts PullOptions) {
	if opts.Backfill {
		return
	}
	floor := dayStart(now)
	if opts.PastSeconds > 0 {
		floor = now.Add(-time.Duration(opts.PastSeconds) * time.Second)
	}
	for i := range specs {
		if floor.After(specs[i].Earliest) {
			specs[i].Earliest = floor
		}
	}
}

// run bundles everything one pull needs so the page handler stays a method.
type run struct {
	p         *Pipeline
	rc        *RunContext
	comp      *completer.Completer
	res       *universe.Resolver
	m         *matcher.Matcher
	campaigns []model.Campaign
	rep       *Report
}

func (r *run) handlePage(ctx context.Context, kms []model.RawKillmail) error {
	for i := range kms {
		raw := &kms[i]
		if raw.KillmailID == 0 {
			continue
		}
		if !r.rc.MarkProcessed(raw.KillmailID) {
			continue
		}
		if err := r.processKillmail(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

// processKillmail takes one new killmail through holding check, completion,
// matching, and persistence. Record-scoped failures (feed or incompleteness)
// are logged and counted, never propagated; store failures abort the run —
// a dead database must not masquerade as a completed pull.
func (r *run) processKillmail(ctx context.Context, raw *model.RawKillmail) error {
	held, err := r.p.store.CampaignsHolding(ctx, raw.KillmailID)
	if err != nil {
		return eris.Wrapf(err, "holding lookup for killmail %d", raw.KillmailID)
	}
	heldSet := make(map[int64]struct{}, len(held))
	for _, scope := range held {
		heldSet[scope] = struct{}{}
	}

	// Monthly rosters re-evaluate even when their scope already holds the
	// killmail so leaderboard rows pick up value corrections. Campaign rows
	// are immutable once written.
	var candidates []*model.Campaign
	for i := range r.campaigns {
		c := &r.campaigns[i]
		if _, ok := heldSet[c.PersistScope()]; ok && !c.Monthly {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	km, err := r.comp.Complete(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.rep.Skipped++
		zap.L().Warn("killmail skipped",
			zap.Int64("killmail_id", raw.KillmailID),
			zap.String("kind", string(resilience.KindOf(err))),
			zap.Error(err),
		)
		return nil
	}

	// Matched campaigns persist grouped by scope: the global namespace gets
	// one row per killmail no matter how many monthly rosters matched, with
	// the participant set drawn from all of them.
	byScope := make(map[int64][]*model.Campaign)
	for _, c := range candidates {
		res := r.m.Evaluate(ctx, c, km)
		if !res.Matched {
			continue
		}
		scope := c.PersistScope()
		byScope[scope] = append(byScope[scope], c)
	}

	scopes := make([]int64, 0, len(byScope))
	for scope := range byScope {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })

	for _, scope := range scopes {
		if err := r.persist(ctx, scope, byScope[scope], km); err != nil {
			return eris.Wrapf(err, "persist killmail %d scope %d", km.KillmailID, scope)
		}
		r.rep.Matched++
	}
	return nil
}

// persist denormalizes one killmail for one scope and writes it with its
// participant set. The friendly roster is the union of every campaign that
// matched under the scope.
func (r *run) persist(ctx context.Context, scope int64, matched []*model.Campaign, km *model.Killmail) error {
	friendly := unionFriendly(matched)
	fb := km.FinalBlow()

	ids := []int64{
		km.Victim.CharacterID, km.Victim.CorporationID, km.Victim.AllianceID,
		fb.CharacterID, fb.CorporationID, fb.AllianceID,
	}
	names := r.rc.Names(ctx, r.p.detail, ids)

	pk := &model.PersistedKillmail{
		CampaignID:    scope,
		KillmailID:    km.KillmailID,
		KillmailTime:  km.Time,
		SolarSystemID: km.SolarSystemID,
		SystemName:    model.UnknownName,
		RegionName:    model.UnknownName,

		ShipTypeID:    km.Victim.ShipTypeID,
		ShipTypeName:  model.UnknownName,
		ShipGroupName: model.UnknownName,

		VictimID:           km.Victim.CharacterID,
		VictimName:         nameOr(names, km.Victim.CharacterID, model.UnknownName),
		VictimCorpID:       km.Victim.CorporationID,
		VictimCorpName:     nameOr(names, km.Victim.CorporationID, model.UnknownName),
		VictimAllianceID:   km.Victim.AllianceID,
		VictimAllianceName: nameOr(names, km.Victim.AllianceID, ""),

		FinalBlowCharID:       fb.CharacterID,
		FinalBlowCharName:     nameOr(names, fb.CharacterID, ""),
		FinalBlowCorpID:       fb.CorporationID,
		FinalBlowCorpName:     nameOr(names, fb.CorporationID, model.UnknownName),
		FinalBlowAllianceID:   fb.AllianceID,
		FinalBlowAllianceName: nameOr(names, fb.AllianceID, ""),

		TotalValue: km.TotalValue,
		IsLoss:     friendly.ContainsParty(km.Victim.CharacterID, km.Victim.CorporationID, km.Victim.AllianceID),
		Hash:       km.Hash,
	}

	if sys, err := r.res.SolarSystem(ctx, km.SolarSystemID); err != nil {
		return err
	} else if sys != nil {
		pk.SystemName = sys.Name
		pk.RegionID = sys.RegionID
		pk.RegionName = sys.RegionName
	}

	if info := r.rc.ShipType(ctx, r.p.detail, km.Victim.ShipTypeID); info != nil {
		pk.ShipTypeName = info.Name
		if info.GroupName != "" {
			pk.ShipGroupName = info.GroupName
		}
	}

	parts := r.participants(ctx, scope, friendly, km)
	return r.p.store.UpsertKillmail(ctx, pk, parts)
}

// participants extracts the tracked characters of the killmail: every
// friendly attacker, plus the victim when the loss is friendly.
func (r *run) participants(ctx context.Context, scope int64, friendly model.EntitySet, km *model.Killmail) []model.Participant {
	var parts []model.Participant
	seen := make(map[int64]struct{})
	for _, a := range km.Attackers {
		if a.CharacterID == 0 {
			continue
		}
		if !friendly.ContainsParty(a.CharacterID, a.CorporationID, a.AllianceID) {
			continue
		}
		if _, dup := seen[a.CharacterID]; dup {
			continue
		}
		seen[a.CharacterID] = struct{}{}
		parts = append(parts, model.Participant{
			CampaignID:   scope,
			KillmailID:   km.KillmailID,
			CharacterID:  a.CharacterID,
			IsFinalBlow:  a.FinalBlow,
			DamageDone:   a.DamageDone,
			ShipTypeID:   a.ShipTypeID,
			ShipTypeName: r.shipName(ctx, a.ShipTypeID),
		})
	}
	v := km.Victim
	if v.CharacterID != 0 && friendly.ContainsParty(v.CharacterID, v.CorporationID, v.AllianceID) {
		if _, dup := seen[v.CharacterID]; !dup {
			parts = append(parts, model.Participant{
				CampaignID:   scope,
				KillmailID:   km.KillmailID,
				CharacterID:  v.CharacterID,
				IsVictim:     true,
				DamageDone:   v.DamageTaken,
				ShipTypeID:   v.ShipTypeID,
				ShipTypeName: r.shipName(ctx, v.ShipTypeID),
			})
		}
	}
	return parts
}

func (r *run) shipName(ctx context.Context, typeID int64) string {
	if info := r.rc.ShipType(ctx, r.p.detail, typeID); info != nil {
		return info.Name
	}
	return model.UnknownName
}

func unionFriendly(campaigns []*model.Campaign) model.EntitySet {
	if len(campaigns) == 1 {
		return campaigns[0].FriendlyIDs()
	}
	union := model.NewEntitySet()
	for _, c := range campaigns {
		s := c.FriendlyIDs()
		for id := range s.Characters {
			union.Characters[id] = struct{}{}
		}
		for id := range s.Corporations {
			union.Corporations[id] = struct{}{}
		}
		for id := range s.Alliances {
			union.Alliances[id] = struct{}{}
		}
	}
	return union
}

func nameOr(names map[int64]string, id int64, fallback string) string {
	if id == 0 {
		return fallback
	}
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return fallback
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
