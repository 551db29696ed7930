package pipeline

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/evetrack/killfeed/internal/completer"
	"github.com/evetrack/killfeed/internal/matcher"
	"github.com/evetrack/killfeed/internal/model"
	"github.com/evetrack/killfeed/internal/universe"
)

// RepairReport summarizes one repair pass.
type RepairReport struct {
	Candidates int
	Repaired   int // scope rows rewritten
	Failed     int // candidates that could not be refetched or completed
}

// Repair refetches killmails whose persisted rows carry incompleteness
// markers, re-runs completion and matching against every campaign still
// referencing them, and rewrites the scope rows that still match. A row
// that no longer matches any of its scope's campaigns is left untouched.
// No run lock is taken; the upserts are idempotent and safe to interleave
// with a pull.
func (p *Pipeline) Repair(ctx context.Context) (*RepairReport, error) {
	ids, err := p.store.RepairCandidates(ctx, p.cfg.RepairLimit)
	if err != nil {
		return nil, err
	}
	rep := &RepairReport{Candidates: len(ids)}
	if len(ids) == 0 {
		zap.L().Info("repair: nothing to do")
		return rep, nil
	}

	campaigns, err := p.store.ListCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	byScope := make(map[int64][]*model.Campaign)
	for i := range campaigns {
		c := &campaigns[i]
		byScope[c.PersistScope()] = append(byScope[c.PersistScope()], c)
	}

	r := &run{
		p:         p,
		rc:        NewRunContext(),
		comp:      completer.New(p.store, p.detail),
		res:       universe.New(p.store, p.detail),
		campaigns: campaigns,
		rep:       &Report{},
	}
	r.m = matcher.New(r.res)

	concurrency := p.cfg.RepairConcurrency
	if concurrency <= 0 {
		concurrency = DefaultRepairConcurrency
	}

	var repaired, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			n, err := r.repairOne(gctx, id, byScope)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				zap.L().Warn("repair failed",
					zap.Int64("killmail_id", id),
					zap.Error(err),
				)
				return nil
			}
			repaired.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	rep.Repaired = int(repaired.Load())
	rep.Failed = int(failed.Load())
	zap.L().Info("repair finished",
		zap.Int("candidates", rep.Candidates),
		zap.Int("repaired", rep.Repaired),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

// repairOne refetches a single killmail by id, re-evaluates it against the
// campaigns of each holding scope, and rewrites the scopes that still match.
// Returns the number of scope rows rewritten.
func (r *run) repairOne(ctx context.Context, killmailID int64, byScope map[int64][]*model.Campaign) (int, error) {
	raw, err := r.p.feed.FetchKillmail(ctx, killmailID)
	if err != nil {
		return 0, err
	}
	km, err := r.comp.Complete(ctx, raw)
	if err != nil {
		return 0, err
	}

	held, err := r.p.store.CampaignsHolding(ctx, killmailID)
	if err != nil {
		return 0, err
	}

	rewritten := 0
	for _, scope := range held {
		holders, ok := byScope[scope]
		if !ok {
			// The campaign was deleted out from under its rows; leave
			// them and let retention or the application clean up.
			zap.L().Debug("repair: no campaign for scope",
				zap.Int64("scope", scope),
				zap.Int64("killmail_id", killmailID),
			)
			continue
		}
		var matched []*model.Campaign
		for _, c := range holders {
			if res := r.m.Evaluate(ctx, c, km); res.Matched {
				matched = append(matched, c)
			}
		}
		if len(matched) == 0 {
			// The row was written under rules that no longer apply; the
			// stale data stays rather than being refreshed under a
			// mismatched roster.
			zap.L().Debug("repair: killmail no longer matches scope",
				zap.Int64("scope", scope),
				zap.Int64("killmail_id", killmailID),
			)
			continue
		}
		if err := r.persist(ctx, scope, matched, km); err != nil {
			return rewritten, err
		}
		rewritten++
	}
	return rewritten, nil
}
