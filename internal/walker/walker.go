// Package walker drives the backward walk over the killmail feed for one
// planned entity.
package walker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evetrack/killfeed/internal/model"
	"github.com/evetrack/killfeed/internal/zkill"
)

// DefaultMaxPagesPerMonth caps runaway months; hitting the cap logs and
// moves to the next older month rather than failing the run.
const DefaultMaxPagesPerMonth = 50

// RecentWindow bounds how far back the relative pastSeconds mode is used.
// Floors older than this force the calendar walk.
const RecentWindow = 90 * 24 * time.Hour

// PageHandler consumes one fetched feed page. An error from the handler
// aborts the walk (it signals a local-resource failure, not a feed problem).
type PageHandler func(ctx context.Context, kms []model.RawKillmail) error

// TimeResolver extracts a record's timestamp as cheaply as possible; ok is
// false when the time cannot be determined without guessing.
type TimeResolver interface {
	ResolveTime(ctx context.Context, raw *model.RawKillmail) (time.Time, bool)
}

// Stats summarizes one entity's walk.
type Stats struct {
	Pages   int
	Records int
	// Capped is the number of months abandoned at the page cap.
	Capped int
}

// Walker fetches feed pages for one entity until exhaustion, staleness, or
// the page budget. Politeness spacing lives in the feed client, not here.
type Walker struct {
	feed             zkill.Client
	times            TimeResolver
	maxPagesPerMonth int
	now              func() time.Time
}

// New creates a Walker.
func New(feed zkill.Client, times TimeResolver) *Walker {
	return &Walker{
		feed:             feed,
		times:            times,
		maxPagesPerMonth: DefaultMaxPagesPerMonth,
		now:              time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (w *Walker) WithNow(now func() time.Time) *Walker {
	w.now = now
	return w
}

// WithMaxPagesPerMonth overrides the per-month page cap.
func (w *Walker) WithMaxPagesPerMonth(n int) *Walker {
	if n > 0 {
		w.maxPagesPerMonth = n
	}
	return w
}

// Walk pulls every feed page relevant to the spec's time floor and passes
// each page to handler. Floors within RecentWindow use the relative query
// mode; older floors walk calendar months backward.
func (w *Walker) Walk(ctx context.Context, spec model.PullSpec, handler PageHandler) (Stats, error) {
	if w.now().Sub(spec.Earliest) <= RecentWindow {
		return w.walkRecent(ctx, spec, handler)
	}
	return w.walkMonths(ctx, spec, handler)
}

// walkRecent performs a single paginated walk over the relative-recency
// query. A short page signals feed exhaustion.
func (w *Walker) walkRecent(ctx context.Context, spec model.PullSpec, handler PageHandler) (Stats, error) {
	var stats Stats
	pastSeconds := int64(w.now().Sub(spec.Earliest).Seconds())
	if pastSeconds < 1 {
		pastSeconds = 1
	}

	for page := 1; page <= w.maxPagesPerMonth; page++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		kms, err := w.feed.FetchPage(ctx, zkill.FeedQuery{
			Kind: spec.Kind, ID: spec.ID, PastSeconds: pastSeconds, Page: page,
		})
		if err != nil {
			w.logFetchFailure(spec, 0, 0, page, err)
			return stats, nil
		}
		if len(kms) == 0 {
			return stats, nil
		}

		stats.Pages++
		stats.Records += len(kms)
		if err := handler(ctx, kms); err != nil {
			return stats, err
		}

		if len(kms) < model.FeedPageSize {
			return stats, nil
		}
		if t, ok := w.times.ResolveTime(ctx, &kms[len(kms)-1]); ok && t.Before(spec.Earliest) {
			return stats, nil
		}
	}
	stats.Capped++
	zap.L().Warn("recent walk page cap reached, stopping entity walk",
		zap.String("kind", string(spec.Kind)),
		zap.Int64("id", spec.ID),
		zap.Int("cap", w.maxPagesPerMonth),
	)
	return stats, nil
}

// walkMonths iterates calendar months backward from the current month to
// the floor's month. A page whose oldest record predates the floor ends the
// entire walk; a fetch failure or the page cap only ends the month.
func (w *Walker) walkMonths(ctx context.Context, spec model.PullSpec, handler PageHandler) (Stats, error) {
	var stats Stats
	now := w.now().UTC()
	year, month := now.Year(), now.Month()
	floorYear, floorMonth := spec.Earliest.UTC().Year(), spec.Earliest.UTC().Month()

	for year > floorYear || (year == floorYear && month >= floorMonth) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		zap.L().Debug("walking month",
			zap.String("kind", string(spec.Kind)),
			zap.Int64("id", spec.ID),
			zap.Int("year", year),
			zap.Int("month", int(month)),
		)

		reachedFloor, capped, err := w.walkOneMonth(ctx, spec, year, month, handler, &stats)
		if err != nil {
			return stats, err
		}
		if capped {
			stats.Capped++
			zap.L().Warn("month page cap reached, moving to older month",
				zap.String("kind", string(spec.Kind)),
				zap.Int64("id", spec.ID),
				zap.Int("year", year),
				zap.Int("month", int(month)),
				zap.Int("cap", w.maxPagesPerMonth),
			)
		}
		if reachedFloor {
			zap.L().Debug("reached time floor, stopping entity walk",
				zap.String("kind", string(spec.Kind)),
				zap.Int64("id", spec.ID),
				zap.Time("floor", spec.Earliest),
			)
			return stats, nil
		}

		month--
		if month < time.January {
			month = time.December
			year--
		}
	}
	return stats, nil
}

func (w *Walker) walkOneMonth(ctx context.Context, spec model.PullSpec, year int, month time.Month, handler PageHandler, stats *Stats) (reachedFloor, capped bool, err error) {
	for page := 1; page <= w.maxPagesPerMonth; page++ {
		if err := ctx.Err(); err != nil {
			return false, false, err
		}

		kms, err := w.feed.FetchPage(ctx, zkill.FeedQuery{
			Kind: spec.Kind, ID: spec.ID, Year: year, Month: month, Page: page,
		})
		if err != nil {
			w.logFetchFailure(spec, year, month, page, err)
			return false, false, nil
		}
		if len(kms) == 0 {
			return false, false, nil
		}

		stats.Pages++
		stats.Records += len(kms)
		if err := handler(ctx, kms); err != nil {
			return false, false, err
		}

		// Feed pages come newest-first; once the oldest record on a page
		// predates the floor there is nothing older worth fetching.
		if t, ok := w.times.ResolveTime(ctx, &kms[len(kms)-1]); ok && t.Before(spec.Earliest) {
			return true, false, nil
		}
		if len(kms) < model.FeedPageSize {
			return false, false, nil
		}
	}
	return false, true, nil
}

func (w *Walker) logFetchFailure(spec model.PullSpec, year int, month time.Month, page int, err error) {
	zap.L().Error("feed page fetch failed, skipping rest of range",
		zap.String("kind", string(spec.Kind)),
		zap.Int64("id", spec.ID),
		zap.Int("year", year),
		zap.Int("month", int(month)),
		zap.Int("page", page),
		zap.Error(err),
	)
}
