package walker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetrack/killfeed/internal/model"
	"github.com/evetrack/killfeed/internal/zkill"
)

var testNow = time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

// fakeFeed scripts FetchPage responses and records the queries it saw.
type fakeFeed struct {
	respond func(q zkill.FeedQuery) ([]model.RawKillmail, error)
	queries []zkill.FeedQuery
}

func (f *fakeFeed) FetchPage(ctx context.Context, q zkill.FeedQuery) ([]model.RawKillmail, error) {
	f.queries = append(f.queries, q)
	return f.respond(q)
}

func (f *fakeFeed) FetchKillmail(ctx context.Context, killmailID int64) (*model.RawKillmail, error) {
	return nil, errors.New("not implemented")
}

// stampResolver reads the record's own timestamp; records without one stay
// unresolved.
type stampResolver struct{}

func (stampResolver) ResolveTime(ctx context.Context, raw *model.RawKillmail) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, raw.KillmailTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// page builds n records, newest first, ending at oldest.
func page(n int, oldest time.Time) []model.RawKillmail {
	kms := make([]model.RawKillmail, n)
	for i := range kms {
		kms[i] = model.RawKillmail{
			KillmailID:   int64(1000 + i),
			KillmailTime: oldest.Add(time.Duration(n-1-i) * time.Minute).Format(time.RFC3339),
		}
	}
	return kms
}

func collectPages(t *testing.T) (PageHandler, *int, *int) {
	t.Helper()
	pages, records := 0, 0
	return func(ctx context.Context, kms []model.RawKillmail) error {
		pages++
		records += len(kms)
		return nil
	}, &pages, &records
}

func TestWalk_RecentMode_StopsOnShortPage(t *testing.T) {
	floor := testNow.Add(-24 * time.Hour)
	feed := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		if q.Page == 1 {
			return page(model.FeedPageSize, testNow.Add(-2*time.Hour)), nil
		}
		return page(7, testNow.Add(-4*time.Hour)), nil
	}}
	w := New(feed, stampResolver{}).WithNow(func() time.Time { return testNow })

	handler, _, _ := collectPages(t)
	stats, err := w.Walk(context.Background(), model.PullSpec{
		Kind: model.KindAlliance, ID: 99, Earliest: floor,
	}, handler)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, model.FeedPageSize+7, stats.Records)
	require.Len(t, feed.queries, 2)
	assert.Equal(t, int64(86400), feed.queries[0].PastSeconds)
	assert.Zero(t, feed.queries[0].Year, "recent floors must use the relative query mode")
	assert.Equal(t, 2, feed.queries[1].Page)
}

func TestWalk_RecentMode_StopsPastFloor(t *testing.T) {
	floor := testNow.Add(-48 * time.Hour)
	full := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		// Full pages whose oldest record is already older than the floor.
		return page(model.FeedPageSize, floor.Add(-time.Hour)), nil
	}}
	w := New(full, stampResolver{}).WithNow(func() time.Time { return testNow })

	handler, _, _ := collectPages(t)
	stats, err := w.Walk(context.Background(), model.PullSpec{
		Kind: model.KindCorporation, ID: 100, Earliest: floor,
	}, handler)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Pages, "a page crossing the floor ends the walk despite being full")
}

func TestWalk_RecentMode_FetchFailureEndsWalkCleanly(t *testing.T) {
	feed := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		return nil, errors.New("feed down")
	}}
	w := New(feed, stampResolver{}).WithNow(func() time.Time { return testNow })

	handler, _, _ := collectPages(t)
	stats, err := w.Walk(context.Background(), model.PullSpec{
		Kind: model.KindAlliance, ID: 99, Earliest: testNow.Add(-time.Hour),
	}, handler)

	require.NoError(t, err, "feed failures degrade coverage, they do not fail the run")
	assert.Zero(t, stats.Pages)
}

func TestWalk_RecentMode_PageCapCountsAsCapped(t *testing.T) {
	floor := testNow.Add(-24 * time.Hour)
	// Every page is full and recent: the walk only stops at the cap.
	feed := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		return page(model.FeedPageSize, testNow.Add(-time.Hour)), nil
	}}
	w := New(feed, stampResolver{}).WithNow(func() time.Time { return testNow }).WithMaxPagesPerMonth(3)

	handler, _, _ := collectPages(t)
	stats, err := w.Walk(context.Background(), model.PullSpec{
		Kind: model.KindCorporation, ID: 100, Earliest: floor,
	}, handler)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, 1, stats.Capped, "hitting the cap in recent mode is counted, as in month mode")
}

func TestWalk_MonthMode_WalksBackwardUntilFloor(t *testing.T) {
	// Floor in February, four months back: calendar mode.
	floor := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	feed := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		switch q.Month {
		case time.June, time.May, time.April, time.March:
			// Something this month, all after the floor.
			return page(5, time.Date(q.Year, q.Month, 3, 0, 0, 0, 0, time.UTC)), nil
		case time.February:
			// Oldest record predates the floor: the whole walk is done.
			return page(5, floor.Add(-time.Hour)), nil
		default:
			return nil, fmt.Errorf("unexpected month %v", q.Month)
		}
	}}
	w := New(feed, stampResolver{}).WithNow(func() time.Time { return testNow })

	handler, _, _ := collectPages(t)
	stats, err := w.Walk(context.Background(), model.PullSpec{
		Kind: model.KindAlliance, ID: 99, Earliest: floor,
	}, handler)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Pages)
	months := map[time.Month]bool{}
	for _, q := range feed.queries {
		assert.Zero(t, q.PastSeconds, "calendar mode must not use relative queries")
		months[q.Month] = true
	}
	assert.True(t, months[time.February])
	assert.False(t, months[time.January], "nothing older than the floor month is fetched")
}

func TestWalk_MonthMode_PageCapAbandonsMonthOnly(t *testing.T) {
	floor := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	feed := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		// Every page full and after the floor: the cap is the only brake.
		return page(model.FeedPageSize, time.Date(q.Year, q.Month, 20, 0, 0, 0, 0, time.UTC)), nil
	}}
	w := New(feed, stampResolver{}).
		WithNow(func() time.Time { return testNow }).
		WithMaxPagesPerMonth(2)

	handler, _, _ := collectPages(t)
	stats, err := w.Walk(context.Background(), model.PullSpec{
		Kind: model.KindRegion, ID: 10000002, Earliest: floor,
	}, handler)
	require.NoError(t, err)

	// Five months (Jun..Feb), two pages each, all capped.
	assert.Equal(t, 10, stats.Pages)
	assert.Equal(t, 5, stats.Capped)
}

func TestWalk_MonthMode_FetchFailureSkipsMonthOnly(t *testing.T) {
	floor := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	feed := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		if q.Month == time.June {
			return nil, errors.New("month unavailable")
		}
		// The next older month immediately crosses the floor.
		return page(3, floor.Add(-time.Hour)), nil
	}}
	w := New(feed, stampResolver{}).WithNow(func() time.Time { return testNow })

	handler, _, _ := collectPages(t)
	stats, err := w.Walk(context.Background(), model.PullSpec{
		Kind: model.KindAlliance, ID: 99, Earliest: floor,
	}, handler)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Pages, "May is still walked after June fails")
}

func TestWalk_HandlerErrorAborts(t *testing.T) {
	feed := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		return page(3, testNow.Add(-time.Hour)), nil
	}}
	w := New(feed, stampResolver{}).WithNow(func() time.Time { return testNow })

	boom := errors.New("db write failed")
	_, err := w.Walk(context.Background(), model.PullSpec{
		Kind: model.KindAlliance, ID: 99, Earliest: testNow.Add(-2 * time.Hour),
	}, func(ctx context.Context, kms []model.RawKillmail) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWalk_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	feed := &fakeFeed{respond: func(q zkill.FeedQuery) ([]model.RawKillmail, error) {
		t.Fatal("no fetch after cancellation")
		return nil, nil
	}}
	w := New(feed, stampResolver{}).WithNow(func() time.Time { return testNow })

	_, err := w.Walk(ctx, model.PullSpec{
		Kind: model.KindAlliance, ID: 99, Earliest: testNow.Add(-time.Hour),
	}, func(ctx context.Context, kms []model.RawKillmail) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
