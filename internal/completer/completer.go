// Package completer turns feed summary records into fully-typed killmails.
package completer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/evetrack/killfeed/internal/esi"
	"github.com/evetrack/killfeed/internal/model"
	"github.com/evetrack/killfeed/internal/resilience"
)

// TimeLocationStore is the local-store fallback: a point lookup of a
// previously persisted killmail's time and system.
type TimeLocationStore interface {
	TimeLocation(ctx context.Context, killmailID int64) (time.Time, int64, bool, error)
}

// Completer resolves missing killmail fields from local storage first, then
// the detail service. The local hit is free; the detail call is rate-limited
// and paid at most once per record.
type Completer struct {
	store  TimeLocationStore
	detail esi.Client
}

// New creates a Completer.
func New(st TimeLocationStore, detail esi.Client) *Completer {
	return &Completer{store: st, detail: detail}
}

// ParseTime parses the feed's killmail timestamp. The feed emits RFC3339
// with a Z suffix; the detail service occasionally omits the zone.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, eris.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse killmail time %q", s)
	}
	return t.UTC(), nil
}

// needsDetail reports whether raw lacks fields required for matching: a
// parseable time, a location, victim detail, or an attacker list with an
// identifiable final blow.
func needsDetail(raw *model.RawKillmail) bool {
	if raw.KillmailTime == "" || raw.SolarSystemID == 0 || raw.Victim == nil {
		return true
	}
	if len(raw.Attackers) == 0 {
		return true
	}
	for _, a := range raw.Attackers {
		if a.FinalBlow {
			return false
		}
	}
	return true
}

// Complete produces a validated Killmail from a feed summary, or a tagged
// error when the record cannot be completed. Errors carry a kind:
// KindIncomplete (no hash, or the detail call failed) and KindData (fields
// still invalid after completion) both mean the record must be excluded
// from matching, fail-closed.
func (c *Completer) Complete(ctx context.Context, raw *model.RawKillmail) (*model.Killmail, error) {
	if raw.KillmailID == 0 {
		return nil, resilience.NewFetchError(resilience.KindData, eris.New("completer: record has no killmail id"))
	}

	if needsDetail(raw) {
		// Step 1: splice time/location from a previous persistence, then
		// re-check; a record missing only those two is completed for free.
		if raw.KillmailTime == "" || raw.SolarSystemID == 0 {
			t, systemID, ok, err := c.store.TimeLocation(ctx, raw.KillmailID)
			if err != nil {
				return nil, err
			}
			if ok {
				if raw.KillmailTime == "" {
					raw.KillmailTime = t.UTC().Format(time.RFC3339)
				}
				if raw.SolarSystemID == 0 {
					raw.SolarSystemID = systemID
				}
			}
		}

		// Step 2: pay for one detail call, hash permitting.
		if needsDetail(raw) {
			hash := raw.Hash()
			if hash == "" {
				return nil, resilience.NewFetchError(resilience.KindIncomplete,
					eris.Errorf("completer: killmail %d missing fields and has no detail hash", raw.KillmailID))
			}
			detail, err := c.detail.FetchKillmail(ctx, raw.KillmailID, hash)
			if err != nil {
				return nil, resilience.NewFetchError(resilience.KindIncomplete,
					eris.Wrapf(err, "completer: detail fetch for killmail %d failed", raw.KillmailID))
			}
			merge(raw, detail)
		}
	}

	return validate(raw)
}

// merge overlays authoritative detail fields onto the summary. The feed's
// zkb block (hash, total value) is the one thing the detail service does not
// carry, so it is kept.
func merge(raw, detail *model.RawKillmail) {
	if detail.KillmailTime != "" {
		raw.KillmailTime = detail.KillmailTime
	}
	if detail.SolarSystemID != 0 {
		raw.SolarSystemID = detail.SolarSystemID
	}
	if detail.Victim != nil {
		raw.Victim = detail.Victim
	}
	if len(detail.Attackers) > 0 {
		raw.Attackers = detail.Attackers
	}
}

// validate builds the typed Killmail, rejecting records that are still
// under-specified after completion.
func validate(raw *model.RawKillmail) (*model.Killmail, error) {
	t, err := ParseTime(raw.KillmailTime)
	if err != nil {
		return nil, resilience.NewFetchError(resilience.KindData,
			eris.Wrapf(err, "completer: killmail %d has invalid time", raw.KillmailID))
	}
	if raw.SolarSystemID == 0 || raw.Victim == nil || len(raw.Attackers) == 0 {
		return nil, resilience.NewFetchError(resilience.KindData,
			eris.Errorf("completer: killmail %d incomplete after resolution", raw.KillmailID))
	}

	finalBlows := 0
	for _, a := range raw.Attackers {
		if a.FinalBlow {
			finalBlows++
		}
	}
	if finalBlows > 1 {
		return nil, resilience.NewFetchError(resilience.KindData,
			eris.Errorf("completer: killmail %d has %d final blows", raw.KillmailID, finalBlows))
	}
	if finalBlows == 0 {
		// Not an error: final-blow fields resolve to zero sentinels.
		zap.L().Warn("killmail has no final blow attacker",
			zap.Int64("killmail_id", raw.KillmailID),
			zap.Int("attackers", len(raw.Attackers)),
		)
	}

	return &model.Killmail{
		KillmailID:    raw.KillmailID,
		Time:          t,
		SolarSystemID: raw.SolarSystemID,
		Victim:        *raw.Victim,
		Attackers:     raw.Attackers,
		TotalValue:    raw.ZKB.TotalValue,
		Hash:          raw.ZKB.Hash,
	}, nil
}

// ResolveTime extracts a record's time as cheaply as possible: the summary
// itself, then the local store, then one detail call. Used by the walker to
// decide whether a page crossed the time floor; ok=false leaves the walker
// to keep paging.
func (c *Completer) ResolveTime(ctx context.Context, raw *model.RawKillmail) (time.Time, bool) {
	if t, err := ParseTime(raw.KillmailTime); err == nil {
		return t, true
	}
	if raw.KillmailID != 0 {
		if t, _, ok, err := c.store.TimeLocation(ctx, raw.KillmailID); err == nil && ok {
			return t, true
		}
	}
	if hash := raw.Hash(); hash != "" && raw.KillmailID != 0 {
		if detail, err := c.detail.FetchKillmail(ctx, raw.KillmailID, hash); err == nil {
			if t, perr := ParseTime(detail.KillmailTime); perr == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
