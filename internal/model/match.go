package model

// MatchReason tags the decisive rule of a match verdict so run logs can
// explain why a killmail was kept or dropped.
type MatchReason string

const (
	// ReasonBeforeStart and ReasonAfterEnd are time-bound failures.
	ReasonBeforeStart MatchReason = "before_start"
	ReasonAfterEnd    MatchReason = "after_end"

	// ReasonNoInvolvement means neither victim nor attackers are friendly.
	ReasonNoInvolvement MatchReason = "no_involvement"

	// ReasonTarget means a tracked target was involved; targets override
	// geography.
	ReasonTarget MatchReason = "target_match"

	// ReasonGlobal means the campaign has no targets and no geographic
	// scope, so any friendly activity matches.
	ReasonGlobal MatchReason = "global_match"

	// ReasonNoTargetMatch means the campaign has targets but no scope and
	// none of the targets were involved.
	ReasonNoTargetMatch MatchReason = "no_target_match"

	// ReasonLocation means the killmail location resolved into the
	// campaign's geographic scope.
	ReasonLocation MatchReason = "location_match"

	// ReasonOutOfScope means the location resolved outside the scope, and
	// ReasonUnknownLocation means it could not be resolved at all.
	ReasonOutOfScope      MatchReason = "out_of_scope"
	ReasonUnknownLocation MatchReason = "unknown_location"
)

// MatchResult is the verdict for one (campaign, killmail) pair.
type MatchResult struct {
	CampaignID int64
	KillmailID int64
	Matched    bool
	Reason     MatchReason
}
