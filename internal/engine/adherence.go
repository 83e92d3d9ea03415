package engine

import (
	"sort"
	"time"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
)

// ComputeAdherence converts a user's medication fills into a coverage summary
// and adherence classification. Returns nil when the drug filter matches no
// fills at or before asOf; missing data is absence, not an error.
func ComputeAdherence(userID cohort.UserID, fills []cohort.FillEvent, cfg cohort.AdherenceConfig, asOf time.Time) *cohort.CoverageSummary {
	asOf = cohort.DateOnly(asOf)

	matched := make([]cohort.FillEvent, 0, len(fills))
	for _, f := range fills {
		if !f.MatchesDrugFilter(cfg.DrugNames) {
			continue
		}
		if cohort.DateOnly(f.FilledAt).After(asOf) {
			continue
		}
		matched = append(matched, f)
	}
	if len(matched) == 0 {
		return nil
	}

	summary := &cohort.CoverageSummary{
		UserID:    userID,
		FillCount: len(matched),
	}
	for _, f := range matched {
		filled := cohort.DateOnly(f.FilledAt)
		end := cohort.DateOnly(f.CoverageEnd())
		if summary.FirstFillDate.IsZero() || filled.Before(summary.FirstFillDate) {
			summary.FirstFillDate = filled
		}
		if end.After(summary.LastCoveredThrough) {
			summary.LastCoveredThrough = end
		}
		if f.Refills > 0 {
			summary.RefillCount += f.Refills
		}
	}

	switch cfg.Overlap {
	case cohort.OverlapUnion:
		summary.TotalCoveredDays = unionCoveredDays(matched)
	default:
		// Historical behavior: overlapping fills are double counted.
		for _, f := range matched {
			summary.TotalCoveredDays += f.CoveredDays()
		}
	}

	period := cohort.DaysBetween(summary.FirstFillDate, summary.LastCoveredThrough)
	if period < 1 {
		period = 1
	}
	summary.ObservedPeriodDays = period
	summary.GapPct = float64(period-summary.TotalCoveredDays) / float64(period)

	gapForClassification := summary.GapPct
	if gapForClassification < 0 {
		// Stacked refills beyond the period count as fully covered.
		gapForClassification = 0
	}

	recencyCutoff := asOf.AddDate(0, 0, -cfg.RecencyDays)
	summary.IsAdherent = summary.TotalCoveredDays >= cfg.MinCoveredDays &&
		gapForClassification <= cfg.MaxGapPct &&
		!summary.LastCoveredThrough.Before(recencyCutoff)

	return summary
}

// unionCoveredDays merges overlapping [filled_at, coverage_end) intervals and
// returns the distinct covered day count.
func unionCoveredDays(fills []cohort.FillEvent) int {
	type interval struct {
		start time.Time
		end   time.Time
	}

	intervals := make([]interval, 0, len(fills))
	for _, f := range fills {
		start := cohort.DateOnly(f.FilledAt)
		end := cohort.DateOnly(f.CoverageEnd())
		if !end.After(start) {
			continue
		}
		intervals = append(intervals, interval{start: start, end: end})
	}
	if len(intervals) == 0 {
		return 0
	}

	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].start.Before(intervals[j].start)
	})

	total := 0
	current := intervals[0]
	for _, iv := range intervals[1:] {
		if iv.start.After(current.end) {
			total += cohort.DaysBetween(current.start, current.end)
			current = iv
			continue
		}
		if iv.end.After(current.end) {
			current.end = iv.end
		}
	}
	total += cohort.DaysBetween(current.start, current.end)
	return total
}
