// Package engine implements the cohort and adherence computations: retention
// streak detection, medication coverage, baseline/latest metric extraction,
// and cohort outcome aggregation. All functions are pure: they never mutate
// their inputs and produce identical output for identical input and config.
package engine

import (
	"sort"
	"time"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
)

// ClassifyRetention converts a user's engagement events into the longest run
// of consecutive active calendar months and flags the user as retained when
// that run meets the configured minimum. A user with no billable events is
// never retained.
func ClassifyRetention(userID cohort.UserID, events []cohort.EngagementEvent, cfg cohort.RetentionConfig, asOf time.Time) cohort.RetentionResult {
	asOf = cohort.DateOnly(asOf)

	months := activePeriods(events, asOf, monthIndex)
	streak := longestRun(months)

	result := cohort.RetentionResult{
		UserID:              userID,
		LongestStreakMonths: streak,
	}

	switch cfg.Mode {
	case cohort.RetentionQuarterly:
		result.IsRetained = activeInEveryQuarter(events, cfg.WindowStart, asOf)
	default:
		result.IsRetained = streak >= cfg.MinConsecutiveMonths
	}
	return result
}

// monthIndex maps a date to a monotonically increasing month ordinal so that
// consecutive calendar months differ by exactly one, across year boundaries.
func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

func quarterIndex(t time.Time) int {
	return t.Year()*4 + (int(t.Month())-1)/3
}

// activePeriods returns the sorted distinct period ordinals containing at
// least one billable event at or before asOf.
func activePeriods(events []cohort.EngagementEvent, asOf time.Time, index func(time.Time) int) []int {
	seen := make(map[int]struct{})
	for _, ev := range events {
		if !ev.IsBillable {
			continue
		}
		day := cohort.DateOnly(ev.Date)
		if day.After(asOf) {
			continue
		}
		seen[index(day)] = struct{}{}
	}

	periods := make([]int, 0, len(seen))
	for p := range seen {
		periods = append(periods, p)
	}
	sort.Ints(periods)
	return periods
}

// longestRun walks sorted period ordinals and returns the length of the
// longest run of consecutive values. A single-period gap resets the streak;
// there is no grace period.
func longestRun(periods []int) int {
	longest, current := 0, 0
	for i, p := range periods {
		if i > 0 && p == periods[i-1]+1 {
			current++
		} else {
			current = 1
		}
		if current > longest {
			longest = current
		}
	}
	return longest
}

// activeInEveryQuarter reports whether the user has a billable event in every
// calendar quarter between windowStart and asOf inclusive. A zero windowStart
// anchors at the user's first billable event.
func activeInEveryQuarter(events []cohort.EngagementEvent, windowStart, asOf time.Time) bool {
	quarters := activePeriods(events, asOf, quarterIndex)
	if len(quarters) == 0 {
		return false
	}

	first := quarters[0]
	if !windowStart.IsZero() {
		first = quarterIndex(cohort.DateOnly(windowStart))
	}
	last := quarterIndex(asOf)
	if first > last {
		return false
	}

	active := make(map[int]struct{}, len(quarters))
	for _, q := range quarters {
		active[q] = struct{}{}
	}
	for q := first; q <= last; q++ {
		if _, ok := active[q]; !ok {
			return false
		}
	}
	return true
}
