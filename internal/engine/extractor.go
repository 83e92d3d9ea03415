package engine

import (
	"sort"
	"time"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
)

// ExtractPair selects one baseline and one latest observation for a user and
// metric under the configured time-window rules.
//
// The baseline is the earliest valid observation at or after
// anchor − window_before_days. The latest is the most recent valid
// observation at least min_gap_days after the baseline and at or before
// asOf. Returns nil when either side is missing; a baseline with no
// qualifying latest is not emitted.
//
// Date ties are broken by ingestion sequence: ascending for the baseline,
// descending for the latest, so selection is deterministic regardless of
// input order.
func ExtractPair(userID cohort.UserID, observations []cohort.Observation, cfg cohort.ExtractionConfig, anchor, asOf time.Time) *cohort.BaselineLatestPair {
	asOf = cohort.DateOnly(asOf)
	windowStart := cohort.DateOnly(anchor).AddDate(0, 0, -cfg.WindowBeforeDays)

	candidates := make([]cohort.Observation, 0, len(observations))
	for _, obs := range observations {
		if obs.Metric != cfg.Metric {
			continue
		}
		if cfg.Range != nil && !cfg.Range.Contains(obs.Value) {
			continue
		}
		day := cohort.DateOnly(obs.EffectiveDate)
		if day.Before(windowStart) || day.After(asOf) {
			continue
		}
		candidates = append(candidates, obs)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		di, dj := cohort.DateOnly(candidates[i].EffectiveDate), cohort.DateOnly(candidates[j].EffectiveDate)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return candidates[i].Seq < candidates[j].Seq
	})

	baseline := candidates[0]
	baselineDate := cohort.DateOnly(baseline.EffectiveDate)
	latestCutoff := baselineDate.AddDate(0, 0, cfg.MinGapDays)

	// The slice is date-ascending with sequence as tiebreaker, so the final
	// element is the latest candidate; if it misses the cutoff nothing does.
	latest := candidates[len(candidates)-1]
	latestDate := cohort.DateOnly(latest.EffectiveDate)
	if latestDate.Before(latestCutoff) {
		return nil
	}
	return &cohort.BaselineLatestPair{
		UserID:         userID,
		Metric:         cfg.Metric,
		BaselineValue:  baseline.Value,
		BaselineDate:   baselineDate,
		LatestValue:    latest.Value,
		LatestDate:     latestDate,
		ElapsedDays:    cohort.DaysBetween(baselineDate, latestDate),
		BaselinePaired: baseline.Paired,
		LatestPaired:   latest.Paired,
	}
}

// ConvertKgWeights returns a copy of the observations with every weight value
// multiplied onto the pound scale. Callers apply it to sources known to record
// kilograms (the intake questionnaire); warehouse weights are already lbs.
func ConvertKgWeights(obs []cohort.Observation) []cohort.Observation {
	out := make([]cohort.Observation, len(obs))
	copy(out, obs)
	for i := range out {
		if out[i].Metric == cohort.MetricWeight {
			out[i].Value *= cohort.KgToLbs
		}
	}
	return out
}
