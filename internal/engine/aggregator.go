package engine

import (
	"sort"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
)

// Aggregate rolls baseline/latest pairs into per-(cohort, metric) outcome
// rows. Percent-change statistics exclude pairs whose baseline is
// non-positive; such pairs still count toward delta statistics and the row
// count. Cohorts or metrics with no qualifying pairs simply produce no row.
func Aggregate(pairs []cohort.BaselineLatestPair, memberships map[cohort.UserID][]cohort.CohortTag, cfg cohort.OutcomeConfig) []cohort.CohortOutcome {
	type groupKey struct {
		cohort cohort.CohortTag
		metric cohort.MetricKind
	}

	groups := make(map[groupKey][]cohort.BaselineLatestPair)
	for _, pair := range pairs {
		tags := memberships[pair.UserID]
		if cfg.A1CBaselineCutoff > 0 && pair.Metric == cohort.MetricA1C && pair.BaselineValue >= cfg.A1CBaselineCutoff {
			tags = append(append([]cohort.CohortTag{}, tags...), cohort.CohortA1CElevatedBase)
		}
		for _, tag := range tags {
			key := groupKey{cohort: tag, metric: pair.Metric}
			groups[key] = append(groups[key], pair)
		}
	}

	outcomes := make([]cohort.CohortOutcome, 0, len(groups))
	for key, members := range groups {
		outcomes = append(outcomes, summarizeGroup(key.cohort, key.metric, members, cfg.AchievementThresholds))
	}

	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].Cohort != outcomes[j].Cohort {
			return outcomes[i].Cohort < outcomes[j].Cohort
		}
		return outcomes[i].Metric < outcomes[j].Metric
	})
	return outcomes
}

func summarizeGroup(tag cohort.CohortTag, metric cohort.MetricKind, pairs []cohort.BaselineLatestPair, thresholds []float64) cohort.CohortOutcome {
	deltas := make([]float64, 0, len(pairs))
	pcts := make([]float64, 0, len(pairs))
	var baselineSum, latestSum, elapsedSum float64

	for _, pair := range pairs {
		deltas = append(deltas, pair.Delta())
		baselineSum += pair.BaselineValue
		latestSum += pair.LatestValue
		elapsedSum += float64(pair.ElapsedDays)
		if pct, ok := pair.PercentChange(); ok {
			pcts = append(pcts, pct)
		}
	}

	outcome := cohort.CohortOutcome{
		Cohort:          tag,
		Metric:          metric,
		Count:           len(pairs),
		MeanDelta:       mean(deltas),
		MedianDelta:     median(deltas),
		MeanPctChange:   mean(pcts),
		MedianPctChange: median(pcts),
		PctSampleSize:   len(pcts),
		MeanElapsedDays: elapsedSum / float64(len(pairs)),
		MeanBaseline:    baselineSum / float64(len(pairs)),
		MeanLatest:      latestSum / float64(len(pairs)),
	}

	for _, threshold := range thresholds {
		achieved := 0
		for _, pct := range pcts {
			if pct >= threshold {
				achieved++
			}
		}
		rate := cohort.AchievementRate{Threshold: threshold, Achieved: achieved}
		if len(pcts) > 0 {
			rate.Rate = float64(achieved) / float64(len(pcts))
		}
		outcome.Achievements = append(outcome.Achievements, rate)
	}
	return outcome
}

// SummarizeCoverage rolls per-user coverage rows into persistence statistics:
// how many users are adherent, how many ever refilled, and the gap%
// distribution.
func SummarizeCoverage(coverage []cohort.CoverageSummary) cohort.CoverageStats {
	stats := cohort.CoverageStats{Users: len(coverage)}
	if len(coverage) == 0 {
		return stats
	}

	gaps := make([]float64, 0, len(coverage))
	for _, cov := range coverage {
		if cov.IsAdherent {
			stats.Adherent++
		}
		if cov.RefillCount > 0 {
			stats.WithRefill++
		}
		gaps = append(gaps, cov.GapPct)
	}
	stats.RefillShare = float64(stats.WithRefill) / float64(stats.Users)
	stats.MeanGapPct = mean(gaps)
	stats.MedianGapPct = median(gaps)
	return stats
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
