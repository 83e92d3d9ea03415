package cohort

import (
	"errors"
	"fmt"
	"time"
)

// OverlapPolicy controls how overlapping fill intervals contribute to total
// covered days.
type OverlapPolicy string

const (
	// OverlapSum adds covered days across fills without deduplicating
	// overlaps. This matches the historical reporting jobs and can push
	// coverage above the observed period.
	OverlapSum OverlapPolicy = "sum"
	// OverlapUnion merges overlapping intervals before counting, so a day
	// is never covered twice.
	OverlapUnion OverlapPolicy = "union"
)

// RetentionMode selects the calendar bucketing for streak detection.
type RetentionMode string

const (
	// RetentionMonthly requires a run of consecutive active calendar months.
	RetentionMonthly RetentionMode = "monthly"
	// RetentionQuarterly requires activity in every calendar quarter of the
	// analysis window, the engagement-metrics report variant.
	RetentionQuarterly RetentionMode = "quarterly"
)

// RetentionConfig parameterizes the retention classifier.
type RetentionConfig struct {
	MinConsecutiveMonths int
	Mode                 RetentionMode
	// WindowStart bounds the quarterly variant; ignored for monthly.
	WindowStart time.Time
}

// DefaultRetentionConfig returns the standard QBR retention rule.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MinConsecutiveMonths: 6,
		Mode:                 RetentionMonthly,
	}
}

// AdherenceConfig parameterizes the adherence calculator. Thresholds vary
// report to report; they are never hard-coded in the engine.
type AdherenceConfig struct {
	DrugNames      []string
	MinCoveredDays int
	MaxGapPct      float64
	RecencyDays    int
	Overlap        OverlapPolicy
}

// DefaultAdherenceConfig returns the GLP-1 continuous-medication rule used by
// the weight-management QBRs.
func DefaultAdherenceConfig() AdherenceConfig {
	return AdherenceConfig{
		DrugNames:      []string{"Wegovy", "Zepbound"},
		MinCoveredDays: 90,
		MaxGapPct:      0.05,
		RecencyDays:    90,
		Overlap:        OverlapSum,
	}
}

// ExtractionConfig parameterizes baseline/latest selection for one metric.
type ExtractionConfig struct {
	Metric           MetricKind
	WindowBeforeDays int
	MinGapDays       int
	Range            *ValidRange
}

// DefaultExtractionConfigs returns the per-metric selection rules the QBR
// scripts share: a 30-day anchor window on the baseline side and a 30-day
// minimum elapsed time, with weight using the long-form 180-day rule.
func DefaultExtractionConfigs() []ExtractionConfig {
	ranges := DefaultValidRanges()
	return []ExtractionConfig{
		{Metric: MetricWeight, WindowBeforeDays: 30, MinGapDays: 180, Range: ranges[MetricWeight]},
		{Metric: MetricBMI, WindowBeforeDays: 30, MinGapDays: 30, Range: ranges[MetricBMI]},
		{Metric: MetricA1C, WindowBeforeDays: 30, MinGapDays: 30, Range: ranges[MetricA1C]},
		{Metric: MetricSystolic, WindowBeforeDays: 30, MinGapDays: 30, Range: ranges[MetricSystolic]},
	}
}

// OutcomeConfig parameterizes aggregation.
type OutcomeConfig struct {
	// AchievementThresholds are relative-change cutoffs, e.g. 0.05 for a 5%
	// reduction from baseline.
	AchievementThresholds []float64
	// A1CBaselineCutoff splits an elevated-baseline sub-cohort for A1C;
	// zero disables the split.
	A1CBaselineCutoff float64
}

// DefaultOutcomeConfig returns the standard 5%/10% weight-loss achievement
// thresholds and the diabetic A1C cutoff.
func DefaultOutcomeConfig() OutcomeConfig {
	return OutcomeConfig{
		AchievementThresholds: []float64{0.05, 0.10},
		A1CBaselineCutoff:     6.5,
	}
}

// Config is the full per-run engine configuration.
type Config struct {
	AsOf        time.Time
	AnchorDates map[UserID]time.Time
	Retention   RetentionConfig
	Adherence   AdherenceConfig
	Extraction  []ExtractionConfig
	Outcomes    OutcomeConfig
	// Workers bounds per-user fan-out; 0 means sequential.
	Workers int
}

// DefaultConfig returns a runnable configuration anchored at asOf. Anchor
// dates default to each user's first engagement event when absent from
// AnchorDates.
func DefaultConfig(asOf time.Time) Config {
	return Config{
		AsOf:       DateOnly(asOf),
		Retention:  DefaultRetentionConfig(),
		Adherence:  DefaultAdherenceConfig(),
		Extraction: DefaultExtractionConfigs(),
		Outcomes:   DefaultOutcomeConfig(),
	}
}

// Validation failures abort a run before any computation.
var (
	ErrMissingAsOf  = errors.New("as-of date is required")
	ErrBadThreshold = errors.New("threshold must be positive")
)

// Validate fails fast on configuration the engine cannot honor.
func (c Config) Validate() error {
	if c.AsOf.IsZero() {
		return ErrMissingAsOf
	}
	if c.Retention.MinConsecutiveMonths <= 0 {
		return fmt.Errorf("retention min_consecutive_months: %w", ErrBadThreshold)
	}
	switch c.Retention.Mode {
	case RetentionMonthly, RetentionQuarterly, "":
	default:
		return fmt.Errorf("unknown retention mode %q", c.Retention.Mode)
	}
	if c.Adherence.MinCoveredDays <= 0 {
		return fmt.Errorf("adherence min_covered_days: %w", ErrBadThreshold)
	}
	if c.Adherence.MaxGapPct < 0 || c.Adherence.MaxGapPct > 1 {
		return fmt.Errorf("adherence max_gap_pct %.3f outside [0,1]", c.Adherence.MaxGapPct)
	}
	if c.Adherence.RecencyDays <= 0 {
		return fmt.Errorf("adherence recency_days: %w", ErrBadThreshold)
	}
	switch c.Adherence.Overlap {
	case OverlapSum, OverlapUnion, "":
	default:
		return fmt.Errorf("unknown overlap policy %q", c.Adherence.Overlap)
	}
	for _, ex := range c.Extraction {
		if ex.Metric == "" {
			return errors.New("extraction metric kind is required")
		}
		if ex.MinGapDays <= 0 {
			return fmt.Errorf("extraction %s min_gap_days: %w", ex.Metric, ErrBadThreshold)
		}
		if ex.WindowBeforeDays < 0 {
			return fmt.Errorf("extraction %s window_before_days must be >= 0", ex.Metric)
		}
		if ex.Range != nil && ex.Range.Min >= ex.Range.Max {
			return fmt.Errorf("extraction %s valid range [%g,%g] is empty", ex.Metric, ex.Range.Min, ex.Range.Max)
		}
	}
	for _, th := range c.Outcomes.AchievementThresholds {
		if th <= 0 {
			return fmt.Errorf("achievement threshold %g: %w", th, ErrBadThreshold)
		}
	}
	if c.Workers < 0 {
		return errors.New("workers must be >= 0")
	}
	return nil
}
