package cohort

import "time"

// CohortTag names a subgroup over which outcomes are aggregated.
type CohortTag string

const (
	CohortRetained        CohortTag = "retained"
	CohortGLP1Adherent    CohortTag = "glp1_adherent"
	CohortNonGLP1         CohortTag = "non_glp1"
	CohortA1CElevatedBase CohortTag = "a1c_elevated_baseline"
)

// RetentionResult is the derived retention classification for one user.
// Recomputed fresh every run; never persisted across runs.
type RetentionResult struct {
	UserID              UserID
	IsRetained          bool
	LongestStreakMonths int
}

// CoverageSummary is the derived medication coverage picture for one user.
type CoverageSummary struct {
	UserID             UserID
	FirstFillDate      time.Time
	LastCoveredThrough time.Time
	TotalCoveredDays   int
	ObservedPeriodDays int
	// GapPct is reported unclamped: overlapping fills under the sum policy
	// can drive it negative.
	GapPct      float64
	IsAdherent  bool
	FillCount   int
	RefillCount int
}

// BaselineLatestPair is one qualifying baseline/latest observation pair for a
// user and metric. Pairs with no qualifying latest are never emitted.
type BaselineLatestPair struct {
	UserID        UserID
	Metric        MetricKind
	BaselineValue float64
	BaselineDate  time.Time
	LatestValue   float64
	LatestDate    time.Time
	ElapsedDays   int

	// BaselinePaired/LatestPaired carry the co-selected second component for
	// blood pressure (diastolic alongside systolic); zero otherwise.
	BaselinePaired float64
	LatestPaired   float64
}

// Delta returns baseline minus latest; positive means improvement for the
// weight-management metrics.
func (p BaselineLatestPair) Delta() float64 {
	return p.BaselineValue - p.LatestValue
}

// PercentChange returns the relative change from baseline and whether the
// ratio is defined. Non-positive baselines yield ok=false and must be
// excluded from aggregates.
func (p BaselineLatestPair) PercentChange() (pct float64, ok bool) {
	if p.BaselineValue <= 0 {
		return 0, false
	}
	return p.Delta() / p.BaselineValue, true
}

// AchievementRate is the share of a cohort crossing one relative-change
// threshold.
type AchievementRate struct {
	Threshold float64
	Achieved  int
	Rate      float64
}

// CohortOutcome is the aggregated, read-only output for one (cohort, metric)
// combination.
type CohortOutcome struct {
	Cohort           CohortTag
	Metric           MetricKind
	Count            int
	MeanDelta        float64
	MedianDelta      float64
	MeanPctChange    float64
	MedianPctChange  float64
	PctSampleSize    int
	MeanElapsedDays  float64
	Achievements     []AchievementRate
	MeanBaseline     float64
	MeanLatest       float64
}

// CoverageStats summarizes medication persistence across a run's coverage
// rows.
type CoverageStats struct {
	Users        int
	Adherent     int
	WithRefill   int
	RefillShare  float64
	MeanGapPct   float64
	MedianGapPct float64
}

// RunResult bundles everything one engine invocation produces.
type RunResult struct {
	AsOf          time.Time
	Retention     []RetentionResult
	Coverage      []CoverageSummary
	CoverageStats CoverageStats
	Pairs         []BaselineLatestPair
	Outcomes      []CohortOutcome
	Memberships   map[UserID][]CohortTag
}
