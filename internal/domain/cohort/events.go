// Package cohort defines the data model for the cohort and adherence engine:
// raw clinical/billing events, per-run configuration, and derived results.
package cohort

import (
	"strings"
	"time"
)

// UserID identifies a program member. Opaque; all engine computations are
// partitioned by it.
type UserID string

// MetricKind identifies a clinical observation type
type MetricKind string

const (
	MetricWeight        MetricKind = "weight"
	MetricBMI           MetricKind = "bmi"
	MetricA1C           MetricKind = "a1c"
	MetricSystolic      MetricKind = "systolic"
	MetricDiastolic     MetricKind = "diastolic"
	MetricWaist         MetricKind = "waist"
	MetricTriglycerides MetricKind = "triglycerides"
	MetricHDL           MetricKind = "hdl"
)

// KgToLbs converts kilogram questionnaire weights to the pound scale the
// warehouse stores. Matches the factor used by the upstream reporting jobs.
const KgToLbs = 2.20462

// EngagementEvent is one billable or non-billable activity day for a user
type EngagementEvent struct {
	UserID     UserID
	Date       time.Time
	IsBillable bool
}

// FillEvent is a single medication dispense record. A fill with refills
// authorized represents multiple supply periods.
type FillEvent struct {
	UserID       UserID
	DrugName     string
	FilledAt     time.Time
	DaysOfSupply int
	Refills      int
}

// CoveredDays returns the total days of supply the fill represents,
// days_of_supply x (1 + refills).
func (f FillEvent) CoveredDays() int {
	if f.DaysOfSupply < 0 {
		return 0
	}
	refills := f.Refills
	if refills < 0 {
		refills = 0
	}
	return f.DaysOfSupply * (1 + refills)
}

// CoverageEnd returns the exclusive end of the covered interval.
func (f FillEvent) CoverageEnd() time.Time {
	return f.FilledAt.AddDate(0, 0, f.CoveredDays())
}

// MatchesDrugFilter reports whether the fill's drug name contains any of the
// given substrings, case-insensitively. An empty filter matches everything.
func (f FillEvent) MatchesDrugFilter(names []string) bool {
	if len(names) == 0 {
		return true
	}
	drug := strings.ToLower(f.DrugName)
	for _, name := range names {
		if name == "" {
			continue
		}
		if strings.Contains(drug, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// Observation is one clinical measurement. Seq is the stable ingestion
// sequence used to break date ties deterministically; the warehouse assigns
// it at load time.
type Observation struct {
	UserID        UserID
	Metric        MetricKind
	Value         float64
	EffectiveDate time.Time
	Seq           int64

	// Paired holds the co-recorded value for two-component metrics.
	// For systolic observations this is the diastolic reading taken at the
	// same time; zero otherwise.
	Paired float64
}

// ValidRange bounds physiologically plausible values for a metric.
// Values outside [Min, Max] are discarded before any selection.
type ValidRange struct {
	Min float64
	Max float64
}

// Contains reports whether v falls inside the range.
func (r ValidRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// DefaultValidRanges returns the per-metric plausibility bounds the cleaned
// warehouse views apply.
func DefaultValidRanges() map[MetricKind]*ValidRange {
	return map[MetricKind]*ValidRange{
		MetricWeight:    {Min: 50, Max: 700},
		MetricBMI:       {Min: 10, Max: 100},
		MetricA1C:       {Min: 3, Max: 20},
		MetricSystolic:  {Min: 60, Max: 260},
		MetricDiastolic: {Min: 30, Max: 160},
	}
}

// DateOnly truncates a timestamp to its calendar day. All engine date
// arithmetic is calendar-day based with no timezone component.
func DateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(DateOnly(b).Sub(DateOnly(a)).Hours() / 24)
}
