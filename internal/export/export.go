// Package export renders run results as CSV and JSON for delivery to
// partner-facing reports.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
)

// OutcomeRow is the flattened JSON shape for one (cohort, metric) aggregate.
type OutcomeRow struct {
	Cohort          string  `json:"cohort"`
	Metric          string  `json:"metric"`
	SampleSize      int     `json:"sample_size"`
	MeanDelta       float64 `json:"mean_delta"`
	MedianDelta     float64 `json:"median_delta"`
	MeanPctChange   float64 `json:"mean_pct_change"`
	MedianPctChange float64 `json:"median_pct_change"`
	PctSampleSize   int     `json:"pct_sample_size"`
	MeanElapsedDays float64 `json:"mean_elapsed_days"`
	MeanBaseline    float64 `json:"mean_baseline"`
	MeanLatest      float64 `json:"mean_latest"`

	// Achievements flatten to threshold -> rate, keyed like "pct_5".
	Achievements map[string]float64 `json:"achievements,omitempty"`
}

// CoverageRow is the flattened persistence summary for a run.
type CoverageRow struct {
	Users        int     `json:"users"`
	Adherent     int     `json:"adherent"`
	WithRefill   int     `json:"with_refill"`
	RefillShare  float64 `json:"refill_share"`
	MeanGapPct   float64 `json:"mean_gap_pct"`
	MedianGapPct float64 `json:"median_gap_pct"`
}

// Report is the JSON envelope for a stored run.
type Report struct {
	RunID       string       `json:"run_id,omitempty"`
	Partner     string       `json:"partner"`
	AsOf        string       `json:"as_of"`
	GeneratedAt time.Time    `json:"generated_at"`
	Coverage    *CoverageRow `json:"coverage,omitempty"`
	Outcomes    []OutcomeRow `json:"outcomes"`
}

// AttachCoverage adds the persistence summary to a report.
func (r *Report) AttachCoverage(stats cohort.CoverageStats) {
	r.Coverage = &CoverageRow{
		Users:        stats.Users,
		Adherent:     stats.Adherent,
		WithRefill:   stats.WithRefill,
		RefillShare:  stats.RefillShare,
		MeanGapPct:   stats.MeanGapPct,
		MedianGapPct: stats.MedianGapPct,
	}
}

// BuildReport flattens outcomes into the export envelope.
func BuildReport(runID, partner string, asOf time.Time, outcomes []cohort.CohortOutcome) Report {
	rows := make([]OutcomeRow, 0, len(outcomes))
	for _, o := range outcomes {
		row := OutcomeRow{
			Cohort:          string(o.Cohort),
			Metric:          string(o.Metric),
			SampleSize:      o.Count,
			MeanDelta:       o.MeanDelta,
			MedianDelta:     o.MedianDelta,
			MeanPctChange:   o.MeanPctChange,
			MedianPctChange: o.MedianPctChange,
			PctSampleSize:   o.PctSampleSize,
			MeanElapsedDays: o.MeanElapsedDays,
			MeanBaseline:    o.MeanBaseline,
			MeanLatest:      o.MeanLatest,
		}
		if len(o.Achievements) > 0 {
			row.Achievements = make(map[string]float64, len(o.Achievements))
			for _, ach := range o.Achievements {
				row.Achievements[achievementKey(ach.Threshold)] = ach.Rate
			}
		}
		rows = append(rows, row)
	}
	return Report{
		RunID:       runID,
		Partner:     partner,
		AsOf:        asOf.Format("2006-01-02"),
		GeneratedAt: time.Now().UTC(),
		Outcomes:    rows,
	}
}

// achievementKey renders 0.05 as "pct_5" and 0.10 as "pct_10".
func achievementKey(threshold float64) string {
	return fmt.Sprintf("pct_%g", threshold*100)
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// WriteCSV writes one row per (cohort, metric) aggregate. Achievement columns
// are omitted because thresholds vary per run; the JSON export carries them.
func WriteCSV(w io.Writer, report Report) error {
	cw := csv.NewWriter(w)
	header := []string{
		"cohort", "metric", "sample_size",
		"mean_delta", "median_delta",
		"mean_pct_change", "median_pct_change", "pct_sample_size",
		"mean_elapsed_days", "mean_baseline", "mean_latest",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, row := range report.Outcomes {
		record := []string{
			row.Cohort,
			row.Metric,
			strconv.Itoa(row.SampleSize),
			formatFloat(row.MeanDelta),
			formatFloat(row.MedianDelta),
			formatFloat(row.MeanPctChange),
			formatFloat(row.MedianPctChange),
			strconv.Itoa(row.PctSampleSize),
			formatFloat(row.MeanElapsedDays),
			formatFloat(row.MeanBaseline),
			formatFloat(row.MeanLatest),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
