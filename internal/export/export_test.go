package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
)

func sampleOutcomes() []cohort.CohortOutcome {
	return []cohort.CohortOutcome{
		{
			Cohort:          cohort.CohortRetained,
			Metric:          cohort.MetricWeight,
			Count:           3,
			MeanDelta:       17,
			MedianDelta:     20,
			MeanPctChange:   0.08,
			MedianPctChange: 0.09,
			PctSampleSize:   3,
			MeanElapsedDays: 200,
			MeanBaseline:    210,
			MeanLatest:      193,
			Achievements: []cohort.AchievementRate{
				{Threshold: 0.05, Achieved: 2, Rate: 2.0 / 3.0},
				{Threshold: 0.10, Achieved: 1, Rate: 1.0 / 3.0},
			},
		},
		{
			Cohort: cohort.CohortRetained,
			Metric: cohort.MetricA1C,
			Count:  1,
		},
	}
}

func TestBuildReportFlattensAchievements(t *testing.T) {
	asOf := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	report := BuildReport("run-1", "acme", asOf, sampleOutcomes())

	if report.AsOf != "2025-06-30" {
		t.Errorf("AsOf = %q, want 2025-06-30", report.AsOf)
	}
	if len(report.Outcomes) != 2 {
		t.Fatalf("got %d outcome rows, want 2", len(report.Outcomes))
	}

	ach := report.Outcomes[0].Achievements
	if got := ach["pct_5"]; got != 2.0/3.0 {
		t.Errorf("pct_5 rate = %v, want %v", got, 2.0/3.0)
	}
	if got := ach["pct_10"]; got != 1.0/3.0 {
		t.Errorf("pct_10 rate = %v, want %v", got, 1.0/3.0)
	}
	if report.Outcomes[1].Achievements != nil {
		t.Errorf("expected no achievements map for outcome without rates")
	}
}

func TestWriteJSONRoundTrips(t *testing.T) {
	report := BuildReport("run-1", "acme", time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), sampleOutcomes())

	var buf bytes.Buffer
	if err := WriteJSON(&buf, report); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Partner != "acme" || len(decoded.Outcomes) != 2 {
		t.Errorf("decoded report = partner %q, %d rows", decoded.Partner, len(decoded.Outcomes))
	}
	if decoded.Outcomes[0].MeanDelta != 17 {
		t.Errorf("mean_delta = %v, want 17", decoded.Outcomes[0].MeanDelta)
	}
}

func TestWriteCSVHasHeaderAndRows(t *testing.T) {
	report := BuildReport("run-1", "acme", time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), sampleOutcomes())

	var buf bytes.Buffer
	if err := WriteCSV(&buf, report); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d csv lines, want header + 2 rows", len(records))
	}
	if records[0][0] != "cohort" || records[0][2] != "sample_size" {
		t.Errorf("unexpected header %v", records[0])
	}
	if records[1][0] != "retained" || records[1][1] != "weight" {
		t.Errorf("first row = %v", records[1])
	}
	if records[1][3] != "17.0000" {
		t.Errorf("mean_delta cell = %q, want 17.0000", records[1][3])
	}
}

func TestWriteCSVEmptyReport(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, Report{}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("empty report should emit header only, got %d lines", len(lines))
	}
}
