// Package integration exercises the full report pipeline: raw events in,
// engine run, export out.
package integration

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
	"github.com/carelytics/go-qbr/internal/engine"
	"github.com/carelytics/go-qbr/internal/export"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// buildInput assembles a small program population:
//   - u-adherent: nine active months, continuous Wegovy coverage, loses
//     26 lbs over 8 months
//   - u-lifestyle: seven active months, no GLP-1 fills, loses 6 lbs
//   - u-churned: three active months then gone
func buildInput() engine.Input {
	var input engine.Input

	addMonths := func(id cohort.UserID, from time.Time, n int) {
		for i := 0; i < n; i++ {
			input.Engagements = append(input.Engagements, cohort.EngagementEvent{
				UserID:     id,
				Date:       from.AddDate(0, i, 0),
				IsBillable: true,
			})
		}
	}

	addMonths("u-adherent", day(2024, 10, 15), 9)
	addMonths("u-lifestyle", day(2024, 12, 3), 7)
	addMonths("u-churned", day(2024, 10, 1), 3)

	input.Fills = []cohort.FillEvent{
		{UserID: "u-adherent", DrugName: "Wegovy 2.4mg", FilledAt: day(2024, 10, 20), DaysOfSupply: 30, Refills: 2},
		{UserID: "u-adherent", DrugName: "Wegovy 2.4mg", FilledAt: day(2025, 1, 18), DaysOfSupply: 30, Refills: 2},
		{UserID: "u-adherent", DrugName: "Wegovy 2.4mg", FilledAt: day(2025, 4, 18), DaysOfSupply: 30, Refills: 2},
		{UserID: "u-churned", DrugName: "Zepbound 5mg", FilledAt: day(2024, 10, 5), DaysOfSupply: 30},
	}

	input.Observations = []cohort.Observation{
		{UserID: "u-adherent", Metric: cohort.MetricWeight, Value: 242, EffectiveDate: day(2024, 10, 16), Seq: 1},
		{UserID: "u-adherent", Metric: cohort.MetricWeight, Value: 216, EffectiveDate: day(2025, 6, 10), Seq: 2},
		{UserID: "u-adherent", Metric: cohort.MetricA1C, Value: 7.1, EffectiveDate: day(2024, 10, 18), Seq: 3},
		{UserID: "u-adherent", Metric: cohort.MetricA1C, Value: 6.4, EffectiveDate: day(2025, 5, 2), Seq: 4},
		{UserID: "u-lifestyle", Metric: cohort.MetricWeight, Value: 198, EffectiveDate: day(2024, 12, 5), Seq: 5},
		{UserID: "u-lifestyle", Metric: cohort.MetricWeight, Value: 192, EffectiveDate: day(2025, 6, 20), Seq: 6},
		{UserID: "u-churned", Metric: cohort.MetricWeight, Value: 260, EffectiveDate: day(2024, 10, 2), Seq: 7},
	}
	return input
}

func TestFullPipelineToExport(t *testing.T) {
	asOf := day(2025, 6, 30)
	cfg := cohort.DefaultConfig(asOf)
	cfg.Workers = 4

	result, err := engine.New(zap.NewNop()).Run(context.Background(), buildInput(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Retention: two retained, one churned.
	if len(result.Memberships) != 2 {
		t.Fatalf("retained users = %d, want 2", len(result.Memberships))
	}
	if _, ok := result.Memberships["u-churned"]; ok {
		t.Error("u-churned should not be retained")
	}

	hasTag := func(id cohort.UserID, tag cohort.CohortTag) bool {
		for _, tg := range result.Memberships[id] {
			if tg == tag {
				return true
			}
		}
		return false
	}
	if !hasTag("u-adherent", cohort.CohortGLP1Adherent) {
		t.Error("u-adherent missing glp1_adherent membership")
	}
	if !hasTag("u-lifestyle", cohort.CohortNonGLP1) {
		t.Error("u-lifestyle missing non_glp1 membership")
	}

	// The adherent cohort's weight outcome reflects only u-adherent.
	var adherentWeight *cohort.CohortOutcome
	for i := range result.Outcomes {
		o := &result.Outcomes[i]
		if o.Cohort == cohort.CohortGLP1Adherent && o.Metric == cohort.MetricWeight {
			adherentWeight = o
		}
	}
	if adherentWeight == nil {
		t.Fatal("no weight outcome for glp1_adherent cohort")
	}
	if adherentWeight.Count != 1 || adherentWeight.MeanDelta != 26 {
		t.Errorf("adherent weight outcome = count %d delta %v, want 1 and 26",
			adherentWeight.Count, adherentWeight.MeanDelta)
	}
	// 26/242 clears 10%.
	for _, ach := range adherentWeight.Achievements {
		if ach.Threshold == 0.10 && ach.Achieved != 1 {
			t.Errorf("10%% achievement = %d, want 1", ach.Achieved)
		}
	}

	// Export round trip.
	report := export.BuildReport("run-test", "acme", asOf, result.Outcomes)
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, report); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != len(result.Outcomes)+1 {
		t.Errorf("csv rows = %d, want %d", len(records)-1, len(result.Outcomes))
	}
}

func TestPipelineUnionPolicyLowersCoverage(t *testing.T) {
	asOf := day(2025, 6, 30)
	input := buildInput()

	runWith := func(policy cohort.OverlapPolicy) *cohort.RunResult {
		cfg := cohort.DefaultConfig(asOf)
		cfg.Adherence.Overlap = policy
		result, err := engine.New(zap.NewNop()).Run(context.Background(), input, cfg)
		if err != nil {
			t.Fatalf("Run(%s): %v", policy, err)
		}
		return result
	}

	sum := runWith(cohort.OverlapSum)
	union := runWith(cohort.OverlapUnion)

	covered := func(r *cohort.RunResult, id cohort.UserID) int {
		for _, c := range r.Coverage {
			if c.UserID == id {
				return c.TotalCoveredDays
			}
		}
		t.Fatalf("no coverage row for %s", id)
		return 0
	}

	if s, u := covered(sum, "u-adherent"), covered(union, "u-adherent"); u > s {
		t.Errorf("union coverage %d exceeds sum coverage %d", u, s)
	}
}
