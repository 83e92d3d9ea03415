package engine

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
)

// monthsOfEngagement emits one billable event per month for n months starting
// at start.
func monthsOfEngagement(id string, start time.Time, n int) []cohort.EngagementEvent {
	events := make([]cohort.EngagementEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, billable(id, start.AddDate(0, i, 0)))
	}
	return events
}

func pipelineInput() Input {
	start := day(2025, time.January, 15)

	var input Input
	// u1: nine active months, on Wegovy continuously, weight improving.
	input.Engagements = append(input.Engagements, monthsOfEngagement("u1", start, 9)...)
	input.Fills = append(input.Fills,
		fill("u1", "Wegovy 1mg", day(2025, time.February, 1), 30, 2),
		fill("u1", "Wegovy 1.7mg", day(2025, time.May, 5), 30, 2),
		fill("u1", "Wegovy 2.4mg", day(2025, time.August, 10), 30, 2),
	)
	input.Observations = append(input.Observations,
		obs("u1", cohort.MetricWeight, 240, day(2025, time.January, 20), 1),
		obs("u1", cohort.MetricWeight, 216, day(2025, time.September, 20), 2),
	)

	// u2: eight active months, never on a GLP-1, weight flat.
	input.Engagements = append(input.Engagements, monthsOfEngagement("u2", start, 8)...)
	input.Fills = append(input.Fills,
		fill("u2", "Metformin 500mg", day(2025, time.March, 1), 90, 1),
	)
	input.Observations = append(input.Observations,
		obs("u2", cohort.MetricWeight, 210, day(2025, time.January, 18), 3),
		obs("u2", cohort.MetricWeight, 208, day(2025, time.August, 18), 4),
	)

	// u3: two active months, drops out.
	input.Engagements = append(input.Engagements, monthsOfEngagement("u3", start, 2)...)
	input.Observations = append(input.Observations,
		obs("u3", cohort.MetricWeight, 260, day(2025, time.January, 16), 5),
		obs("u3", cohort.MetricWeight, 230, day(2025, time.September, 16), 6),
	)

	return input
}

func pipelineConfig() cohort.Config {
	cfg := cohort.DefaultConfig(day(2025, time.October, 1))
	cfg.Adherence.MaxGapPct = 0.20
	cfg.Extraction = []cohort.ExtractionConfig{
		{Metric: cohort.MetricWeight, WindowBeforeDays: 30, MinGapDays: 180, Range: &cohort.ValidRange{Min: 50, Max: 700}},
	}
	return cfg
}

func TestEngineRunPipeline(t *testing.T) {
	e := New(nil)
	result, err := e.Run(context.Background(), pipelineInput(), pipelineConfig())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(result.Retention) != 3 {
		t.Fatalf("retention rows = %d, want 3", len(result.Retention))
	}
	byUser := make(map[cohort.UserID]cohort.RetentionResult)
	for _, r := range result.Retention {
		byUser[r.UserID] = r
	}
	if !byUser["u1"].IsRetained || !byUser["u2"].IsRetained {
		t.Error("u1 and u2 should be retained")
	}
	if byUser["u3"].IsRetained {
		t.Error("u3 with a 2-month streak should not be retained")
	}

	// Pairs come only from the retained set.
	for _, p := range result.Pairs {
		if p.UserID == "u3" {
			t.Error("non-retained user leaked into pair extraction")
		}
	}
	if len(result.Pairs) != 2 {
		t.Errorf("pairs = %d, want 2 (u1 and u2 weight)", len(result.Pairs))
	}

	// Coverage exists only for u1; u2's metformin does not match the filter.
	if len(result.Coverage) != 1 || result.Coverage[0].UserID != "u1" {
		t.Fatalf("coverage rows = %+v, want exactly u1", result.Coverage)
	}
	if !result.Coverage[0].IsAdherent {
		t.Error("u1 with continuous refills should classify adherent")
	}

	wantTags := map[cohort.UserID][]cohort.CohortTag{
		"u1": {cohort.CohortRetained, cohort.CohortGLP1Adherent},
		"u2": {cohort.CohortRetained, cohort.CohortNonGLP1},
	}
	for id, want := range wantTags {
		if got := result.Memberships[id]; !reflect.DeepEqual(got, want) {
			t.Errorf("memberships[%s] = %v, want %v", id, got, want)
		}
	}
	if _, ok := result.Memberships["u3"]; ok {
		t.Error("non-retained user must not carry cohort tags")
	}

	adherent := findOutcome(t, result.Outcomes, cohort.CohortGLP1Adherent, cohort.MetricWeight)
	if adherent.Count != 1 {
		t.Errorf("glp1_adherent weight count = %d, want 1", adherent.Count)
	}
	// u1 lost 10%: crosses both default thresholds.
	if adherent.Achievements[0].Achieved != 1 || adherent.Achievements[1].Achieved != 1 {
		t.Errorf("u1 at -10%% should achieve both thresholds: %+v", adherent.Achievements)
	}
}

func TestEngineRunIdempotent(t *testing.T) {
	e := New(nil)
	input := pipelineInput()
	cfg := pipelineConfig()

	first, err := e.Run(context.Background(), input, cfg)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := e.Run(context.Background(), input, cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Error("identical input and config must produce identical output")
	}
}

func TestEngineRunParallelMatchesSequential(t *testing.T) {
	e := New(nil)
	input := pipelineInput()

	sequential := pipelineConfig()
	parallel := pipelineConfig()
	parallel.Workers = 8

	a, err := e.Run(context.Background(), input, sequential)
	if err != nil {
		t.Fatalf("sequential run: %v", err)
	}
	b, err := e.Run(context.Background(), input, parallel)
	if err != nil {
		t.Fatalf("parallel run: %v", err)
	}

	if !reflect.DeepEqual(a, b) {
		t.Error("worker fan-out must not change results")
	}
}

func TestEngineRunRejectsBadConfig(t *testing.T) {
	e := New(nil)

	cases := []struct {
		name   string
		mutate func(*cohort.Config)
	}{
		{"zero as-of", func(c *cohort.Config) { c.AsOf = time.Time{} }},
		{"non-positive streak", func(c *cohort.Config) { c.Retention.MinConsecutiveMonths = 0 }},
		{"non-positive covered days", func(c *cohort.Config) { c.Adherence.MinCoveredDays = 0 }},
		{"gap pct above one", func(c *cohort.Config) { c.Adherence.MaxGapPct = 1.5 }},
		{"non-positive min gap", func(c *cohort.Config) { c.Extraction[0].MinGapDays = 0 }},
		{"empty valid range", func(c *cohort.Config) { c.Extraction[0].Range = &cohort.ValidRange{Min: 5, Max: 5} }},
		{"non-positive threshold", func(c *cohort.Config) { c.Outcomes.AchievementThresholds = []float64{-0.05} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := pipelineConfig()
			tc.mutate(&cfg)
			if _, err := e.Run(context.Background(), pipelineInput(), cfg); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

func TestEngineRunEmptyInput(t *testing.T) {
	e := New(nil)
	result, err := e.Run(context.Background(), Input{}, pipelineConfig())
	if err != nil {
		t.Fatalf("empty input must not error: %v", err)
	}
	if len(result.Retention) != 0 || len(result.Coverage) != 0 || len(result.Pairs) != 0 || len(result.Outcomes) != 0 {
		t.Errorf("empty input must yield empty collections: %+v", result)
	}
}

func TestEngineRunUserWithOnlyObservations(t *testing.T) {
	// Present in the observation stream but absent from engagement: never
	// retained, never an error.
	input := Input{
		Observations: []cohort.Observation{
			obs("lurker", cohort.MetricWeight, 220, day(2025, time.March, 1), 1),
		},
	}

	e := New(nil)
	result, err := e.Run(context.Background(), input, pipelineConfig())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(result.Retention) != 1 {
		t.Fatalf("retention rows = %d, want 1", len(result.Retention))
	}
	if result.Retention[0].IsRetained {
		t.Error("user without engagement events must not be retained")
	}
}
