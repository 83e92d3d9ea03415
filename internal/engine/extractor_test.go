package engine

import (
	"math"
	"testing"
	"time"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
)

func obs(id string, metric cohort.MetricKind, value float64, t time.Time, seq int64) cohort.Observation {
	return cohort.Observation{
		UserID:        cohort.UserID(id),
		Metric:        metric,
		Value:         value,
		EffectiveDate: t,
		Seq:           seq,
	}
}

func weightConfig(minGap int) cohort.ExtractionConfig {
	return cohort.ExtractionConfig{
		Metric:           cohort.MetricWeight,
		WindowBeforeDays: 30,
		MinGapDays:       minGap,
		Range:            &cohort.ValidRange{Min: 50, Max: 700},
	}
}

func TestExtractPairWindowAndMinGap(t *testing.T) {
	anchor := day(2025, time.January, 1)
	asOf := day(2025, time.December, 31)

	observations := []cohort.Observation{
		obs("u1", cohort.MetricWeight, 250, anchor.AddDate(0, 0, -10), 1), // baseline: in window
		obs("u1", cohort.MetricWeight, 248, anchor.AddDate(0, 0, 5), 2),   // too close for latest
		obs("u1", cohort.MetricWeight, 230, anchor.AddDate(0, 0, 200), 3), // qualifies
	}

	pair := ExtractPair("u1", observations, weightConfig(180), anchor, asOf)
	if pair == nil {
		t.Fatal("expected a pair")
	}
	if pair.BaselineValue != 250 {
		t.Errorf("baseline = %f, want 250 (earliest in window)", pair.BaselineValue)
	}
	if pair.LatestValue != 230 {
		t.Errorf("latest = %f, want 230 (only observation >= 180 days after baseline)", pair.LatestValue)
	}
	if pair.ElapsedDays != 210 {
		t.Errorf("elapsed days = %d, want 210", pair.ElapsedDays)
	}
	if pair.ElapsedDays < 180 {
		t.Errorf("pair violates minimum gap: %d < 180", pair.ElapsedDays)
	}
}

func TestExtractPairNoQualifyingLatest(t *testing.T) {
	anchor := day(2025, time.January, 1)
	observations := []cohort.Observation{
		obs("u1", cohort.MetricWeight, 250, anchor, 1),
		obs("u1", cohort.MetricWeight, 245, anchor.AddDate(0, 0, 20), 2),
	}

	if pair := ExtractPair("u1", observations, weightConfig(180), anchor, day(2025, time.June, 1)); pair != nil {
		t.Errorf("baseline without qualifying latest must not be emitted, got %+v", pair)
	}
}

func TestExtractPairRangeFilterExcludesImplausibleBaseline(t *testing.T) {
	anchor := day(2025, time.January, 1)
	cfg := cohort.ExtractionConfig{
		Metric:           cohort.MetricBMI,
		WindowBeforeDays: 30,
		MinGapDays:       30,
		Range:            &cohort.ValidRange{Min: 10, Max: 100},
	}

	observations := []cohort.Observation{
		obs("u1", cohort.MetricBMI, 150, anchor.AddDate(0, 0, -20), 1), // implausible, chronologically first
		obs("u1", cohort.MetricBMI, 42, anchor.AddDate(0, 0, -5), 2),
		obs("u1", cohort.MetricBMI, 39, anchor.AddDate(0, 0, 120), 3),
	}

	pair := ExtractPair("u1", observations, cfg, anchor, day(2025, time.December, 1))
	if pair == nil {
		t.Fatal("expected a pair")
	}
	if pair.BaselineValue != 42 {
		t.Errorf("baseline = %f, want 42; out-of-range 150 must never be a candidate", pair.BaselineValue)
	}
}

func TestExtractPairDateTieBreaksOnSequence(t *testing.T) {
	anchor := day(2025, time.January, 1)
	sameDay := anchor.AddDate(0, 0, 3)

	observations := []cohort.Observation{
		obs("u1", cohort.MetricWeight, 260, sameDay, 7),
		obs("u1", cohort.MetricWeight, 255, sameDay, 2), // lower seq wins baseline
		obs("u1", cohort.MetricWeight, 240, anchor.AddDate(0, 0, 100), 9),
	}

	pair := ExtractPair("u1", observations, weightConfig(30), anchor, day(2025, time.December, 1))
	if pair == nil {
		t.Fatal("expected a pair")
	}
	if pair.BaselineValue != 255 {
		t.Errorf("baseline = %f, want 255 (lowest sequence on tied date)", pair.BaselineValue)
	}

	// Same input in reversed order must select identically.
	reversed := []cohort.Observation{observations[2], observations[0], observations[1]}
	again := ExtractPair("u1", reversed, weightConfig(30), anchor, day(2025, time.December, 1))
	if again == nil || again.BaselineValue != pair.BaselineValue || !again.LatestDate.Equal(pair.LatestDate) {
		t.Error("selection must be independent of input order")
	}
}

func TestExtractPairLatestPicksMostRecent(t *testing.T) {
	anchor := day(2025, time.January, 1)
	observations := []cohort.Observation{
		obs("u1", cohort.MetricWeight, 250, anchor, 1),
		obs("u1", cohort.MetricWeight, 240, anchor.AddDate(0, 0, 60), 2),
		obs("u1", cohort.MetricWeight, 235, anchor.AddDate(0, 0, 90), 3),
		obs("u1", cohort.MetricWeight, 232, anchor.AddDate(0, 0, 140), 4),
	}

	pair := ExtractPair("u1", observations, weightConfig(30), anchor, day(2025, time.December, 1))
	if pair == nil {
		t.Fatal("expected a pair")
	}
	if pair.LatestValue != 232 {
		t.Errorf("latest = %f, want the most recent qualifying value 232", pair.LatestValue)
	}
}

func TestExtractPairIgnoresObservationsAfterAsOf(t *testing.T) {
	anchor := day(2025, time.January, 1)
	asOf := day(2025, time.May, 1)
	observations := []cohort.Observation{
		obs("u1", cohort.MetricWeight, 250, anchor, 1),
		obs("u1", cohort.MetricWeight, 235, anchor.AddDate(0, 0, 90), 2),
		obs("u1", cohort.MetricWeight, 220, asOf.AddDate(0, 0, 30), 3), // beyond as-of
	}

	pair := ExtractPair("u1", observations, weightConfig(30), anchor, asOf)
	if pair == nil {
		t.Fatal("expected a pair")
	}
	if pair.LatestValue != 235 {
		t.Errorf("latest = %f, want 235; values after as-of are invisible", pair.LatestValue)
	}
}

func TestExtractPairBloodPressureCarriesPairedValue(t *testing.T) {
	anchor := day(2025, time.January, 1)
	cfg := cohort.ExtractionConfig{
		Metric:           cohort.MetricSystolic,
		WindowBeforeDays: 30,
		MinGapDays:       30,
		Range:            &cohort.ValidRange{Min: 60, Max: 260},
	}

	observations := []cohort.Observation{
		{UserID: "u1", Metric: cohort.MetricSystolic, Value: 148, Paired: 95, EffectiveDate: anchor, Seq: 1},
		{UserID: "u1", Metric: cohort.MetricSystolic, Value: 131, Paired: 84, EffectiveDate: anchor.AddDate(0, 0, 90), Seq: 2},
	}

	pair := ExtractPair("u1", observations, cfg, anchor, day(2025, time.December, 1))
	if pair == nil {
		t.Fatal("expected a pair")
	}
	if pair.BaselinePaired != 95 || pair.LatestPaired != 84 {
		t.Errorf("paired diastolic = %f/%f, want 95/84 from the same records",
			pair.BaselinePaired, pair.LatestPaired)
	}
}

func TestExtractPairWrongMetricYieldsNothing(t *testing.T) {
	anchor := day(2025, time.January, 1)
	observations := []cohort.Observation{
		obs("u1", cohort.MetricA1C, 7.2, anchor, 1),
		obs("u1", cohort.MetricA1C, 6.4, anchor.AddDate(0, 0, 120), 2),
	}
	if pair := ExtractPair("u1", observations, weightConfig(30), anchor, day(2025, time.December, 1)); pair != nil {
		t.Error("observations of another metric must not produce a weight pair")
	}
}

func TestConvertKgWeights(t *testing.T) {
	observations := []cohort.Observation{
		obs("u1", cohort.MetricWeight, 100, day(2025, time.January, 1), 1),
		obs("u1", cohort.MetricA1C, 6.1, day(2025, time.January, 1), 2),
	}

	converted := ConvertKgWeights(observations)
	if math.Abs(converted[0].Value-220.462) > 1e-9 {
		t.Errorf("converted weight = %f, want 220.462", converted[0].Value)
	}
	if converted[1].Value != 6.1 {
		t.Errorf("non-weight metric changed: %f", converted[1].Value)
	}
	if observations[0].Value != 100 {
		t.Error("input slice must not be mutated")
	}
}
