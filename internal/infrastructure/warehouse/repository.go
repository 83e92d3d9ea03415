// Package warehouse provides event retrieval from the clinical data warehouse
// and persistence of computed report runs.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
	"github.com/carelytics/go-qbr/internal/engine"
)

// Repository reads raw events and writes run results.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRepository creates a repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("warehouse"),
	}
}

// EnsureSchema creates the result tables if they do not exist. Source event
// tables belong to the warehouse loaders and are never created here.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS qbr_runs (
			id UUID PRIMARY KEY,
			partner TEXT NOT NULL,
			run_tag TEXT,
			as_of DATE NOT NULL,
			users_classified INT NOT NULL,
			users_retained INT NOT NULL,
			coverage_rows INT NOT NULL,
			pair_rows INT NOT NULL,
			users_adherent INT NOT NULL DEFAULT 0,
			refill_share DOUBLE PRECISION NOT NULL DEFAULT 0,
			mean_gap_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS qbr_coverage (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES qbr_runs(id),
			user_id TEXT NOT NULL,
			first_fill DATE NOT NULL,
			last_covered_through DATE NOT NULL,
			total_covered_days INT NOT NULL,
			observed_period_days INT NOT NULL,
			gap_pct DOUBLE PRECISION NOT NULL,
			is_adherent BOOLEAN NOT NULL,
			fill_count INT NOT NULL,
			refill_count INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS qbr_outcomes (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES qbr_runs(id),
			cohort TEXT NOT NULL,
			metric TEXT NOT NULL,
			sample_size INT NOT NULL,
			mean_delta DOUBLE PRECISION NOT NULL,
			median_delta DOUBLE PRECISION NOT NULL,
			mean_pct_change DOUBLE PRECISION NOT NULL,
			median_pct_change DOUBLE PRECISION NOT NULL,
			pct_sample_size INT NOT NULL,
			mean_elapsed_days DOUBLE PRECISION NOT NULL,
			mean_baseline DOUBLE PRECISION NOT NULL,
			mean_latest DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS qbr_achievements (
			id UUID PRIMARY KEY,
			outcome_id UUID NOT NULL REFERENCES qbr_outcomes(id),
			threshold DOUBLE PRECISION NOT NULL,
			achieved INT NOT NULL,
			rate DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qbr_runs_partner ON qbr_runs(partner, as_of)`,
		`CREATE INDEX IF NOT EXISTS idx_qbr_outcomes_run ON qbr_outcomes(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_qbr_coverage_run ON qbr_coverage(run_id)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// FetchSnapshot materializes the three event collections for one partner
// population up to the as-of date. The engine receives complete collections;
// nothing here streams.
func (r *Repository) FetchSnapshot(ctx context.Context, partner string, asOf time.Time) (engine.Input, error) {
	ctx, span := r.tracer.Start(ctx, "fetch_snapshot",
		trace.WithAttributes(
			attribute.String("partner", partner),
			attribute.String("as_of", asOf.Format("2006-01-02")),
		))
	defer span.End()

	var input engine.Input
	var err error

	if input.Engagements, err = r.fetchEngagements(ctx, partner, asOf); err != nil {
		return engine.Input{}, fmt.Errorf("fetch engagements: %w", err)
	}
	if input.Fills, err = r.fetchFills(ctx, partner, asOf); err != nil {
		return engine.Input{}, fmt.Errorf("fetch fills: %w", err)
	}
	if input.Observations, err = r.fetchObservations(ctx, partner, asOf); err != nil {
		return engine.Input{}, fmt.Errorf("fetch observations: %w", err)
	}

	r.logger.Info("snapshot fetched",
		zap.String("partner", partner),
		zap.Int("engagements", len(input.Engagements)),
		zap.Int("fills", len(input.Fills)),
		zap.Int("observations", len(input.Observations)))
	return input, nil
}

func (r *Repository) fetchEngagements(ctx context.Context, partner string, asOf time.Time) ([]cohort.EngagementEvent, error) {
	query := `
		SELECT user_id, activity_date, is_billable
		FROM billing_activities
		WHERE partner = $1 AND activity_date <= $2
		ORDER BY user_id, activity_date
	`
	rows, err := r.pool.Query(ctx, query, partner, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []cohort.EngagementEvent
	for rows.Next() {
		var ev cohort.EngagementEvent
		if err := rows.Scan(&ev.UserID, &ev.Date, &ev.IsBillable); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *Repository) fetchFills(ctx context.Context, partner string, asOf time.Time) ([]cohort.FillEvent, error) {
	query := `
		SELECT c.user_id, c.drug_name, c.filled_at, c.days_of_supply, COALESCE(c.refills, 0)
		FROM pharmacy_claims c
		JOIN partner_users pu ON pu.user_id = c.user_id
		WHERE pu.partner = $1 AND c.filled_at <= $2
		ORDER BY c.user_id, c.filled_at
	`
	rows, err := r.pool.Query(ctx, query, partner, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []cohort.FillEvent
	for rows.Next() {
		var f cohort.FillEvent
		if err := rows.Scan(&f.UserID, &f.DrugName, &f.FilledAt, &f.DaysOfSupply, &f.Refills); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (r *Repository) fetchObservations(ctx context.Context, partner string, asOf time.Time) ([]cohort.Observation, error) {
	// seq preserves warehouse load order so date ties resolve the same way
	// on every run.
	query := `
		SELECT o.user_id, o.metric, o.value, COALESCE(o.paired_value, 0), o.effective_date, o.seq
		FROM clinical_observations o
		JOIN partner_users pu ON pu.user_id = o.user_id
		WHERE pu.partner = $1 AND o.effective_date <= $2 AND o.value IS NOT NULL
		ORDER BY o.user_id, o.effective_date, o.seq
	`
	rows, err := r.pool.Query(ctx, query, partner, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []cohort.Observation
	for rows.Next() {
		var obs cohort.Observation
		if err := rows.Scan(&obs.UserID, &obs.Metric, &obs.Value, &obs.Paired, &obs.EffectiveDate, &obs.Seq); err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// StoreRun persists one full engine run transactionally and returns the run
// ID. Source events are never touched; result tables only grow.
func (r *Repository) StoreRun(ctx context.Context, partner, tag string, result *cohort.RunResult) (uuid.UUID, error) {
	ctx, span := r.tracer.Start(ctx, "store_run",
		trace.WithAttributes(attribute.String("partner", partner)))
	defer span.End()

	runID := uuid.New()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO qbr_runs (id, partner, run_tag, as_of, users_classified, users_retained,
			coverage_rows, pair_rows, users_adherent, refill_share, mean_gap_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, runID, partner, nilIfEmpty(tag), result.AsOf,
		len(result.Retention), len(result.Memberships), len(result.Coverage), len(result.Pairs),
		result.CoverageStats.Adherent, result.CoverageStats.RefillShare, result.CoverageStats.MeanGapPct)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}

	for _, cov := range result.Coverage {
		_, err = tx.Exec(ctx, `
			INSERT INTO qbr_coverage (id, run_id, user_id, first_fill, last_covered_through,
				total_covered_days, observed_period_days, gap_pct, is_adherent, fill_count, refill_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, uuid.New(), runID, cov.UserID, cov.FirstFillDate, cov.LastCoveredThrough,
			cov.TotalCoveredDays, cov.ObservedPeriodDays, cov.GapPct, cov.IsAdherent,
			cov.FillCount, cov.RefillCount)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert coverage row: %w", err)
		}
	}

	for _, outcome := range result.Outcomes {
		outcomeID := uuid.New()
		_, err = tx.Exec(ctx, `
			INSERT INTO qbr_outcomes (id, run_id, cohort, metric, sample_size, mean_delta, median_delta,
				mean_pct_change, median_pct_change, pct_sample_size, mean_elapsed_days, mean_baseline, mean_latest)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, outcomeID, runID, outcome.Cohort, outcome.Metric, outcome.Count,
			outcome.MeanDelta, outcome.MedianDelta, outcome.MeanPctChange, outcome.MedianPctChange,
			outcome.PctSampleSize, outcome.MeanElapsedDays, outcome.MeanBaseline, outcome.MeanLatest)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert outcome row: %w", err)
		}

		for _, ach := range outcome.Achievements {
			_, err = tx.Exec(ctx, `
				INSERT INTO qbr_achievements (id, outcome_id, threshold, achieved, rate)
				VALUES ($1, $2, $3, $4, $5)
			`, uuid.New(), outcomeID, ach.Threshold, ach.Achieved, ach.Rate)
			if err != nil {
				return uuid.Nil, fmt.Errorf("insert achievement row: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("run stored",
		zap.String("run_id", runID.String()),
		zap.String("partner", partner),
		zap.Int("outcome_rows", len(result.Outcomes)))
	return runID, nil
}

// RunMeta is the header row of a stored run.
type RunMeta struct {
	ID       uuid.UUID
	Partner  string
	Tag      string
	AsOf     time.Time
	StoredAt time.Time
}

// FindRun loads a run's header row. Returns pgx.ErrNoRows when absent.
func (r *Repository) FindRun(ctx context.Context, runID uuid.UUID) (RunMeta, error) {
	var meta RunMeta
	var tag *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, partner, run_tag, as_of, created_at
		FROM qbr_runs
		WHERE id = $1
	`, runID).Scan(&meta.ID, &meta.Partner, &tag, &meta.AsOf, &meta.StoredAt)
	if err != nil {
		return RunMeta{}, err
	}
	if tag != nil {
		meta.Tag = *tag
	}
	return meta, nil
}

// Outcomes retrieves the stored outcome rows for a run, including the
// achievement rates attached to each.
func (r *Repository) Outcomes(ctx context.Context, runID uuid.UUID) ([]cohort.CohortOutcome, error) {
	query := `
		SELECT id, cohort, metric, sample_size, mean_delta, median_delta,
			mean_pct_change, median_pct_change, pct_sample_size, mean_elapsed_days, mean_baseline, mean_latest
		FROM qbr_outcomes
		WHERE run_id = $1
		ORDER BY cohort, metric
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []cohort.CohortOutcome
	var outcomeIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var o cohort.CohortOutcome
		if err := rows.Scan(&id, &o.Cohort, &o.Metric, &o.Count, &o.MeanDelta, &o.MedianDelta,
			&o.MeanPctChange, &o.MedianPctChange, &o.PctSampleSize, &o.MeanElapsedDays,
			&o.MeanBaseline, &o.MeanLatest); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
		outcomeIDs = append(outcomeIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range outcomeIDs {
		achievements, err := r.achievements(ctx, id)
		if err != nil {
			return nil, err
		}
		outcomes[i].Achievements = achievements
	}
	return outcomes, nil
}

func (r *Repository) achievements(ctx context.Context, outcomeID uuid.UUID) ([]cohort.AchievementRate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT threshold, achieved, rate
		FROM qbr_achievements
		WHERE outcome_id = $1
		ORDER BY threshold
	`, outcomeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []cohort.AchievementRate
	for rows.Next() {
		var a cohort.AchievementRate
		if err := rows.Scan(&a.Threshold, &a.Achieved, &a.Rate); err != nil {
			return nil, err
		}
		rates = append(rates, a)
	}
	return rates, rows.Err()
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
