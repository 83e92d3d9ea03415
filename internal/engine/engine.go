package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
	"github.com/carelytics/go-qbr/pkg/workerpool"
)

// Input is the pre-materialized event snapshot for one run. The engine never
// reads from the warehouse itself; the retrieval layer hands it complete
// collections.
type Input struct {
	Engagements  []cohort.EngagementEvent
	Fills        []cohort.FillEvent
	Observations []cohort.Observation
}

// Engine runs the full cohort pipeline: retention classification, adherence,
// baseline/latest extraction, and outcome aggregation.
type Engine struct {
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger,
		tracer: otel.Tracer("cohort-engine"),
	}
}

type userEvents struct {
	id           cohort.UserID
	engagements  []cohort.EngagementEvent
	fills        []cohort.FillEvent
	observations []cohort.Observation
}

// Run executes the pipeline for the given snapshot and configuration.
// Identical input and config always produce identical output. Only
// configuration problems are errors; users or metrics with no qualifying
// data yield empty collections.
func (e *Engine) Run(ctx context.Context, input Input, cfg cohort.Config) (*cohort.RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "engine_run",
		trace.WithAttributes(attribute.String("as_of", cfg.AsOf.Format("2006-01-02"))))
	defer span.End()

	users := partitionByUser(input)
	span.SetAttributes(attribute.Int("users", len(users)))

	pool := workerpool.New(cfg.Workers, e.logger)

	// Phase 1: retention over every user.
	retention := make([]cohort.RetentionResult, len(users))
	tasks := make([]workerpool.Task, len(users))
	for i, u := range users {
		i, u := i, u
		tasks[i] = func(context.Context) error {
			retention[i] = ClassifyRetention(u.id, u.engagements, cfg.Retention, cfg.AsOf)
			return nil
		}
	}
	if err := pool.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("retention phase: %w", err)
	}

	retained := make([]userEvents, 0, len(users))
	retainedSet := make(map[cohort.UserID]bool, len(users))
	for i, u := range users {
		if retention[i].IsRetained {
			retained = append(retained, u)
			retainedSet[u.id] = true
		}
	}

	// Phase 2: adherence and baseline/latest pairs, restricted to the
	// retained set.
	coverage := make([]*cohort.CoverageSummary, len(retained))
	pairsPerUser := make([][]cohort.BaselineLatestPair, len(retained))
	tasks = make([]workerpool.Task, len(retained))
	for i, u := range retained {
		i, u := i, u
		tasks[i] = func(context.Context) error {
			coverage[i] = ComputeAdherence(u.id, u.fills, cfg.Adherence, cfg.AsOf)
			anchor := e.anchorFor(u, cfg)
			for _, ex := range cfg.Extraction {
				if pair := ExtractPair(u.id, u.observations, ex, anchor, cfg.AsOf); pair != nil {
					pairsPerUser[i] = append(pairsPerUser[i], *pair)
				}
			}
			return nil
		}
	}
	if err := pool.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("extraction phase: %w", err)
	}

	result := &cohort.RunResult{
		AsOf:        cfg.AsOf,
		Retention:   retention,
		Memberships: make(map[cohort.UserID][]cohort.CohortTag, len(retained)),
	}
	for i, u := range retained {
		tags := []cohort.CohortTag{cohort.CohortRetained}
		if cov := coverage[i]; cov != nil {
			result.Coverage = append(result.Coverage, *cov)
			if cov.IsAdherent {
				tags = append(tags, cohort.CohortGLP1Adherent)
			}
		} else if !hasMatchingFill(u.fills, cfg.Adherence.DrugNames) {
			tags = append(tags, cohort.CohortNonGLP1)
		}
		result.Memberships[u.id] = tags
		result.Pairs = append(result.Pairs, pairsPerUser[i]...)
	}

	// Phase 3: aggregation.
	result.CoverageStats = SummarizeCoverage(result.Coverage)
	result.Outcomes = Aggregate(result.Pairs, result.Memberships, cfg.Outcomes)

	e.logger.Info("engine run complete",
		zap.Time("as_of", cfg.AsOf),
		zap.Int("users", len(users)),
		zap.Int("retained", len(retained)),
		zap.Int("coverage_rows", len(result.Coverage)),
		zap.Int("pairs", len(result.Pairs)),
		zap.Int("outcome_rows", len(result.Outcomes)))

	return result, nil
}

// anchorFor resolves the baseline anchor for a user: the configured per-user
// anchor when present, otherwise the user's first engagement day (program
// start).
func (e *Engine) anchorFor(u userEvents, cfg cohort.Config) time.Time {
	if anchor, ok := cfg.AnchorDates[u.id]; ok && !anchor.IsZero() {
		return cohort.DateOnly(anchor)
	}
	var first time.Time
	for _, ev := range u.engagements {
		day := cohort.DateOnly(ev.Date)
		if first.IsZero() || day.Before(first) {
			first = day
		}
	}
	if first.IsZero() {
		return cfg.AsOf
	}
	return first
}

func hasMatchingFill(fills []cohort.FillEvent, drugNames []string) bool {
	for _, f := range fills {
		if f.MatchesDrugFilter(drugNames) {
			return true
		}
	}
	return false
}

// partitionByUser splits the flat event collections into per-user slices,
// ordered by user ID so run output is stable.
func partitionByUser(input Input) []userEvents {
	byUser := make(map[cohort.UserID]*userEvents)
	get := func(id cohort.UserID) *userEvents {
		u, ok := byUser[id]
		if !ok {
			u = &userEvents{id: id}
			byUser[id] = u
		}
		return u
	}

	for _, ev := range input.Engagements {
		u := get(ev.UserID)
		u.engagements = append(u.engagements, ev)
	}
	for _, f := range input.Fills {
		u := get(f.UserID)
		u.fills = append(u.fills, f)
	}
	for _, obs := range input.Observations {
		u := get(obs.UserID)
		u.observations = append(u.observations, obs)
	}

	users := make([]userEvents, 0, len(byUser))
	for _, u := range byUser {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].id < users[j].id })
	return users
}
