// Package handlers provides HTTP handlers for the report API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carelytics/go-qbr/internal/api/middleware"
	"github.com/carelytics/go-qbr/internal/domain/cohort"
	"github.com/carelytics/go-qbr/internal/engine"
	"github.com/carelytics/go-qbr/internal/export"
	"github.com/carelytics/go-qbr/internal/infrastructure/warehouse"
	"github.com/carelytics/go-qbr/internal/observability/metrics"
	"github.com/carelytics/go-qbr/pkg/circuitbreaker"
)

// ReportHandler serves report-run endpoints.
type ReportHandler struct {
	repo    *warehouse.Repository
	engine  *engine.Engine
	breaker *circuitbreaker.Breaker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReportHandler creates a new handler.
func NewReportHandler(repo *warehouse.Repository, eng *engine.Engine, breaker *circuitbreaker.Breaker, m *metrics.Metrics, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		repo:    repo,
		engine:  eng,
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes.
func (h *ReportHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateRun)
	r.Get("/{id}/outcomes", h.GetOutcomes)
	r.Get("/{id}/outcomes.csv", h.GetOutcomesCSV)
	return r
}

// RunRequest is the request body for triggering a report run.
type RunRequest struct {
	AsOf string `json:"as_of"`
	Tag  string `json:"tag,omitempty"`

	// Optional overrides of the default analysis rules.
	DrugNames            []string `json:"drug_names,omitempty"`
	MinConsecutiveMonths int      `json:"min_consecutive_months,omitempty"`
	MaxGapPct            *float64 `json:"max_gap_pct,omitempty"`
	OverlapPolicy        string   `json:"overlap_policy,omitempty"`
	Workers              int      `json:"workers,omitempty"`
}

// RunResponse is the response for a completed run.
type RunResponse struct {
	RunID           string    `json:"run_id"`
	Partner         string    `json:"partner"`
	AsOf            string    `json:"as_of"`
	UsersClassified int       `json:"users_classified"`
	UsersRetained   int       `json:"users_retained"`
	OutcomeRows     int       `json:"outcome_rows"`
	CompletedAt     time.Time `json:"completed_at"`
}

// CreateRun handles POST /runs. The run executes synchronously; quarterly
// report generation is an operator action, not a hot path.
func (h *ReportHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("report-handler")
	ctx, span := tracer.Start(ctx, "create_run")
	defer span.End()

	partner := middleware.GetPartner(ctx)
	if partner == "" {
		h.jsonError(w, "no partner resolved for request", http.StatusUnauthorized)
		return
	}
	span.SetAttributes(attribute.String("partner", partner))

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	asOf, err := time.Parse("2006-01-02", req.AsOf)
	if err != nil {
		h.jsonError(w, "as_of must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	cfg := cohort.DefaultConfig(asOf)
	if len(req.DrugNames) > 0 {
		cfg.Adherence.DrugNames = req.DrugNames
	}
	if req.MinConsecutiveMonths > 0 {
		cfg.Retention.MinConsecutiveMonths = req.MinConsecutiveMonths
	}
	if req.MaxGapPct != nil {
		cfg.Adherence.MaxGapPct = *req.MaxGapPct
	}
	if req.OverlapPolicy != "" {
		cfg.Adherence.Overlap = cohort.OverlapPolicy(req.OverlapPolicy)
	}
	cfg.Workers = req.Workers

	if err := cfg.Validate(); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.metrics.RunsStarted.Inc()
	start := time.Now()

	raw, err := h.breaker.Execute(ctx, func() (interface{}, error) {
		return h.repo.FetchSnapshot(ctx, partner, asOf)
	})
	if err != nil {
		h.metrics.RunsFailed.Inc()
		h.metrics.WarehouseFailures.Inc()
		if errors.Is(err, circuitbreaker.ErrOpen) {
			h.jsonError(w, "warehouse unavailable", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("snapshot fetch failed", zap.Error(err), zap.String("partner", partner))
		h.jsonError(w, "failed to fetch warehouse snapshot", http.StatusBadGateway)
		return
	}
	input := raw.(engine.Input)
	h.metrics.SnapshotRows.WithLabelValues("engagements").Set(float64(len(input.Engagements)))
	h.metrics.SnapshotRows.WithLabelValues("fills").Set(float64(len(input.Fills)))
	h.metrics.SnapshotRows.WithLabelValues("observations").Set(float64(len(input.Observations)))

	result, err := h.engine.Run(ctx, input, cfg)
	if err != nil {
		h.metrics.RunsFailed.Inc()
		h.logger.Error("engine run failed", zap.Error(err), zap.String("partner", partner))
		h.jsonError(w, "run failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	runID, err := h.repo.StoreRun(ctx, partner, req.Tag, result)
	if err != nil {
		h.metrics.RunsFailed.Inc()
		h.logger.Error("run persistence failed", zap.Error(err), zap.String("partner", partner))
		h.jsonError(w, "failed to store run", http.StatusInternalServerError)
		return
	}

	h.metrics.RunsCompleted.Inc()
	h.metrics.RunDuration.Observe(time.Since(start).Seconds())
	h.metrics.UsersClassified.Add(float64(len(result.Retention)))
	h.metrics.UsersRetained.Add(float64(len(result.Memberships)))
	span.SetAttributes(attribute.String("run_id", runID.String()))

	h.respondJSON(w, http.StatusCreated, RunResponse{
		RunID:           runID.String(),
		Partner:         partner,
		AsOf:            asOf.Format("2006-01-02"),
		UsersClassified: len(result.Retention),
		UsersRetained:   len(result.Memberships),
		OutcomeRows:     len(result.Outcomes),
		CompletedAt:     time.Now().UTC(),
	})
}

// GetOutcomes handles GET /runs/{id}/outcomes.
func (h *ReportHandler) GetOutcomes(w http.ResponseWriter, r *http.Request) {
	report, ok := h.loadReport(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := export.WriteJSON(w, report); err != nil {
		h.logger.Error("write outcomes json", zap.Error(err))
	}
}

// GetOutcomesCSV handles GET /runs/{id}/outcomes.csv.
func (h *ReportHandler) GetOutcomesCSV(w http.ResponseWriter, r *http.Request) {
	report, ok := h.loadReport(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="outcomes.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := export.WriteCSV(w, report); err != nil {
		h.logger.Error("write outcomes csv", zap.Error(err))
	}
}

func (h *ReportHandler) loadReport(w http.ResponseWriter, r *http.Request) (export.Report, bool) {
	ctx := r.Context()

	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.jsonError(w, "invalid run id", http.StatusBadRequest)
		return export.Report{}, false
	}

	meta, err := h.repo.FindRun(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			h.jsonError(w, "run not found", http.StatusNotFound)
			return export.Report{}, false
		}
		h.logger.Error("load run", zap.Error(err), zap.String("run_id", runID.String()))
		h.jsonError(w, "failed to load run", http.StatusInternalServerError)
		return export.Report{}, false
	}
	// Keys are partner-scoped; a run stored for another partner is invisible.
	if meta.Partner != middleware.GetPartner(ctx) {
		h.jsonError(w, "run not found", http.StatusNotFound)
		return export.Report{}, false
	}

	outcomes, err := h.repo.Outcomes(ctx, runID)
	if err != nil {
		h.logger.Error("load outcomes", zap.Error(err), zap.String("run_id", runID.String()))
		h.jsonError(w, "failed to load outcomes", http.StatusInternalServerError)
		return export.Report{}, false
	}

	return export.BuildReport(runID.String(), meta.Partner, meta.AsOf, outcomes), true
}

// Health handles GET /health.
func (h *ReportHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"breaker": string(h.breaker.State()),
	})
}

func (h *ReportHandler) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *ReportHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.respondJSON(w, code, map[string]string{"error": message})
}
