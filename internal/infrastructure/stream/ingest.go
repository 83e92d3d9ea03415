package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
	"github.com/carelytics/go-qbr/internal/infrastructure/warehouse"
	"github.com/carelytics/go-qbr/internal/observability/metrics"
	"github.com/carelytics/go-qbr/pkg/idempotency"
)

// ClaimEvent is the wire shape of one pharmacy claim on TopicPharmacyClaims.
type ClaimEvent struct {
	UserID       string `json:"user_id"`
	DrugName     string `json:"drug_name"`
	FilledAt     string `json:"filled_at"`
	DaysOfSupply int    `json:"days_of_supply"`
	Refills      int    `json:"refills"`
}

// ObservationEvent is the wire shape of one clinical measurement on
// TopicClinicalObservation.
type ObservationEvent struct {
	UserID        string  `json:"user_id"`
	Metric        string  `json:"metric"`
	Value         float64 `json:"value"`
	PairedValue   float64 `json:"paired_value,omitempty"`
	EffectiveDate string  `json:"effective_date"`
	// Unit is "kg" or "lbs" for weight; the loader normalizes to lbs.
	Unit string `json:"unit,omitempty"`
}

// Ingestor decodes ingest events and loads them into the warehouse.
// Malformed events go to the dead letter topic and the offset commits;
// warehouse failures return an error so the event redelivers.
type Ingestor struct {
	repo     *warehouse.Repository
	inbox    *idempotency.Inbox
	producer *Producer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(repo *warehouse.Repository, inbox *idempotency.Inbox, producer *Producer, m *metrics.Metrics, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		repo:     repo,
		inbox:    inbox,
		producer: producer,
		metrics:  m,
		logger:   logger,
	}
}

// Handle is the consumer callback.
func (i *Ingestor) Handle(ctx context.Context, msg *Message) error {
	switch msg.Topic {
	case TopicPharmacyClaims:
		return i.handleClaim(ctx, msg)
	case TopicClinicalObservation:
		return i.handleObservation(ctx, msg)
	default:
		i.logger.Warn("unexpected topic", zap.String("topic", msg.Topic))
		return nil
	}
}

func (i *Ingestor) handleClaim(ctx context.Context, msg *Message) error {
	var ev ClaimEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return i.reject(ctx, msg, fmt.Errorf("decode claim: %w", err))
	}

	filledAt, err := time.Parse("2006-01-02", ev.FilledAt)
	if err != nil {
		return i.reject(ctx, msg, fmt.Errorf("claim filled_at: %w", err))
	}
	if ev.UserID == "" || ev.DrugName == "" || ev.DaysOfSupply <= 0 {
		return i.reject(ctx, msg, fmt.Errorf("claim missing required fields"))
	}

	fill := cohort.FillEvent{
		UserID:       cohort.UserID(ev.UserID),
		DrugName:     ev.DrugName,
		FilledAt:     filledAt,
		DaysOfSupply: ev.DaysOfSupply,
		Refills:      ev.Refills,
	}

	key := idempotency.GenerateKey(ev.UserID, ev.DrugName, ev.FilledAt,
		fmt.Sprintf("%d:%d", ev.DaysOfSupply, ev.Refills))
	inserted, err := i.repo.LoadClaim(ctx, i.inbox, key, fill)
	if err != nil {
		return err
	}
	if !inserted {
		i.metrics.ClaimsDuplicate.Inc()
		return nil
	}
	i.metrics.ClaimsConsumed.Inc()
	return nil
}

func (i *Ingestor) handleObservation(ctx context.Context, msg *Message) error {
	var ev ObservationEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return i.reject(ctx, msg, fmt.Errorf("decode observation: %w", err))
	}

	effective, err := time.Parse("2006-01-02", ev.EffectiveDate)
	if err != nil {
		return i.reject(ctx, msg, fmt.Errorf("observation effective_date: %w", err))
	}
	if ev.UserID == "" || ev.Metric == "" {
		return i.reject(ctx, msg, fmt.Errorf("observation missing required fields"))
	}

	value := ev.Value
	metric := cohort.MetricKind(ev.Metric)
	// Questionnaire weights arrive in kilograms; warehouse convention is lbs.
	if metric == cohort.MetricWeight && ev.Unit == "kg" {
		value *= cohort.KgToLbs
	}

	obs := cohort.Observation{
		UserID:        cohort.UserID(ev.UserID),
		Metric:        metric,
		Value:         value,
		Paired:        ev.PairedValue,
		EffectiveDate: effective,
	}

	key := idempotency.GenerateKey(ev.UserID, ev.Metric, ev.EffectiveDate,
		fmt.Sprintf("%g:%g", ev.Value, ev.PairedValue))
	inserted, err := i.repo.LoadObservation(ctx, i.inbox, key, obs)
	if err != nil {
		return err
	}
	if !inserted {
		i.metrics.ClaimsDuplicate.Inc()
		return nil
	}
	i.metrics.ClaimsConsumed.Inc()
	return nil
}

// reject dead-letters a malformed event. The offset still commits; replaying
// a bad payload never fixes it.
func (i *Ingestor) reject(ctx context.Context, msg *Message, cause error) error {
	i.metrics.ClaimsRejected.Inc()
	i.logger.Warn("event rejected",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	if err := i.producer.DeadLetter(ctx, msg.Topic, msg.Key, msg.Value); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}
