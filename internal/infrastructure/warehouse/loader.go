package warehouse

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/carelytics/go-qbr/internal/domain/cohort"
	"github.com/carelytics/go-qbr/pkg/idempotency"
)

// EnsureSourceSchema creates the event tables the ingest service loads.
// Kept separate from EnsureSchema so the report API, which only reads
// sources, never creates them.
func (r *Repository) EnsureSourceSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partner_users (
			user_id TEXT PRIMARY KEY,
			partner TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS billing_activities (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			partner TEXT NOT NULL,
			activity_date DATE NOT NULL,
			is_billable BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pharmacy_claims (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			drug_name TEXT NOT NULL,
			filled_at DATE NOT NULL,
			days_of_supply INT NOT NULL,
			refills INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS clinical_observations (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value DOUBLE PRECISION,
			paired_value DOUBLE PRECISION,
			effective_date DATE NOT NULL,
			seq BIGINT GENERATED ALWAYS AS IDENTITY
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_user ON pharmacy_claims(user_id, filled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_user ON clinical_observations(user_id, effective_date)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_partner ON billing_activities(partner, activity_date)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure source schema: %w", err)
		}
	}
	return nil
}

// LoadClaim inserts one pharmacy claim, keyed through the inbox so replayed
// deliveries land exactly once. Returns false when the claim was already
// loaded.
func (r *Repository) LoadClaim(ctx context.Context, inbox *idempotency.Inbox, key string, fill cohort.FillEvent) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	won, err := inbox.Claim(ctx, tx, key, "load_claim")
	if err != nil {
		return false, err
	}
	if !won {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO pharmacy_claims (id, user_id, drug_name, filled_at, days_of_supply, refills)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), fill.UserID, fill.DrugName, fill.FilledAt, fill.DaysOfSupply, fill.Refills)
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	return true, tx.Commit(ctx)
}

// LoadObservation inserts one clinical observation through the inbox. The
// warehouse assigns seq at insert so date ties replay deterministically.
func (r *Repository) LoadObservation(ctx context.Context, inbox *idempotency.Inbox, key string, obs cohort.Observation) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	won, err := inbox.Claim(ctx, tx, key, "load_observation")
	if err != nil {
		return false, err
	}
	if !won {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO clinical_observations (id, user_id, metric, value, paired_value, effective_date)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), obs.UserID, obs.Metric, obs.Value, obs.Paired, obs.EffectiveDate)
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	return true, tx.Commit(ctx)
}
