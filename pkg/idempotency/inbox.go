// Package idempotency provides the inbox pattern for exactly-once event
// loading. Claim feeds replay on reconnect; the inbox makes the second
// delivery a no-op.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Inbox records processed event keys in Postgres.
type Inbox struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewInbox creates an inbox backed by the given pool.
func NewInbox(pool *pgxpool.Pool, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{pool: pool, logger: logger}
}

// EnsureSchema creates the inbox table if absent.
func (i *Inbox) EnsureSchema(ctx context.Context) error {
	_, err := i.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS event_inbox (
			idempotency_key TEXT PRIMARY KEY,
			handler TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure inbox schema: %w", err)
	}
	return nil
}

// Claim marks key as processed inside tx and reports whether this call won.
// A false return means an earlier delivery already handled the event; the
// caller must skip its own writes and commit nothing new.
func (i *Inbox) Claim(ctx context.Context, tx pgx.Tx, key, handler string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO event_inbox (idempotency_key, handler)
		VALUES ($1, $2)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, handler)
	if err != nil {
		return false, fmt.Errorf("claim inbox key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Prune deletes inbox rows older than the retention window.
func (i *Inbox) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		DELETE FROM event_inbox WHERE processed_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune inbox: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		i.logger.Info("inbox pruned", zap.Int64("rows", n))
	}
	return n, nil
}

// GenerateKey derives a deterministic key from the event's identifying
// fields. Same claim, same key, regardless of delivery count.
func GenerateKey(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
