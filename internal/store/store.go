// Package store persists usage events in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	_ metering.UsageStore = (*UsageStore)(nil)
	_ metering.UsageTx    = (*usageTx)(nil)
)

// UsageStore is the Postgres-backed usage event store.
type UsageStore struct {
	db     *database.Database
	logger *zap.Logger
}

// NewUsageStore creates a usage store.
func NewUsageStore(db *database.Database, logger *zap.Logger) *UsageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageStore{db: db, logger: logger}
}

// SumCost returns the total recorded cost for userID at or after since.
func (s *UsageStore) SumCost(ctx context.Context, userID string, since time.Time) (metering.Amount, error) {
	var total string
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost), 0)::text
		FROM usage_events
		WHERE user_id = $1 AND occurred_at >= $2
	`, userID, since).Scan(&total)
	if err != nil {
		return metering.Zero, fmt.Errorf("failed to sum usage cost: %w", err)
	}

	amount, err := decimal.NewFromString(total)
	if err != nil {
		return metering.Zero, fmt.Errorf("invalid usage total %q: %w", total, err)
	}
	return amount, nil
}

// WithTx runs fn in a database transaction.
func (s *UsageStore) WithTx(ctx context.Context, fn func(tx metering.UsageTx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&usageTx{tx: tx})
	})
}

// ListEvents returns the most recent usage events for a user, newest first.
func (s *UsageStore) ListEvents(ctx context.Context, userID string, since time.Time, limit int) ([]models.UsageEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, COALESCE(request_id, ''), user_id, model_id,
		       input_tokens, output_tokens, reasoning_tokens, cached_input_tokens,
		       cost::text, pricing_missing, COALESCE(thread_id, ''), occurred_at
		FROM usage_events
		WHERE user_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var out []models.UsageEvent
	for rows.Next() {
		var e models.UsageEvent
		var cost string
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.UserID, &e.ModelID,
			&e.Usage.InputTokens, &e.Usage.OutputTokens, &e.Usage.ReasoningTokens, &e.Usage.CachedInputTokens,
			&cost, &e.PricingMissing, &e.ThreadID, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		if e.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("invalid cost %q on event %s: %w", cost, e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type usageTx struct {
	tx pgx.Tx
}

// InsertUsageEvent writes the event. A request ID that was already
// recorded yields metering.ErrDuplicateEvent.
func (t *usageTx) InsertUsageEvent(ctx context.Context, e *models.UsageEvent) error {
	var id string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO usage_events (
			id, request_id, user_id, model_id,
			input_tokens, output_tokens, reasoning_tokens, cached_input_tokens,
			cost, pricing_missing, thread_id, occurred_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9::numeric, $10, NULLIF($11, ''), $12
		)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id::text
	`,
		e.ID,
		e.RequestID,
		e.UserID,
		e.ModelID,
		e.Usage.InputTokens,
		e.Usage.OutputTokens,
		e.Usage.ReasoningTokens,
		e.Usage.CachedInputTokens,
		e.Cost.String(),
		e.PricingMissing,
		e.ThreadID,
		e.OccurredAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("request %s: %w", e.RequestID, metering.ErrDuplicateEvent)
	}
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// TouchThread marks a thread as updated, creating it on first use.
func (t *usageTx) TouchThread(ctx context.Context, threadID, userID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO threads (id, user_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET updated_at = GREATEST(threads.updated_at, EXCLUDED.updated_at)
	`, threadID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	return nil
}
