// Package subscription provides read-only subscription lookups for metering.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	_ metering.SubscriptionLookup = (*PostgresLookup)(nil)
	_ metering.SubscriptionLookup = (*StripeLookup)(nil)
	_ CustomerResolver            = (*PostgresCustomers)(nil)
)

// PostgresLookup reads subscriptions mirrored into the subscriptions table.
type PostgresLookup struct {
	db     *database.Database
	logger *zap.Logger
}

// NewPostgresLookup creates a table-backed lookup.
func NewPostgresLookup(db *database.Database, logger *zap.Logger) *PostgresLookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLookup{db: db, logger: logger}
}

// GetActiveSubscription returns the user's most recently updated
// subscription, or nil when there is none.
func (l *PostgresLookup) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	var status string
	var periodEnd *time.Time

	err := l.db.Pool.QueryRow(ctx, `
		SELECT user_id, product_id, billing_interval, status, current_period_start, current_period_end
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID).Scan(&sub.UserID, &sub.ProductID, &sub.BillingInterval, &status, &sub.CurrentPeriodStart, &periodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Status = models.SubscriptionStatus(strings.ToLower(status))
	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	return &sub, nil
}

// CustomerResolver maps a user to a billing provider customer. An empty ID
// with a nil error means the user has no customer record.
type CustomerResolver interface {
	CustomerID(ctx context.Context, userID string) (string, error)
}

// PostgresCustomers resolves customers from the stripe_customers table.
type PostgresCustomers struct {
	db *database.Database
}

func NewPostgresCustomers(db *database.Database) *PostgresCustomers {
	return &PostgresCustomers{db: db}
}

func (c *PostgresCustomers) CustomerID(ctx context.Context, userID string) (string, error) {
	var id string
	err := c.db.Pool.QueryRow(ctx, `SELECT customer_id FROM stripe_customers WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve stripe customer: %w", err)
	}
	return id, nil
}
