package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// StripeLookup reads subscriptions directly from the Stripe API.
type StripeLookup struct {
	api       *client.API
	customers CustomerResolver
	logger    *zap.Logger
}

// NewStripeLookup creates a lookup against the live Stripe API. Pass nil
// backends to use the library defaults.
func NewStripeLookup(secretKey string, backends *stripe.Backends, customers CustomerResolver, logger *zap.Logger) *StripeLookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeLookup{api: api, customers: customers, logger: logger}
}

// GetActiveSubscription returns the customer's active or trialing
// subscription when one exists, otherwise the most recently created one so
// that an inactive status is still reported. Nil means no subscription.
func (l *StripeLookup) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	customerID, err := l.customers.CustomerID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(20)

	var chosen *stripe.Subscription
	iter := l.api.Subscriptions.List(params)
	for iter.Next() {
		s := iter.Subscription()
		if entitled(s.Status) {
			chosen = s
			break
		}
		if chosen == nil || s.Created > chosen.Created {
			chosen = s
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stripe subscriptions: %w", err)
	}
	if chosen == nil {
		return nil, nil
	}

	sub := toSubscription(userID, chosen)
	if sub.ProductID == "" {
		l.logger.Warn("stripe subscription has no priced item",
			zap.String("user_id", userID),
			zap.String("subscription_id", chosen.ID),
		)
	}
	return sub, nil
}

func entitled(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

func toSubscription(userID string, s *stripe.Subscription) *models.Subscription {
	sub := &models.Subscription{
		UserID:             userID,
		Status:             mapStatus(s.Status),
		CurrentPeriodStart: time.Unix(s.CurrentPeriodStart, 0).UTC(),
	}
	if s.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}

	if s.Items != nil && len(s.Items.Data) > 0 {
		if price := s.Items.Data[0].Price; price != nil {
			if price.Product != nil {
				sub.ProductID = price.Product.ID
			}
			if price.Recurring != nil {
				sub.BillingInterval = string(price.Recurring.Interval)
			}
		}
	}
	return sub
}

func mapStatus(status stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue:
		return models.SubscriptionPastDue
	case stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionUnpaid
	case stripe.SubscriptionStatusCanceled:
		return models.SubscriptionCanceled
	case stripe.SubscriptionStatusIncomplete:
		return models.SubscriptionIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionIncompleteExpired
	case stripe.SubscriptionStatusPaused:
		return models.SubscriptionPaused
	default:
		return models.SubscriptionStatus(status)
	}
}
