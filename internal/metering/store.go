package metering

import (
	"context"
	"time"

	"github.com/crosslogic/metering/pkg/models"
)

// SubscriptionLookup returns the user's current subscription, or nil when the
// user has none. It must be free of side effects so it can be called for both
// admission and settlement of the same request.
type SubscriptionLookup interface {
	GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// UsageAggregator sums recorded cost for a user since a point in time.
type UsageAggregator interface {
	SumCost(ctx context.Context, userID string, since time.Time) (Amount, error)
}

// WalletReader reads a user's prepaid balance.
type WalletReader interface {
	Balance(ctx context.Context, userID string) (Amount, error)
}

// WalletDebiter debits a user's prepaid balance. Implementations serialize
// concurrent debits for the same user.
type WalletDebiter interface {
	Debit(ctx context.Context, userID string, amount Amount, meta models.DebitMetadata) (models.DebitResult, error)
}

// Wallet is the full wallet collaborator.
type Wallet interface {
	WalletReader
	WalletDebiter
}

// UsageTx is the set of writes that commit atomically with a usage event.
type UsageTx interface {
	// InsertUsageEvent persists the event. It returns ErrDuplicateEvent when
	// an event with the same request ID already exists.
	InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error
	// TouchThread marks a conversation thread as updated.
	TouchThread(ctx context.Context, threadID, userID string, at time.Time) error
}

// UsageStore persists usage events and aggregates them.
type UsageStore interface {
	UsageAggregator
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx UsageTx) error) error
}
