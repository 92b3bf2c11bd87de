package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubscriptionStatus mirrors the billing provider's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// Subscription is the read-only view of a user's plan.
type Subscription struct {
	UserID             string             `json:"user_id"`
	ProductID          string             `json:"product_id"`
	BillingInterval    string             `json:"billing_interval"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end,omitempty"`
}

// Entitled reports whether the subscription may consume metered usage.
// Only active and trialing subscriptions qualify.
func (s *Subscription) Entitled() bool {
	if s == nil {
		return false
	}
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}

// TokenUsage holds token counts per pricing category.
type TokenUsage struct {
	InputTokens       int64 `json:"input"`
	OutputTokens      int64 `json:"output"`
	ReasoningTokens   int64 `json:"reasoning"`
	CachedInputTokens int64 `json:"cached_input"`
}

// Total returns the sum of all categories.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens + u.CachedInputTokens
}

// UsageEvent is one completed unit of metered work. It is written once and never updated.
type UsageEvent struct {
	ID             uuid.UUID       `json:"id"`
	RequestID      string          `json:"request_id,omitempty"`
	UserID         string          `json:"user_id"`
	ModelID        string          `json:"model_id"`
	Usage          TokenUsage      `json:"usage"`
	Cost           decimal.Decimal `json:"cost"`
	PricingMissing bool            `json:"pricing_missing"`
	ThreadID       string          `json:"thread_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// WalletTransactionKind classifies wallet ledger entries.
type WalletTransactionKind string

const (
	WalletDebit  WalletTransactionKind = "debit"
	WalletCredit WalletTransactionKind = "credit"
)

// DebitMetadata travels with an overage debit into the wallet ledger.
type DebitMetadata struct {
	RequestID       string `json:"request_id,omitempty"`
	UsageEventID    string `json:"usage_event_id,omitempty"`
	ModelID         string `json:"model_id,omitempty"`
	RequestCost     string `json:"request_cost,omitempty"`
	TotalUsageAfter string `json:"total_usage_after,omitempty"`
	Allowance       string `json:"allowance,omitempty"`
	Description     string `json:"description,omitempty"`
}

// WalletTransaction is an append-only wallet ledger entry.
type WalletTransaction struct {
	ID           uuid.UUID             `json:"id"`
	UserID       string                `json:"user_id"`
	Kind         WalletTransactionKind `json:"kind"`
	Amount       decimal.Decimal       `json:"amount"`
	BalanceAfter decimal.Decimal       `json:"balance_after"`
	Metadata     DebitMetadata         `json:"metadata"`
	CreatedAt    time.Time             `json:"created_at"`
}

// DebitResult is returned by a wallet after a successful debit.
type DebitResult struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}
