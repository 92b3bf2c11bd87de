package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"go.uber.org/zap"
)

const defaultSettleTimeout = 10 * time.Second

// Config wires the engine's collaborators.
type Config struct {
	// Enabled is the metering feature flag. When false every request is
	// admitted without limits, and usage is still recorded.
	Enabled    bool
	Allowances AllowanceTable
	Pricing    PricingTable

	Subscriptions SubscriptionLookup
	Store         UsageStore
	Wallet        Wallet

	// Locker serializes settlement per user. Nil disables serialization.
	Locker Locker
	// Events is optional.
	Events *events.Bus
	Logger *zap.Logger

	// SettleTimeout bounds the recording and reconciliation of one request.
	SettleTimeout time.Duration
	// LockWait bounds how long settlement waits for the per-user lock before
	// continuing unserialized. It defaults to SettleTimeout.
	LockWait time.Duration
}

// Engine is the metering facade: admission before work and settlement after.
type Engine struct {
	validator     *Validator
	recorder      *Recorder
	costs         *CostCalculator
	allowances    AllowanceTable
	subscriptions SubscriptionLookup
	store         UsageStore
	wallet        Wallet
	bus           *events.Bus
	logger        *zap.Logger
}

// NewEngine creates a metering engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Subscriptions == nil {
		return nil, errors.New("metering: subscription lookup is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("metering: usage store is required")
	}
	if cfg.Wallet == nil {
		return nil, errors.New("metering: wallet is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = cfg.SettleTimeout
	}
	if cfg.Allowances == nil {
		cfg.Allowances = AllowanceTable{}
	}

	logger := cfg.Logger.Named("metering")
	costs := NewCostCalculator(cfg.Pricing)

	e := &Engine{
		validator:     NewValidator(cfg.Enabled, cfg.Allowances, cfg.Store, cfg.Wallet, logger),
		costs:         costs,
		allowances:    cfg.Allowances,
		subscriptions: cfg.Subscriptions,
		store:         cfg.Store,
		wallet:        cfg.Wallet,
		bus:           cfg.Events,
		logger:        logger,
	}
	e.recorder = &Recorder{
		enabled:       cfg.Enabled,
		costs:         costs,
		allowances:    cfg.Allowances,
		store:         cfg.Store,
		subscriptions: cfg.Subscriptions,
		wallet:        cfg.Wallet,
		locker:        cfg.Locker,
		bus:           cfg.Events,
		logger:        logger,
		timeout:       cfg.SettleTimeout,
		lockWait:      cfg.LockWait,
		now:           time.Now,
	}

	if !e.validator.LimitsConfigured() {
		logger.Info("metering limits disabled, all requests admitted",
			zap.Bool("enabled", cfg.Enabled),
			zap.Int("allowances", len(cfg.Allowances)),
		)
	}

	return e, nil
}

// Admit decides whether userID may start a metered request. It never fails:
// any internal error results in an allowed, no-limit decision.
func (e *Engine) Admit(ctx context.Context, userID string) (d Decision) {
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			d = e.validator.fold(userID, start, Decision{}, &Fault{Stage: StagePanic, Err: fmt.Errorf("%v", p)})
		}
	}()

	if !e.validator.LimitsConfigured() {
		return e.validator.fold(userID, start, allowNoLimit(), nil)
	}

	sub, err := e.subscriptions.GetActiveSubscription(ctx, userID)
	if err != nil {
		return e.validator.fold(userID, start, Decision{}, &Fault{Stage: StageSubscription, Err: err})
	}

	d, err = e.validator.Evaluate(ctx, userID, sub)
	d = e.validator.fold(userID, start, d, err)

	if !d.Allowed {
		e.logger.Info("admission denied",
			zap.String("user_id", userID),
			zap.String("reason", string(d.Reason)),
			zap.String("allowance", d.Allowance.String()),
		)
		if e.bus != nil {
			payload := map[string]interface{}{
				"reason":    string(d.Reason),
				"allowance": d.Allowance.String(),
			}
			if sub != nil {
				payload["status"] = string(sub.Status)
				payload["product_id"] = sub.ProductID
			}
			e.bus.Publish(ctx, events.NewEvent(events.EventAdmissionDenied, userID, payload))
		}
	}

	return d
}

// Settle records usage for a completed request and debits any overage.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	return e.recorder.Settle(ctx, req)
}

// Cost prices usage without recording it.
func (e *Engine) Cost(modelID string, usage models.TokenUsage) (Amount, error) {
	return e.costs.Cost(modelID, usage)
}

// PeriodSummary describes a user's standing in the current billing period.
type PeriodSummary struct {
	UserID        string                    `json:"user_id"`
	Status        models.SubscriptionStatus `json:"status,omitempty"`
	Subscription  *models.Subscription      `json:"-"`
	PeriodStart   *time.Time                `json:"period_start,omitempty"`
	PeriodUsage   Amount                    `json:"usage"`
	Allowance     *Amount                   `json:"allowance"`
	Remaining     *Amount                   `json:"remaining"`
	WalletBalance Amount                    `json:"wallet_balance"`
}

// PeriodSummary reports period usage, allowance and wallet balance for a
// user. Unlike Admit, errors are returned.
func (e *Engine) PeriodSummary(ctx context.Context, userID string) (*PeriodSummary, error) {
	summary := &PeriodSummary{UserID: userID, PeriodUsage: Zero, WalletBalance: Zero}

	balance, err := e.wallet.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("metering: wallet balance: %w", err)
	}
	summary.WalletBalance = balance

	sub, err := e.subscriptions.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("metering: subscription lookup: %w", err)
	}
	if sub == nil {
		return summary, nil
	}

	summary.Subscription = sub
	summary.Status = sub.Status
	start := sub.CurrentPeriodStart
	summary.PeriodStart = &start

	used, err := e.store.SumCost(ctx, userID, start)
	if err != nil {
		return nil, fmt.Errorf("metering: period usage: %w", err)
	}
	summary.PeriodUsage = used

	allowance := e.allowances.Resolve(sub.ProductID, sub.BillingInterval)
	if allowance.Bounded {
		amount := allowance.Amount
		remaining := maxAmount(amount.Sub(used), Zero)
		summary.Allowance = &amount
		summary.Remaining = &remaining
	}

	return summary, nil
}
