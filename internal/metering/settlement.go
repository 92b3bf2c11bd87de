package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SettleRequest describes one completed unit of metered work.
type SettleRequest struct {
	// RequestID makes settlement idempotent. Empty disables deduplication.
	RequestID string
	UserID    string
	ModelID   string
	Usage     models.TokenUsage
	// ThreadID, when set, is marked updated in the same transaction as the usage event.
	ThreadID   string
	OccurredAt time.Time
}

// SettlementResult reports what settlement did. Err carries a swallowed
// reconciliation failure for observability only.
type SettlementResult struct {
	Event     *models.UsageEvent
	Duplicate bool
	Deduction Amount
	Debit     *models.DebitResult
	Err       error
}

// Recorder persists usage and settles overage against the wallet.
type Recorder struct {
	enabled       bool
	costs         *CostCalculator
	allowances    AllowanceTable
	store         UsageStore
	subscriptions SubscriptionLookup
	wallet        WalletDebiter
	locker        Locker
	bus           *events.Bus
	logger        *zap.Logger
	timeout       time.Duration
	lockWait      time.Duration
	now           func() time.Time
}

// Settle records the usage event and debits the wallet for any overage.
//
// The usage event and thread update commit in one transaction. Only after the
// commit is period usage recomputed, so the aggregate includes this request's
// own cost. The overage step is best effort: its failures are logged and
// reported in the result, never returned. Settle runs on a context detached
// from the caller so a disconnecting client cannot cancel a debit it owes.
//
// An error is returned only for invalid input or when the usage event could
// not be persisted.
func (r *Recorder) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidUsage)
	}
	if strings.TrimSpace(req.ModelID) == "" {
		return nil, fmt.Errorf("%w: model id is required", ErrInvalidUsage)
	}
	if err := validateUsage(req.Usage); err != nil {
		return nil, err
	}

	detached := context.WithoutCancel(ctx)

	// The settle deadline starts once the lock is resolved, so a long wait
	// cannot leave the transaction without time to record the event.
	if r.locker != nil {
		lockCtx, lockCancel := context.WithTimeout(detached, r.lockWait)
		unlock, err := r.locker.Lock(lockCtx, req.UserID)
		lockCancel()
		if err != nil {
			// Continue unserialized; the deduction may be attributed approximately.
			r.logFailure(req.UserID, req.ModelID, req.RequestID, &SettlementError{Stage: StageLock, Err: err})
		} else {
			defer unlock()
		}
	}

	ctx, cancel := context.WithTimeout(detached, r.timeout)
	defer cancel()

	event := r.newEvent(ctx, req)

	err := r.store.WithTx(ctx, func(tx UsageTx) error {
		if err := tx.InsertUsageEvent(ctx, event); err != nil {
			return err
		}
		if req.ThreadID != "" {
			if err := tx.TouchThread(ctx, req.ThreadID, req.UserID, event.OccurredAt); err != nil {
				return fmt.Errorf("touch thread: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		r.logger.Info("usage already settled",
			zap.String("user_id", req.UserID),
			zap.String("request_id", req.RequestID),
		)
		return &SettlementResult{Event: event, Duplicate: true, Deduction: Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metering: record usage: %w", err)
	}

	metrics.UsageCostTotal.WithLabelValues(event.ModelID).Add(event.Cost.InexactFloat64())
	r.publish(ctx, events.EventUsageRecorded, event.UserID, map[string]interface{}{
		"usage_event_id": event.ID.String(),
		"request_id":     event.RequestID,
		"model":          event.ModelID,
		"cost":           event.Cost.String(),
		"total_tokens":   event.Usage.Total(),
	})

	result := &SettlementResult{Event: event, Deduction: Zero}
	r.reconcile(ctx, event, result)
	return result, nil
}

func (r *Recorder) newEvent(ctx context.Context, req SettleRequest) *models.UsageEvent {
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = r.now()
	}

	event := &models.UsageEvent{
		ID:         uuid.New(),
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		ModelID:    strings.TrimSpace(req.ModelID),
		Usage:      req.Usage,
		Cost:       Zero,
		ThreadID:   req.ThreadID,
		OccurredAt: occurredAt.UTC(),
	}

	cost, err := r.costs.Cost(event.ModelID, req.Usage)
	switch {
	case err == nil:
		// Round here so the aggregate reads back exactly what was charged.
		event.Cost = cost.Round(StoredScale)
	case errors.Is(err, ErrPricingNotFound):
		event.PricingMissing = true
		metrics.PricingMissing.WithLabelValues(event.ModelID).Inc()
		r.logger.Warn("no pricing for model, recording usage at zero cost",
			zap.String("user_id", req.UserID),
			zap.String("model", event.ModelID),
			zap.String("request_id", req.RequestID),
			zap.Int64("total_tokens", req.Usage.Total()),
		)
		r.publish(ctx, events.EventPricingMissing, req.UserID, map[string]interface{}{
			"model":        event.ModelID,
			"request_id":   req.RequestID,
			"total_tokens": req.Usage.Total(),
		})
	default:
		// validateUsage already ran; any other error is a programming fault.
		r.logger.Error("failed to price usage", zap.Error(err))
	}

	return event
}

func (r *Recorder) reconcile(ctx context.Context, event *models.UsageEvent, result *SettlementResult) {
	defer func() {
		if p := recover(); p != nil {
			result.Err = &SettlementError{Stage: StagePanic, Err: fmt.Errorf("%v", p)}
			r.logFailure(event.UserID, event.ModelID, event.RequestID, result.Err)
		}
	}()

	deduction, debit, err := r.deduct(ctx, event)
	result.Deduction = deduction
	result.Debit = debit
	if err != nil {
		result.Err = err
		r.logFailure(event.UserID, event.ModelID, event.RequestID, err)
	}
}

func (r *Recorder) deduct(ctx context.Context, event *models.UsageEvent) (Amount, *models.DebitResult, error) {
	if !r.enabled || !r.allowances.Configured() || !event.Cost.IsPositive() {
		return Zero, nil, nil
	}

	sub, err := r.subscriptions.GetActiveSubscription(ctx, event.UserID)
	if err != nil {
		return Zero, nil, &SettlementError{Stage: StageSubscription, Err: err}
	}
	if !sub.Entitled() {
		return Zero, nil, nil
	}

	allowance := r.allowances.Resolve(sub.ProductID, sub.BillingInterval)
	if !allowance.Bounded {
		return Zero, nil, nil
	}
	if event.OccurredAt.Before(sub.CurrentPeriodStart) {
		// Belongs to a closed period; the current aggregate does not include it.
		return Zero, nil, nil
	}

	totalAfter, err := r.store.SumCost(ctx, event.UserID, sub.CurrentPeriodStart)
	if err != nil {
		return Zero, nil, &SettlementError{Stage: StageUsage, Err: err}
	}

	deduction := ComputeDeduction(totalAfter, event.Cost, allowance)
	if !deduction.IsPositive() {
		return Zero, nil, nil
	}

	meta := models.DebitMetadata{
		RequestID:       event.RequestID,
		UsageEventID:    event.ID.String(),
		ModelID:         event.ModelID,
		RequestCost:     event.Cost.String(),
		TotalUsageAfter: totalAfter.String(),
		Allowance:       allowance.Amount.String(),
		Description:     fmt.Sprintf("Usage overage for %s", event.ModelID),
	}

	res, err := r.wallet.Debit(ctx, event.UserID, deduction, meta)
	if err != nil {
		return deduction, nil, &SettlementError{Stage: StageWallet, Err: err}
	}

	metrics.RecordDebit(deduction.InexactFloat64())
	r.logger.Info("debited wallet for overage",
		zap.String("user_id", event.UserID),
		zap.String("request_id", event.RequestID),
		zap.String("deduction", deduction.String()),
		zap.String("balance_after", res.BalanceAfter.String()),
	)
	r.publish(ctx, events.EventWalletDebited, event.UserID, map[string]interface{}{
		"usage_event_id": event.ID.String(),
		"amount":         deduction.String(),
		"balance_after":  res.BalanceAfter.String(),
	})

	return deduction, &res, nil
}

func (r *Recorder) logFailure(userID, modelID, requestID string, err error) {
	stage := "unknown"
	var se *SettlementError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	metrics.SettlementFailures.WithLabelValues(stage).Inc()
	r.logger.Error("settlement step failed",
		zap.String("user_id", userID),
		zap.String("model", modelID),
		zap.String("request_id", requestID),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

func (r *Recorder) publish(ctx context.Context, eventType events.EventType, userID string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, events.NewEvent(eventType, userID, payload))
}
