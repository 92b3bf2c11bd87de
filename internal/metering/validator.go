package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"go.uber.org/zap"
)

// Source names what funds an admitted request.
type Source string

const (
	SourcePlan    Source = "plan"
	SourceWallet  Source = "wallet"
	SourceNoLimit Source = "no-limit"
)

// DenialReason explains a rejected admission.
type DenialReason string

const (
	ReasonInactiveSubscription DenialReason = "inactive_subscription"
	ReasonLimitsExceeded       DenialReason = "limits_exceeded"
)

// Decision is the outcome of admission. It is never persisted.
type Decision struct {
	Allowed bool
	Source  Source
	Reason  DenialReason
	Message string

	// Allowance, PeriodUsage and WalletBalance are populated as far as
	// evaluation got before a decision was reached.
	Allowance     Allowance
	PeriodUsage   Amount
	WalletBalance Amount
}

// Denial is the payload handed to the transport layer for a rejected request.
type Denial struct {
	Reason         DenialReason `json:"reason"`
	ErrorMessage   string       `json:"errorMessage"`
	IncludedAmount *string      `json:"includedAmount"`
}

// Denial returns the denial payload, or nil for an allowed decision.
func (d Decision) Denial() *Denial {
	if d.Allowed {
		return nil
	}
	denial := &Denial{Reason: d.Reason, ErrorMessage: d.Message}
	if d.Allowance.Bounded {
		included := d.Allowance.Amount.StringFixed(2)
		denial.IncludedAmount = &included
	}
	return denial
}

func allowNoLimit() Decision {
	return Decision{Allowed: true, Source: SourceNoLimit}
}

// Validator decides whether a metered request may proceed. It only reads.
type Validator struct {
	enabled    bool
	allowances AllowanceTable
	usage      UsageAggregator
	wallet     WalletReader
	logger     *zap.Logger
}

// NewValidator creates an admission validator. When enabled is false, or the
// allowance table is empty, every request is admitted without limits.
func NewValidator(enabled bool, allowances AllowanceTable, usage UsageAggregator, wallet WalletReader, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		enabled:    enabled,
		allowances: allowances,
		usage:      usage,
		wallet:     wallet,
		logger:     logger,
	}
}

// LimitsConfigured reports whether admission enforces any limit at all.
func (v *Validator) LimitsConfigured() bool {
	return v.enabled && v.allowances.Configured()
}

// Evaluate runs the decision table. The first matching row wins:
//
//	no allowance configured            -> allowed, no-limit
//	no subscription                    -> allowed, no-limit
//	status not active/trialing         -> denied, inactive_subscription
//	plan has no allowance entry        -> allowed, no-limit
//	period usage < allowance           -> allowed, plan
//	wallet balance > 0                 -> allowed, wallet
//	otherwise                          -> denied, limits_exceeded
//
// Lookup failures are returned as *Fault. Use Validate for the fail-open fold.
func (v *Validator) Evaluate(ctx context.Context, userID string, sub *models.Subscription) (Decision, error) {
	if !v.LimitsConfigured() {
		return allowNoLimit(), nil
	}
	if sub == nil {
		return allowNoLimit(), nil
	}

	allowance := v.allowances.Resolve(sub.ProductID, sub.BillingInterval)

	if !sub.Entitled() {
		return Decision{
			Allowed:   false,
			Reason:    ReasonInactiveSubscription,
			Message:   fmt.Sprintf("Subscription is %s; an active subscription is required for metered usage.", sub.Status),
			Allowance: allowance,
		}, nil
	}

	if !allowance.Bounded {
		return allowNoLimit(), nil
	}

	if err := ctx.Err(); err != nil {
		return Decision{}, &Fault{Stage: StageCanceled, Err: err}
	}

	used, err := v.usage.SumCost(ctx, userID, sub.CurrentPeriodStart)
	if err != nil {
		return Decision{}, &Fault{Stage: StageUsage, Err: err}
	}

	if used.LessThan(allowance.Amount) {
		return Decision{
			Allowed:     true,
			Source:      SourcePlan,
			Allowance:   allowance,
			PeriodUsage: used,
		}, nil
	}

	balance, err := v.wallet.Balance(ctx, userID)
	if err != nil {
		return Decision{}, &Fault{Stage: StageWallet, Err: err}
	}

	if balance.IsPositive() {
		return Decision{
			Allowed:       true,
			Source:        SourceWallet,
			Allowance:     allowance,
			PeriodUsage:   used,
			WalletBalance: balance,
		}, nil
	}

	return Decision{
		Allowed: false,
		Reason:  ReasonLimitsExceeded,
		Message: fmt.Sprintf("Usage limit of %s reached and wallet balance is %s. Add funds to your wallet to continue.",
			FormatAmount(allowance.Amount), FormatAmount(balance)),
		Allowance:     allowance,
		PeriodUsage:   used,
		WalletBalance: balance,
	}, nil
}

// Validate evaluates admission and folds any fault into an allowed no-limit
// decision. It never denies because of an internal error.
func (v *Validator) Validate(ctx context.Context, userID string, sub *models.Subscription) Decision {
	start := time.Now()
	d, err := v.Evaluate(ctx, userID, sub)
	return v.fold(userID, start, d, err)
}

func (v *Validator) fold(userID string, start time.Time, d Decision, err error) Decision {
	if err != nil {
		stage := faultStage(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			stage = StageCanceled
			v.logger.Debug("admission abandoned by caller",
				zap.String("user_id", userID),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
		} else {
			v.logger.Warn("admission check failed, allowing request",
				zap.String("user_id", userID),
				zap.String("stage", stage),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
		}
		metrics.AdmissionFaults.WithLabelValues(stage).Inc()
		d = allowNoLimit()
	}

	metrics.RecordAdmission(string(d.Source), string(d.Reason), time.Since(start).Seconds())
	return d
}
