package metering

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrPricingNotFound = errors.New("metering: pricing not found")
	ErrInvalidUsage    = errors.New("metering: invalid usage")
	// ErrDuplicateEvent is returned by a UsageTx when the request was already recorded.
	ErrDuplicateEvent = errors.New("metering: usage event already recorded")
)

// Stage names where admission or settlement can fail.
const (
	StageSubscription = "subscription"
	StageUsage        = "usage"
	StageWallet       = "wallet"
	StagePricing      = "pricing"
	StageLock         = "lock"
	StagePanic        = "panic"
	StageCanceled     = "canceled"
)

// Fault is an admission evaluation failure. Callers fold every Fault into an
// allow decision.
type Fault struct {
	Stage string
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("metering: admission %s: %v", f.Stage, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// SettlementError is a failure in the post-commit reconciliation step. It is
// logged and counted, never returned to the caller of Settle.
type SettlementError struct {
	Stage string
	Err   error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("metering: settlement %s: %v", e.Stage, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

func faultStage(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Stage
	}
	return "unknown"
}
