package metering

import "strings"

// Allowance is the monetary usage included in a plan for one billing period.
// An unbounded allowance means no cap is configured, which is not the same as a zero cap.
type Allowance struct {
	Amount  Amount
	Bounded bool
}

// Unbounded returns the "no cap configured" allowance.
func Unbounded() Allowance { return Allowance{} }

// Limit returns a bounded allowance of amount.
func Limit(amount Amount) Allowance { return Allowance{Amount: amount, Bounded: true} }

// String renders the allowance for logs.
func (a Allowance) String() string {
	if !a.Bounded {
		return "unbounded"
	}
	return FormatAmount(a.Amount)
}

// PlanKey identifies a plan price: product plus billing interval.
type PlanKey struct {
	ProductID string
	Interval  string
}

// NewPlanKey normalizes a product and interval into a table key.
func NewPlanKey(productID, interval string) PlanKey {
	return PlanKey{
		ProductID: strings.TrimSpace(productID),
		Interval:  strings.ToLower(strings.TrimSpace(interval)),
	}
}

// AllowanceTable maps plans to their included monetary allowance.
type AllowanceTable map[PlanKey]Amount

// Configured reports whether any allowance exists at all. An empty table
// switches metering limits off globally.
func (t AllowanceTable) Configured() bool {
	return len(t) > 0
}

// Resolve returns the allowance for a plan, or Unbounded when the plan has no entry.
func (t AllowanceTable) Resolve(productID, interval string) Allowance {
	amount, ok := t[NewPlanKey(productID, interval)]
	if !ok {
		return Unbounded()
	}
	return Limit(amount)
}
