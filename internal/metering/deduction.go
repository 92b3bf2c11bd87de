package metering

// ComputeDeduction returns how much of requestCost must be charged to the
// wallet, given the period usage after the request was recorded.
//
//	usageBefore = totalAfter - requestCost
//	deduction   = max(0, totalAfter - max(usageBefore, allowance))
//
// The result is always within [0, requestCost]. It equals requestCost once
// the period was already over its allowance before this request, and only the
// part past the allowance when this request crossed it. Unbounded plans never
// deduct.
func ComputeDeduction(totalAfter, requestCost Amount, allowance Allowance) Amount {
	if !allowance.Bounded || !requestCost.IsPositive() {
		return Zero
	}

	usageBefore := totalAfter.Sub(requestCost)
	deduction := totalAfter.Sub(maxAmount(usageBefore, allowance.Amount))
	if deduction.IsNegative() {
		return Zero
	}
	return deduction
}
