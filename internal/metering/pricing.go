package metering

import (
	"fmt"
	"strings"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/shopspring/decimal"
)

// ModelPricing holds USD rates per 1,000,000 tokens for each token category.
type ModelPricing struct {
	InputRate       Amount
	OutputRate      Amount
	ReasoningRate   Amount
	CachedInputRate Amount
}

// PricingTable maps model identifiers to their rates.
type PricingTable map[string]ModelPricing

// CostCalculator prices token usage. It is the only place cost is derived,
// for both recording and aggregation.
type CostCalculator struct {
	table PricingTable
}

// NewCostCalculator creates a calculator over a static pricing table.
func NewCostCalculator(table PricingTable) *CostCalculator {
	if table == nil {
		table = PricingTable{}
	}
	return &CostCalculator{table: table}
}

// Pricing returns the rates for a model.
func (c *CostCalculator) Pricing(modelID string) (ModelPricing, bool) {
	p, ok := c.table[strings.TrimSpace(modelID)]
	return p, ok
}

// Cost calculates the cost of usage for a model:
// sum over categories of count / 1,000,000 * rate.
// It returns ErrPricingNotFound when the model has no pricing entry.
func (c *CostCalculator) Cost(modelID string, usage models.TokenUsage) (Amount, error) {
	if err := validateUsage(usage); err != nil {
		return Zero, err
	}

	p, ok := c.Pricing(modelID)
	if !ok {
		return Zero, fmt.Errorf("%w: %q", ErrPricingNotFound, modelID)
	}

	return tokenCost(usage.InputTokens, p.InputRate).
		Add(tokenCost(usage.OutputTokens, p.OutputRate)).
		Add(tokenCost(usage.ReasoningTokens, p.ReasoningRate)).
		Add(tokenCost(usage.CachedInputTokens, p.CachedInputRate)), nil
}

func tokenCost(count int64, ratePerMillion Amount) Amount {
	if count == 0 {
		return Zero
	}
	// Shift(-6) divides by one million exactly.
	return decimal.NewFromInt(count).Mul(ratePerMillion).Shift(-6)
}

func validateUsage(usage models.TokenUsage) error {
	if usage.InputTokens < 0 || usage.OutputTokens < 0 || usage.ReasoningTokens < 0 || usage.CachedInputTokens < 0 {
		return fmt.Errorf("%w: token counts must not be negative", ErrInvalidUsage)
	}
	return nil
}
