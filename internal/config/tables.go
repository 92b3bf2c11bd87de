package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/crosslogic/metering/internal/metering"
	"gopkg.in/yaml.v3"
)

type pricingFile struct {
	Models map[string]modelRates `yaml:"models"`
}

type modelRates struct {
	Input       string `yaml:"input"`
	Output      string `yaml:"output"`
	Reasoning   string `yaml:"reasoning"`
	CachedInput string `yaml:"cached_input"`
}

type allowanceFile struct {
	Allowances []allowanceEntry `yaml:"allowances"`
}

type allowanceEntry struct {
	Product  string `yaml:"product"`
	Interval string `yaml:"interval"`
	Amount   string `yaml:"amount"`
}

// LoadPricingTable reads model rates (USD per 1,000,000 tokens) from a YAML file.
func LoadPricingTable(path string) (metering.PricingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return ParsePricingTable(data)
}

// ParsePricingTable parses pricing YAML. Environment references like ${VAR} are expanded first.
func ParsePricingTable(data []byte) (metering.PricingTable, error) {
	var f pricingFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}

	table := make(metering.PricingTable, len(f.Models))
	for raw, r := range f.Models {
		// Lookups trim the model id, so keys are stored trimmed.
		model := strings.TrimSpace(raw)
		if model == "" {
			return nil, fmt.Errorf("pricing entry with blank model id")
		}
		if _, dup := table[model]; dup {
			return nil, fmt.Errorf("duplicate pricing entry for model %q", model)
		}
		p, err := r.pricing()
		if err != nil {
			return nil, fmt.Errorf("pricing for model %q: %w", model, err)
		}
		table[model] = p
	}
	return table, nil
}

func (r modelRates) pricing() (metering.ModelPricing, error) {
	var p metering.ModelPricing
	var err error
	if p.InputRate, err = parseRate("input", r.Input); err != nil {
		return p, err
	}
	if p.OutputRate, err = parseRate("output", r.Output); err != nil {
		return p, err
	}
	if p.ReasoningRate, err = parseRate("reasoning", r.Reasoning); err != nil {
		return p, err
	}
	if p.CachedInputRate, err = parseRate("cached_input", r.CachedInput); err != nil {
		return p, err
	}
	return p, nil
}

func parseRate(field, value string) (metering.Amount, error) {
	if value == "" {
		return metering.Zero, nil
	}
	a, err := metering.ParseAmount(value)
	if err != nil {
		return metering.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return a, nil
}

// LoadAllowanceTable reads plan allowances from a YAML file. A missing file
// yields an empty table, which disables metering limits.
func LoadAllowanceTable(path string) (metering.AllowanceTable, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return metering.AllowanceTable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allowance file: %w", err)
	}
	return ParseAllowanceTable(data)
}

// ParseAllowanceTable parses allowance YAML.
func ParseAllowanceTable(data []byte) (metering.AllowanceTable, error) {
	var f allowanceFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse allowance file: %w", err)
	}

	table := make(metering.AllowanceTable, len(f.Allowances))
	for i, e := range f.Allowances {
		key := metering.NewPlanKey(e.Product, e.Interval)
		if key.ProductID == "" || key.Interval == "" {
			return nil, fmt.Errorf("allowance %d: product and interval are required", i)
		}
		if _, dup := table[key]; dup {
			return nil, fmt.Errorf("allowance %d: duplicate entry for %s/%s", i, key.ProductID, key.Interval)
		}
		amount, err := metering.ParseAmount(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("allowance %d (%s/%s): %w", i, key.ProductID, key.Interval, err)
		}
		table[key] = amount
	}
	return table, nil
}
