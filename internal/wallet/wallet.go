// Package wallet implements prepaid balances that absorb usage overage.
package wallet

import (
	"errors"

	"github.com/crosslogic/metering/internal/metering"
)

// Transaction listing bounds.
const (
	DefaultTransactionLimit = 50
	MaxTransactionLimit     = 1000
)

var (
	// ErrWalletNotFound is only returned by strict wallets; lenient debits open a wallet at zero.
	ErrWalletNotFound    = errors.New("wallet: not found")
	ErrInvalidAmount     = errors.New("wallet: amount must be positive")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
)

var (
	_ metering.Wallet = (*PostgresWallet)(nil)
	_ metering.Wallet = (*MemoryWallet)(nil)
)

// Options control debit behavior shared by every implementation.
type Options struct {
	// Strict rejects debits that would drive the balance below zero, and
	// debits against users without a wallet. Overage debits are owed
	// regardless, so the engine runs with Strict off.
	Strict bool
}

func checkAmount(amount metering.Amount) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultTransactionLimit
	case limit > MaxTransactionLimit:
		return MaxTransactionLimit
	}
	return limit
}
