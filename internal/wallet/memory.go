package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
)

// MemoryWallet keeps balances in process. Every operation runs under one mutex.
type MemoryWallet struct {
	mu       sync.Mutex
	opts     Options
	balances map[string]metering.Amount
	ledger   map[string][]models.WalletTransaction
	now      func() time.Time
}

// NewMemoryWallet creates an empty in-memory wallet.
func NewMemoryWallet(opts Options) *MemoryWallet {
	return &MemoryWallet{
		opts:     opts,
		balances: make(map[string]metering.Amount),
		ledger:   make(map[string][]models.WalletTransaction),
		now:      time.Now,
	}
}

func (w *MemoryWallet) Balance(ctx context.Context, userID string) (metering.Amount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID], nil
}

func (w *MemoryWallet) Debit(ctx context.Context, userID string, amount metering.Amount, meta models.DebitMetadata) (models.DebitResult, error) {
	if err := checkAmount(amount); err != nil {
		return models.DebitResult{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Users on a plan alone have no wallet until their first overage.
	balance, ok := w.balances[userID]
	if !ok && w.opts.Strict {
		return models.DebitResult{}, fmt.Errorf("user %s: %w", userID, ErrWalletNotFound)
	}

	after := balance.Sub(amount)
	if w.opts.Strict && after.IsNegative() {
		return models.DebitResult{}, ErrInsufficientFunds
	}

	w.balances[userID] = after
	t := w.append(userID, models.WalletDebit, amount, after, meta)
	return models.DebitResult{TransactionID: t.ID, BalanceAfter: after}, nil
}

// Credit adds funds, creating the wallet if needed.
func (w *MemoryWallet) Credit(ctx context.Context, userID string, amount metering.Amount, description string) (metering.Amount, error) {
	if err := checkAmount(amount); err != nil {
		return metering.Zero, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	after := w.balances[userID].Add(amount)
	w.balances[userID] = after
	w.append(userID, models.WalletCredit, amount, after, models.DebitMetadata{Description: description})
	return after, nil
}

// Transactions returns the user's ledger, newest first.
func (w *MemoryWallet) Transactions(ctx context.Context, userID string, limit int) ([]models.WalletTransaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	limit = clampLimit(limit)
	ledger := w.ledger[userID]
	out := make([]models.WalletTransaction, 0, len(ledger))
	for i := len(ledger) - 1; i >= 0; i-- {
		if len(out) == limit {
			break
		}
		out = append(out, ledger[i])
	}
	return out, nil
}

func (w *MemoryWallet) append(userID string, kind models.WalletTransactionKind, amount, after metering.Amount, meta models.DebitMetadata) models.WalletTransaction {
	t := models.WalletTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: after,
		Metadata:     meta,
		CreatedAt:    w.now().UTC(),
	}
	w.ledger[userID] = append(w.ledger[userID], t)
	return t
}
