package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWalletDebitAndCredit(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWallet(Options{})

	balance, err := w.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "unknown wallet reads as zero")

	after, err := w.Credit(ctx, "user-1", decimal.RequireFromString("2.00"), "top up")
	require.NoError(t, err)
	assert.Equal(t, "2", after.String())

	res, err := w.Debit(ctx, "user-1", decimal.RequireFromString("0.75"), models.DebitMetadata{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "1.25", res.BalanceAfter.String())

	txs, err := w.Transactions(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.WalletDebit, txs[0].Kind)
	assert.Equal(t, "req-1", txs[0].Metadata.RequestID)
	assert.Equal(t, res.TransactionID, txs[0].ID)
	assert.Equal(t, models.WalletCredit, txs[1].Kind)
}

func TestMemoryWalletOverdraft(t *testing.T) {
	ctx := context.Background()

	lenient := NewMemoryWallet(Options{})
	_, err := lenient.Credit(ctx, "user-1", decimal.NewFromInt(1), "")
	require.NoError(t, err)
	res, err := lenient.Debit(ctx, "user-1", decimal.RequireFromString("1.50"), models.DebitMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "-0.5", res.BalanceAfter.String(), "overage is owed even past zero")

	strict := NewMemoryWallet(Options{Strict: true})
	_, err = strict.Credit(ctx, "user-1", decimal.NewFromInt(1), "")
	require.NoError(t, err)
	_, err = strict.Debit(ctx, "user-1", decimal.RequireFromString("1.50"), models.DebitMetadata{})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := strict.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1", balance.String())
}

func TestMemoryWalletRejectsNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWallet(Options{})

	_, err := w.Credit(ctx, "user-1", decimal.Zero, "")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = w.Debit(ctx, "user-1", decimal.NewFromInt(-1), models.DebitMetadata{})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMemoryWalletConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWallet(Options{})
	_, err := w.Credit(ctx, "user-1", decimal.NewFromInt(100), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Debit(ctx, "user-1", decimal.RequireFromString("0.10"), models.DebitMetadata{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := w.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(95).Equal(balance), "got %s", balance)

	txs, err := w.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 10)
}

func TestMemoryWalletOpensOnFirstDebit(t *testing.T) {
	ctx := context.Background()

	w := NewMemoryWallet(Options{})
	res, err := w.Debit(ctx, "plan-only", decimal.RequireFromString("1.00"), models.DebitMetadata{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "-1", res.BalanceAfter.String())

	txs, err := w.Transactions(ctx, "plan-only", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.WalletDebit, txs[0].Kind)

	strict := NewMemoryWallet(Options{Strict: true})
	_, err = strict.Debit(ctx, "plan-only", decimal.RequireFromString("1.00"), models.DebitMetadata{})
	require.ErrorIs(t, err, ErrWalletNotFound)
}

func TestTransactionLimitIsBounded(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWallet(Options{})
	for i := 0; i < MaxTransactionLimit+5; i++ {
		_, err := w.Credit(ctx, "user-1", decimal.RequireFromString("0.01"), "")
		require.NoError(t, err)
	}

	txs, err := w.Transactions(ctx, "user-1", 1_000_000)
	require.NoError(t, err)
	assert.Len(t, txs, MaxTransactionLimit)

	txs, err = w.Transactions(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, DefaultTransactionLimit)
}
