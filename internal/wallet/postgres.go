package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PostgresWallet stores balances in the wallets table and every movement in
// wallet_transactions.
type PostgresWallet struct {
	db     *database.Database
	opts   Options
	logger *zap.Logger
}

// NewPostgresWallet creates a Postgres-backed wallet.
func NewPostgresWallet(db *database.Database, opts Options, logger *zap.Logger) *PostgresWallet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresWallet{db: db, opts: opts, logger: logger}
}

// Balance returns the user's balance. A user without a wallet has zero.
func (w *PostgresWallet) Balance(ctx context.Context, userID string) (metering.Amount, error) {
	var balance string
	err := w.db.Pool.QueryRow(ctx, `SELECT balance::text FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return metering.Zero, nil
	}
	if err != nil {
		return metering.Zero, fmt.Errorf("failed to get wallet balance: %w", err)
	}
	return parseNumeric(balance)
}

// Debit subtracts amount from the user's balance. The wallet row is locked
// for the duration of the transaction so concurrent debits serialize.
func (w *PostgresWallet) Debit(ctx context.Context, userID string, amount metering.Amount, meta models.DebitMetadata) (models.DebitResult, error) {
	if err := checkAmount(amount); err != nil {
		return models.DebitResult{}, err
	}

	var result models.DebitResult
	err := w.db.WithTx(ctx, func(tx pgx.Tx) error {
		if !w.opts.Strict {
			// Plan-only users have no wallet row until their first overage.
			if _, err := tx.Exec(ctx, `
				INSERT INTO wallets (user_id, balance, updated_at)
				VALUES ($1, 0, NOW())
				ON CONFLICT (user_id) DO NOTHING
			`, userID); err != nil {
				return fmt.Errorf("failed to open wallet: %w", err)
			}
		}

		var raw string
		err := tx.QueryRow(ctx, `SELECT balance::text FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %s: %w", userID, ErrWalletNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}

		balance, err := parseNumeric(raw)
		if err != nil {
			return err
		}

		after := balance.Sub(amount)
		if w.opts.Strict && after.IsNegative() {
			return ErrInsufficientFunds
		}

		if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2::numeric, updated_at = NOW() WHERE user_id = $1`,
			userID, after.String()); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}

		id, err := insertTransaction(ctx, tx, userID, models.WalletDebit, amount, after, meta.UsageEventID, meta)
		if err != nil {
			return err
		}

		result = models.DebitResult{TransactionID: id, BalanceAfter: after}
		return nil
	})
	if err != nil {
		return models.DebitResult{}, err
	}

	w.logger.Debug("wallet debited",
		zap.String("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("balance_after", result.BalanceAfter.String()),
	)
	return result, nil
}

// Credit adds funds, creating the wallet if needed.
func (w *PostgresWallet) Credit(ctx context.Context, userID string, amount metering.Amount, description string) (metering.Amount, error) {
	if err := checkAmount(amount); err != nil {
		return metering.Zero, err
	}

	var after metering.Amount
	err := w.db.WithTx(ctx, func(tx pgx.Tx) error {
		var raw string
		err := tx.QueryRow(ctx, `
			INSERT INTO wallets (user_id, balance, updated_at)
			VALUES ($1, $2::numeric, NOW())
			ON CONFLICT (user_id) DO UPDATE
				SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()
			RETURNING balance::text
		`, userID, amount.String()).Scan(&raw)
		if err != nil {
			return fmt.Errorf("failed to credit wallet: %w", err)
		}
		if after, err = parseNumeric(raw); err != nil {
			return err
		}

		_, err = insertTransaction(ctx, tx, userID, models.WalletCredit, amount, after, "", models.DebitMetadata{Description: description})
		return err
	})
	if err != nil {
		return metering.Zero, err
	}
	return after, nil
}

// Transactions returns the user's ledger, newest first.
func (w *PostgresWallet) Transactions(ctx context.Context, userID string, limit int) ([]models.WalletTransaction, error) {
	limit = clampLimit(limit)

	rows, err := w.db.Pool.Query(ctx, `
		SELECT id, user_id, kind, amount::text, balance_after::text, metadata, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet transactions: %w", err)
	}
	defer rows.Close()

	var out []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		var amount, after string
		var meta []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &amount, &after, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		if t.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = parseNumeric(after); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("invalid transaction metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID string, kind models.WalletTransactionKind, amount, after metering.Amount, referenceID string, meta models.DebitMetadata) (uuid.UUID, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode transaction metadata: %w", err)
	}

	id := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, user_id, kind, amount, balance_after, reference_id, metadata, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, NULLIF($6, ''), $7, NOW())
	`, id, userID, string(kind), amount.String(), after.String(), referenceID, metaJSON)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert wallet transaction: %w", err)
	}
	return id, nil
}

func parseNumeric(s string) (metering.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return metering.Zero, fmt.Errorf("invalid numeric %q: %w", s, err)
	}
	return d, nil
}
