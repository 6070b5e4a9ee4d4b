package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GetAccountBalance returns the current balance for a user (O(1) lookup).
// A known user without a balance row has a zero balance.
func (s *Service) GetAccountBalance(ctx context.Context, userId string) (*models.AccountBalance, error) {
	zap.L().Debug("Getting balance", zap.String("user_id", userId))

	balance := models.AccountBalance{UserId: userId}
	var updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, queryGetAccountBalance, userId).Scan(
		&balance.Balance, &balance.LastTransactionId, &balance.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		if err := s.db.QueryRowContext(ctx, queryUserExists, userId).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
			}
			return nil, fmt.Errorf("failed to check user: %w", err)
		}
		// No balance record means zero balance
		return &balance, nil
	}
	if err != nil {
		zap.L().Error("Failed to get balance", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if updatedAt.Valid {
		balance.UpdatedAt = updatedAt.Time
	}

	return &balance, nil
}

// SumCredits replays the ledger: purchases and refunds minus debits
func (s *Service) SumCredits(ctx context.Context, userId string) (int64, error) {
	var sum int64
	if err := s.db.QueryRowContext(ctx, querySumCredits, userId).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to calculate balance from transactions: %w", err)
	}
	return sum, nil
}

// SetUnlimited switches a user between the unlimited sentinel and a ledger-derived balance.
// Leaving the unlimited plan restores the replayed ledger sum; a negative sum is
// normalised with a refund entry so the ledger and the balance agree again.
func (s *Service) SetUnlimited(ctx context.Context, userId string, unlimited bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	ts := now()

	var currentBalance, version int64
	var lastTransactionId string
	var updatedAt sql.NullTime
	err = tx.QueryRowContext(ctx, queryGetAccountBalance, userId).Scan(&currentBalance, &lastTransactionId, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := userExistsTx(ctx, tx, userId); err != nil {
			return err
		}
		version = 1
		if _, err := tx.ExecContext(ctx, queryInsertAccountBalance, userId, 0, version, ts); err != nil {
			return fmt.Errorf("failed to create account balance: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to get current balance: %w", err)
	}

	isUnlimited := currentBalance == models.UnlimitedBalance
	if isUnlimited == unlimited {
		return tx.Commit()
	}

	planTier := "standard"
	newBalance := models.UnlimitedBalance
	if unlimited {
		planTier = "unlimited"
	} else {
		var sum int64
		if err := tx.QueryRowContext(ctx, querySumCredits, userId).Scan(&sum); err != nil {
			return fmt.Errorf("failed to calculate balance from transactions: %w", err)
		}
		if sum < 0 {
			_, err := tx.ExecContext(ctx, queryInsertCreditTransaction,
				uuid.New().String(), userId, models.TransactionTypeRefund, -sum,
				models.UnlimitedBalance, 0, "", "", "unlimited plan ended: ledger normalised", ts)
			if err != nil {
				return fmt.Errorf("failed to insert normalising transaction: %w", err)
			}
			sum = 0
		}
		newBalance = sum
	}

	result, err := tx.ExecContext(ctx, queryOverwriteAccountBalance, newBalance, ts, userId, version)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("balance update failed - %w", store.ErrConcurrentModification)
	}

	if _, err := tx.ExecContext(ctx, queryUpdateUserPlanTier, planTier, ts, userId); err != nil {
		return fmt.Errorf("failed to update plan tier: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Updated unlimited plan",
		zap.String("user_id", userId),
		zap.Bool("unlimited", unlimited),
		zap.Int64("balance", newBalance))
	return nil
}

// ReconcileUserBalance verifies that current balance matches the sum of all ledger entries
func (s *Service) ReconcileUserBalance(ctx context.Context, userId string) error {
	zap.L().Debug("Reconciling balance", zap.String("user_id", userId))

	current, err := s.GetAccountBalance(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to get current balance: %w", err)
	}

	if current.IsUnlimited() {
		zap.L().Debug("Skipping reconciliation for unlimited account", zap.String("user_id", userId))
		return nil
	}

	calculated, err := s.SumCredits(ctx, userId)
	if err != nil {
		return err
	}

	if current.Balance != calculated {
		zap.L().Error("Balance reconciliation failed",
			zap.String("severity", "high"),
			zap.String("user_id", userId),
			zap.Int64("current_balance", current.Balance),
			zap.Int64("calculated_balance", calculated),
			zap.Int64("difference", current.Balance-calculated))
		return fmt.Errorf("balance mismatch: current=%d, calculated=%d", current.Balance, calculated)
	}

	zap.L().Debug("Balance reconciliation successful",
		zap.String("user_id", userId),
		zap.Int64("balance", current.Balance))
	return nil
}
