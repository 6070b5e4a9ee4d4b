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

type rowScanner interface {
	Scan(dest ...any) error
}

// ApplyCreditTransaction atomically updates the balance and records the ledger entry
func (s *Service) ApplyCreditTransaction(ctx context.Context, params store.CreditTransactionParams) (*models.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	transaction, err := s.subledger.ProcessTransaction(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Credit transaction processed successfully",
		zap.String("transaction_id", transaction.Id),
		zap.String("user_id", transaction.UserId),
		zap.String("type", transaction.Type),
		zap.Int64("amount", transaction.Amount),
		zap.Int64("old_balance", transaction.BalanceBefore),
		zap.Int64("new_balance", transaction.BalanceAfter))

	return transaction, nil
}

// ProcessTransaction applies one credit mutation inside the caller's transaction.
// The balance row is created on first use. Debits that would take a limited
// balance below zero fail with *store.InsufficientCreditsError and change nothing.
func (s *SubledgerService) ProcessTransaction(ctx context.Context, tx *sql.Tx, params store.CreditTransactionParams) (*models.CreditTransaction, error) {
	zap.L().Debug("Processing credit transaction",
		zap.String("user_id", params.UserId),
		zap.String("type", params.Type),
		zap.Int64("amount", params.Amount),
		zap.String("operation_tag", params.OperationTag))

	if params.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", params.Amount)
	}
	switch params.Type {
	case models.TransactionTypePurchase, models.TransactionTypeDebit, models.TransactionTypeRefund:
	default:
		return nil, fmt.Errorf("unknown transaction type %q", params.Type)
	}

	// Check for duplicate operation tag per type
	if params.OperationTag != "" {
		var existingTxId string
		err := tx.QueryRowContext(ctx, queryCheckDuplicateTransaction, params.OperationTag, params.Type).Scan(&existingTxId)
		if err == nil {
			zap.L().Warn("Duplicate operation tag detected, skipping",
				zap.String("operation_tag", params.OperationTag),
				zap.String("existing_transaction_id", existingTxId))
			return nil, fmt.Errorf("%w: operation_tag %s already recorded as %s", store.ErrDuplicateTransaction, params.OperationTag, params.Type)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check for duplicate transaction: %w", err)
		}
	}

	ts := now()

	var currentBalance, version int64
	var lastTransactionId string
	var updatedAt sql.NullTime
	err := tx.QueryRowContext(ctx, queryGetAccountBalance, params.UserId).Scan(&currentBalance, &lastTransactionId, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := userExistsTx(ctx, tx, params.UserId); err != nil {
			return nil, err
		}
		currentBalance = 0
		version = 1
		if _, err := tx.ExecContext(ctx, queryInsertAccountBalance, params.UserId, 0, version, ts); err != nil {
			return nil, fmt.Errorf("failed to create account balance: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to get current balance: %w", err)
	}

	newBalance, err := nextBalance(currentBalance, params.Type, params.Amount)
	if err != nil {
		return nil, err
	}

	transaction := &models.CreditTransaction{
		Id:            uuid.New().String(),
		UserId:        params.UserId,
		Type:          params.Type,
		Amount:        params.Amount,
		BalanceBefore: currentBalance,
		BalanceAfter:  newBalance,
		TxHash:        params.TxHash,
		OperationTag:  params.OperationTag,
		Description:   params.Description,
		CreatedAt:     ts,
	}

	_, err = tx.ExecContext(ctx, queryInsertCreditTransaction,
		transaction.Id, transaction.UserId, transaction.Type, transaction.Amount,
		transaction.BalanceBefore, transaction.BalanceAfter,
		transaction.TxHash, transaction.OperationTag, transaction.Description, transaction.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert credit transaction: %w", err)
	}

	// Update account balance (with optimistic locking)
	result, err := tx.ExecContext(ctx, queryUpdateAccountBalance, newBalance, transaction.Id, ts, params.UserId, version)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("balance update failed - %w", store.ErrConcurrentModification)
	}

	if err := s.addJournalEntries(ctx, tx, transaction); err != nil {
		return nil, fmt.Errorf("failed to add journal entries: %w", err)
	}

	return transaction, nil
}

// nextBalance computes the balance after applying a credit mutation
func nextBalance(current int64, txType string, amount int64) (int64, error) {
	if current == models.UnlimitedBalance {
		return models.UnlimitedBalance, nil
	}
	if txType == models.TransactionTypeDebit {
		if current < amount {
			return current, &store.InsufficientCreditsError{Required: amount, Available: current}
		}
		return current - amount, nil
	}
	return current + amount, nil
}

// addJournalEntries creates double-entry bookkeeping entries
func (s *SubledgerService) addJournalEntries(ctx context.Context, tx *sql.Tx, transaction *models.CreditTransaction) error {
	// Purchases and refunds grow what the platform owes the user in service;
	// debits consume it and become revenue.
	type journalEntry struct {
		accountType  string
		accountId    string
		debitAmount  int64
		creditAmount int64
	}

	userAccount := "user_credits_" + transaction.UserId
	var entries []journalEntry

	switch transaction.Type {
	case models.TransactionTypePurchase:
		entries = []journalEntry{
			{"user_credits", userAccount, transaction.Amount, 0},
			{"system_liability", "credits_sold", 0, transaction.Amount},
		}
	case models.TransactionTypeRefund:
		entries = []journalEntry{
			{"user_credits", userAccount, transaction.Amount, 0},
			{"system_revenue", "credits_consumed", 0, transaction.Amount},
		}
	case models.TransactionTypeDebit:
		entries = []journalEntry{
			{"user_credits", userAccount, 0, transaction.Amount},
			{"system_revenue", "credits_consumed", transaction.Amount, 0},
		}
	}

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, queryInsertJournalEntry,
			uuid.New().String(), transaction.Id, entry.accountType, entry.accountId,
			entry.debitAmount, entry.creditAmount, transaction.CreatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetCreditHistory returns paginated ledger entries for a user, newest first
func (s *Service) GetCreditHistory(ctx context.Context, userId string, limit, offset int) ([]models.CreditTransaction, error) {
	zap.L().Debug("Getting credit history",
		zap.String("user_id", userId),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryGetCreditHistory, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit history: %w", err)
	}
	return collectCreditTransactions(rows)
}

// CountCreditTransactions returns the number of ledger entries for a user
func (s *Service) CountCreditTransactions(ctx context.Context, userId string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, queryCountCreditTransactions, userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count credit transactions: %w", err)
	}
	return count, nil
}

// GetUnmirroredTransactions returns ledger entries not yet exported, oldest first
func (s *Service) GetUnmirroredTransactions(ctx context.Context, limit int) ([]models.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, queryGetUnmirroredTransactions, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unmirrored transactions: %w", err)
	}
	return collectCreditTransactions(rows)
}

// MarkTransactionMirrored records that a ledger entry was exported
func (s *Service) MarkTransactionMirrored(ctx context.Context, transactionId string) error {
	if _, err := s.db.ExecContext(ctx, queryMarkTransactionMirrored, now(), transactionId); err != nil {
		return fmt.Errorf("failed to mark transaction mirrored: %w", err)
	}
	return nil
}

func getCreditTransactionTx(ctx context.Context, tx *sql.Tx, transactionId string) (*models.CreditTransaction, error) {
	transaction, err := scanCreditTransaction(tx.QueryRowContext(ctx, queryGetCreditTransactionById, transactionId))
	if err != nil {
		return nil, fmt.Errorf("failed to get credit transaction: %w", err)
	}
	return transaction, nil
}

func collectCreditTransactions(rows *sql.Rows) ([]models.CreditTransaction, error) {
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	transactions := []models.CreditTransaction{}
	for rows.Next() {
		transaction, err := scanCreditTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		transactions = append(transactions, *transaction)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during credit transaction row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating credit transaction rows: %w", err)
	}

	return transactions, nil
}

func scanCreditTransaction(row rowScanner) (*models.CreditTransaction, error) {
	var transaction models.CreditTransaction
	var mirroredAt sql.NullTime
	err := row.Scan(&transaction.Id, &transaction.UserId, &transaction.Type, &transaction.Amount,
		&transaction.BalanceBefore, &transaction.BalanceAfter,
		&transaction.TxHash, &transaction.OperationTag, &transaction.Description,
		&transaction.CreatedAt, &mirroredAt)
	if err != nil {
		return nil, err
	}
	transaction.MirroredAt = nullTimePtr(mirroredAt)
	return &transaction, nil
}
