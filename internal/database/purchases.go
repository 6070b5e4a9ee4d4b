package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecordPurchase inserts an unsettled purchase. Tag and (tx hash, log index)
// uniqueness are checked inside the write transaction so concurrent duplicates
// serialise. One chain transaction may carry several purchases.
func (s *Service) RecordPurchase(ctx context.Context, purchase *models.Purchase) error {
	if purchase.OperationTag == "" {
		return fmt.Errorf("operation tag cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	existing, err := scanPurchase(tx.QueryRowContext(ctx, queryGetPurchaseByTag, purchase.OperationTag))
	if err == nil {
		return fmt.Errorf("%w: %s (purchase %s)", store.ErrTagConflict, purchase.OperationTag, existing.Id)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check operation tag: %w", err)
	}

	if purchase.TxHash != "" {
		existing, err := scanPurchase(tx.QueryRowContext(ctx, queryGetPurchaseByTxLog, purchase.TxHash, purchase.LogIndex))
		if err == nil {
			return fmt.Errorf("%w: tx_hash %s log %d already recorded (purchase %s)",
				store.ErrDuplicateTransaction, purchase.TxHash, purchase.LogIndex, existing.Id)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check tx hash: %w", err)
		}
	}

	if purchase.Id == "" {
		purchase.Id = uuid.New().String()
	}
	purchase.CreatedAt = now()
	purchase.Processed = false

	_, err = tx.ExecContext(ctx, queryInsertPurchase,
		purchase.Id, purchase.ChainPurchaseId, purchase.BuyerAddress, purchase.UserId, purchase.PackageId,
		purchase.UsdtAmount.String(), purchase.CommissionUsdt.String(),
		purchase.OperationTag, purchase.TxHash, purchase.LogIndex, purchase.Source, purchase.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Purchase recorded",
		zap.String("purchase_id", purchase.Id),
		zap.String("operation_tag", purchase.OperationTag),
		zap.String("tx_hash", purchase.TxHash),
		zap.Uint("log_index", purchase.LogIndex),
		zap.String("buyer", purchase.BuyerAddress),
		zap.Int64("package_id", purchase.PackageId),
		zap.String("source", purchase.Source))
	return nil
}

func (s *Service) GetPurchaseByTag(ctx context.Context, operationTag string) (*models.Purchase, error) {
	purchase, err := scanPurchase(s.db.QueryRowContext(ctx, queryGetPurchaseByTag, operationTag))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: tag %s", store.ErrPurchaseNotFound, operationTag)
		}
		return nil, fmt.Errorf("unable to query purchase: %w", err)
	}
	return purchase, nil
}

func (s *Service) GetPurchaseByTxLog(ctx context.Context, txHash string, logIndex uint) (*models.Purchase, error) {
	purchase, err := scanPurchase(s.db.QueryRowContext(ctx, queryGetPurchaseByTxLog, txHash, logIndex))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: tx_hash %s log %d", store.ErrPurchaseNotFound, txHash, logIndex)
		}
		return nil, fmt.Errorf("unable to query purchase: %w", err)
	}
	return purchase, nil
}

// SettlePurchase flips the processed latch, appends the purchase ledger entry,
// updates the balance and links the entry to the purchase in one transaction.
func (s *Service) SettlePurchase(ctx context.Context, params store.SettlePurchaseParams) (*models.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	purchase, err := getPurchaseTx(ctx, tx, params.PurchaseId)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, queryMarkPurchaseProcessed, now(), purchase.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark purchase processed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrPurchaseAlreadyProcessed, purchase.Id)
	}

	transaction, err := s.creditPurchaseTx(ctx, tx, purchase, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Purchase settled",
		zap.String("purchase_id", purchase.Id),
		zap.String("operation_tag", purchase.OperationTag),
		zap.String("transaction_id", transaction.Id),
		zap.String("user_id", purchase.UserId),
		zap.Int64("credits", transaction.Amount),
		zap.Int64("new_balance", transaction.BalanceAfter))
	return transaction, nil
}

// CompleteOrphanedPurchase repairs a purchase whose latch is set but which has
// no linked ledger entry. An existing purchase entry for the same tag is linked
// instead of appending a second one.
func (s *Service) CompleteOrphanedPurchase(ctx context.Context, params store.SettlePurchaseParams) (*models.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	purchase, err := getPurchaseTx(ctx, tx, params.PurchaseId)
	if err != nil {
		return nil, err
	}
	if !purchase.Processed || purchase.CreditTransactionId != "" {
		return nil, fmt.Errorf("%w: %s is not orphaned", store.ErrPurchaseAlreadyProcessed, purchase.Id)
	}

	var transaction *models.CreditTransaction
	var existingTxId string
	err = tx.QueryRowContext(ctx, queryCheckDuplicateTransaction, purchase.OperationTag, models.TransactionTypePurchase).Scan(&existingTxId)
	switch {
	case err == nil:
		transaction, err = getCreditTransactionTx(ctx, tx, existingTxId)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, queryLinkPurchaseTransaction, transaction.Id, purchase.Id); err != nil {
			return nil, fmt.Errorf("failed to link purchase transaction: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		transaction, err = s.creditPurchaseTx(ctx, tx, purchase, params)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to check for existing purchase entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return transaction, nil
}

func (s *Service) creditPurchaseTx(ctx context.Context, tx *sql.Tx, purchase *models.Purchase, params store.SettlePurchaseParams) (*models.CreditTransaction, error) {
	transaction, err := s.subledger.ProcessTransaction(ctx, tx, store.CreditTransactionParams{
		UserId:       purchase.UserId,
		Type:         models.TransactionTypePurchase,
		Amount:       params.Credits,
		TxHash:       purchase.TxHash,
		OperationTag: purchase.OperationTag,
		Description:  params.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append purchase entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, queryLinkPurchaseTransaction, transaction.Id, purchase.Id); err != nil {
		return nil, fmt.Errorf("failed to link purchase transaction: %w", err)
	}
	return transaction, nil
}

// ListUnsettledPurchases returns purchases recorded before createdBefore whose latch is still open
func (s *Service) ListUnsettledPurchases(ctx context.Context, createdBefore time.Time) ([]models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, queryListUnsettledPurchases, createdBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("unable to list unsettled purchases: %w", err)
	}
	return collectPurchases(rows)
}

// ListOrphanedPurchases returns processed purchases with no linked ledger entry
func (s *Service) ListOrphanedPurchases(ctx context.Context) ([]models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, queryListOrphanedPurchases)
	if err != nil {
		return nil, fmt.Errorf("unable to list orphaned purchases: %w", err)
	}
	return collectPurchases(rows)
}

func getPurchaseTx(ctx context.Context, tx *sql.Tx, purchaseId string) (*models.Purchase, error) {
	purchase, err := scanPurchase(tx.QueryRowContext(ctx, queryGetPurchaseById, purchaseId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrPurchaseNotFound, purchaseId)
		}
		return nil, fmt.Errorf("unable to query purchase: %w", err)
	}
	return purchase, nil
}

func collectPurchases(rows *sql.Rows) ([]models.Purchase, error) {
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	purchases := []models.Purchase{}
	for rows.Next() {
		purchase, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan purchase row: %w", err)
		}
		purchases = append(purchases, *purchase)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchase rows: %w", err)
	}
	return purchases, nil
}

func scanPurchase(row rowScanner) (*models.Purchase, error) {
	var purchase models.Purchase
	var usdtStr, commissionStr string
	var processedAt sql.NullTime
	err := row.Scan(&purchase.Id, &purchase.ChainPurchaseId, &purchase.BuyerAddress, &purchase.UserId,
		&purchase.PackageId, &usdtStr, &commissionStr, &purchase.OperationTag, &purchase.TxHash,
		&purchase.LogIndex, &purchase.Source, &purchase.Processed, &purchase.CreditTransactionId,
		&purchase.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	purchase.UsdtAmount, err = decimal.NewFromString(usdtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse usdt amount '%s': %w", usdtStr, err)
	}
	purchase.CommissionUsdt, err = decimal.NewFromString(commissionStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse commission '%s': %w", commissionStr, err)
	}
	purchase.ProcessedAt = nullTimePtr(processedAt)
	return &purchase, nil
}
