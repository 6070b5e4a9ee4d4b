/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const usdtPrecision = 6

// RepairReport summarises one crash-recovery pass
type RepairReport struct {
	Settled   int
	Completed int
	Failed    int
}

// PurchaseReconciler converts purchase observations into credits exactly once
type PurchaseReconciler struct {
	store          store.Store
	balances       *BalanceCache
	commissionRate decimal.Decimal
	repairGrace    time.Duration
	retry          retryPolicy
}

func NewPurchaseReconciler(st store.Store, balances *BalanceCache, cfg models.ReconcilerConfig, retry models.RetryConfig) *PurchaseReconciler {
	grace := cfg.RepairGrace
	if grace <= 0 {
		grace = time.Minute
	}
	return &PurchaseReconciler{
		store:          st,
		balances:       balances,
		commissionRate: cfg.CommissionRate(),
		repairGrace:    grace,
		retry:          newRetryPolicy(retry),
	}
}

// Reconcile validates a candidate and grants its package credits once per
// operation tag. Every outcome is reported in the result; nothing panics or
// half-applies.
func (r *PurchaseReconciler) Reconcile(ctx context.Context, candidate models.PurchaseCandidate) models.ReconcileResult {
	candidate.OperationTag = strings.TrimSpace(candidate.OperationTag)
	candidate.TxHash = strings.ToLower(strings.TrimSpace(candidate.TxHash))

	zap.L().Info("Reconciling purchase",
		zap.String("operation_tag", candidate.OperationTag),
		zap.String("tx_hash", candidate.TxHash),
		zap.Uint("log_index", candidate.LogIndex),
		zap.String("buyer", candidate.BuyerAddress),
		zap.Int64("package_id", candidate.PackageId),
		zap.String("usdt_amount", candidate.UsdtAmount.String()),
		zap.String("source", candidate.Source))

	// Validate input
	if candidate.OperationTag == "" {
		return rejected(models.ReconcileInvalidCandidate, "operation tag cannot be empty")
	}
	buyer, err := auth.NormalizeAddress(candidate.BuyerAddress)
	if err != nil {
		return rejected(models.ReconcileInvalidCandidate, "buyer is not a valid wallet address")
	}
	candidate.BuyerAddress = buyer

	// Step 1: the tag must not have been consumed
	existing, err := r.purchaseByTag(ctx, candidate.OperationTag)
	if err != nil {
		return failed("get_purchase_by_tag", err)
	}
	if existing != nil {
		if !existing.Processed && sameCandidate(existing, candidate) {
			zap.L().Warn("Resuming unsettled purchase",
				zap.String("purchase_id", existing.Id),
				zap.String("operation_tag", existing.OperationTag))
			return r.resume(ctx, existing)
		}
		zap.L().Info("Operation tag already consumed",
			zap.String("operation_tag", candidate.OperationTag),
			zap.String("purchase_id", existing.Id))
		return models.ReconcileResult{
			Outcome:    models.ReconcileTagConflict,
			PurchaseId: existing.Id,
			UserId:     existing.UserId,
			Message:    "operation tag already used",
		}
	}

	// A chain transaction may emit several purchases; each log is its own
	// payment, so only the same log under a new tag is a replay.
	if candidate.TxHash != "" {
		byLog, err := r.purchaseByTxLog(ctx, candidate.TxHash, candidate.LogIndex)
		if err != nil {
			return failed("get_purchase_by_tx_log", err)
		}
		if byLog != nil && byLog.OperationTag == candidate.OperationTag {
			// Recorded concurrently under the same tag
			return models.ReconcileResult{
				Outcome:    models.ReconcileTagConflict,
				PurchaseId: byLog.Id,
				UserId:     byLog.UserId,
				Message:    "operation tag already used",
			}
		}
		if byLog != nil {
			zap.L().Info("Transaction log already reconciled under another tag",
				zap.String("tx_hash", candidate.TxHash),
				zap.Uint("log_index", candidate.LogIndex),
				zap.String("purchase_id", byLog.Id))
			return models.ReconcileResult{
				Outcome:    models.ReconcileAlreadyProcessed,
				PurchaseId: byLog.Id,
				UserId:     byLog.UserId,
				Message:    "transaction already processed",
			}
		}
	}

	// Step 2: the package must exist and be on sale
	pkg, err := r.activePackage(ctx, candidate.PackageId)
	if err != nil {
		if errors.Is(err, store.ErrPackageNotFound) {
			return rejected(models.ReconcileInvalidPackage, fmt.Sprintf("package %d is not available", candidate.PackageId))
		}
		return failed("get_package", err)
	}
	if candidate.UsdtAmount.LessThan(pkg.PriceUsdt) {
		return rejected(models.ReconcileAmountMismatch,
			fmt.Sprintf("paid %s USDT, package %d costs %s", candidate.UsdtAmount.String(), pkg.Id, pkg.PriceUsdt.String()))
	}

	var user *models.User
	err = r.retry.do(ctx, "get_or_create_user", func() error {
		var err error
		user, _, err = r.store.GetOrCreateUser(ctx, buyer)
		return err
	})
	if err != nil {
		return failed("get_or_create_user", err)
	}

	commission := candidate.UsdtAmount.Mul(r.commissionRate).Round(usdtPrecision)
	if candidate.CommissionUsdt != nil {
		commission = *candidate.CommissionUsdt
	}

	purchase := &models.Purchase{
		ChainPurchaseId: candidate.ChainPurchaseId,
		BuyerAddress:    buyer,
		UserId:          user.Id,
		PackageId:       pkg.Id,
		UsdtAmount:      candidate.UsdtAmount,
		CommissionUsdt:  commission,
		OperationTag:    candidate.OperationTag,
		TxHash:          candidate.TxHash,
		LogIndex:        candidate.LogIndex,
		Source:          candidate.Source,
	}

	// Step 3 and 4: record, then settle latch + ledger + balance atomically
	err = r.retry.do(ctx, "record_purchase", func() error {
		return r.store.RecordPurchase(ctx, purchase)
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTagConflict):
			return rejected(models.ReconcileTagConflict, "operation tag already used")
		case errors.Is(err, store.ErrDuplicateTransaction):
			return rejected(models.ReconcileAlreadyProcessed, "transaction already processed")
		default:
			return failed("record_purchase", err)
		}
	}

	return r.settle(ctx, purchase, pkg.Credits, fmt.Sprintf("Purchase of %s (%d credits)", pkg.Name, pkg.Credits))
}

func (r *PurchaseReconciler) resume(ctx context.Context, purchase *models.Purchase) models.ReconcileResult {
	pkg, err := r.packageForSettlement(ctx, purchase.PackageId)
	if err != nil {
		if errors.Is(err, store.ErrPackageNotFound) {
			return rejected(models.ReconcileInvalidPackage, fmt.Sprintf("package %d is not available", purchase.PackageId))
		}
		return failed("get_package", err)
	}
	return r.settle(ctx, purchase, pkg.Credits, fmt.Sprintf("Purchase of %s (%d credits)", pkg.Name, pkg.Credits))
}

func (r *PurchaseReconciler) settle(ctx context.Context, purchase *models.Purchase, credits int64, description string) models.ReconcileResult {
	var transaction *models.CreditTransaction
	err := r.balances.withUserLock(purchase.UserId, func() error {
		return r.retry.do(ctx, "settle_purchase", func() error {
			var err error
			transaction, err = r.store.SettlePurchase(ctx, store.SettlePurchaseParams{
				PurchaseId:  purchase.Id,
				Credits:     credits,
				Description: description,
			})
			return err
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrPurchaseAlreadyProcessed) || errors.Is(err, store.ErrDuplicateTransaction) {
			// A concurrent caller settled the same tag first
			return models.ReconcileResult{
				Outcome:    models.ReconcileTagConflict,
				PurchaseId: purchase.Id,
				UserId:     purchase.UserId,
				Message:    "operation tag already used",
			}
		}
		return failed("settle_purchase", err)
	}

	zap.L().Info("Purchase reconciled successfully",
		zap.String("purchase_id", purchase.Id),
		zap.String("operation_tag", purchase.OperationTag),
		zap.String("user_id", purchase.UserId),
		zap.Int64("credits_added", transaction.Amount),
		zap.Int64("new_balance", transaction.BalanceAfter))

	return models.ReconcileResult{
		Outcome:       models.ReconcileSuccess,
		PurchaseId:    purchase.Id,
		UserId:        purchase.UserId,
		CreditsAdded:  transaction.Amount,
		NewBalance:    transaction.BalanceAfter,
		TransactionId: transaction.Id,
	}
}

// RepairPurchases settles purchases left unsettled past the grace period and
// completes processed purchases that lost their ledger entry.
func (r *PurchaseReconciler) RepairPurchases(ctx context.Context) (RepairReport, error) {
	var report RepairReport

	var unsettled []models.Purchase
	err := r.retry.do(ctx, "list_unsettled_purchases", func() error {
		var err error
		unsettled, err = r.store.ListUnsettledPurchases(ctx, time.Now().Add(-r.repairGrace))
		return err
	})
	if err != nil {
		return report, internalError("list_unsettled_purchases", err)
	}

	for i := range unsettled {
		purchase := unsettled[i]
		zap.L().Warn("Settling stale unsettled purchase",
			zap.String("purchase_id", purchase.Id),
			zap.String("operation_tag", purchase.OperationTag),
			zap.Time("created_at", purchase.CreatedAt))

		result := r.resume(ctx, &purchase)
		switch result.Outcome {
		case models.ReconcileSuccess:
			report.Settled++
		case models.ReconcileTagConflict:
			// settled concurrently
		default:
			report.Failed++
		}
	}

	var orphaned []models.Purchase
	err = r.retry.do(ctx, "list_orphaned_purchases", func() error {
		var err error
		orphaned, err = r.store.ListOrphanedPurchases(ctx)
		return err
	})
	if err != nil {
		return report, internalError("list_orphaned_purchases", err)
	}

	for _, purchase := range orphaned {
		zap.L().Error("Processed purchase has no ledger entry",
			zap.String("severity", "high"),
			zap.String("purchase_id", purchase.Id),
			zap.String("operation_tag", purchase.OperationTag),
			zap.String("user_id", purchase.UserId),
			zap.Int64("package_id", purchase.PackageId))

		pkg, err := r.packageForSettlement(ctx, purchase.PackageId)
		if err != nil {
			zap.L().Error("Cannot repair purchase without its package",
				zap.String("severity", "high"),
				zap.String("purchase_id", purchase.Id),
				zap.Error(err))
			report.Failed++
			continue
		}

		var transaction *models.CreditTransaction
		err = r.balances.withUserLock(purchase.UserId, func() error {
			return r.retry.do(ctx, "complete_orphaned_purchase", func() error {
				var err error
				transaction, err = r.store.CompleteOrphanedPurchase(ctx, store.SettlePurchaseParams{
					PurchaseId:  purchase.Id,
					Credits:     pkg.Credits,
					Description: fmt.Sprintf("Purchase of %s (%d credits), recovered", pkg.Name, pkg.Credits),
				})
				return err
			})
		})
		if err != nil {
			zap.L().Error("Failed to complete orphaned purchase",
				zap.String("severity", "high"),
				zap.String("purchase_id", purchase.Id),
				zap.Error(err))
			report.Failed++
			continue
		}

		zap.L().Warn("Orphaned purchase completed",
			zap.String("purchase_id", purchase.Id),
			zap.String("transaction_id", transaction.Id),
			zap.Int64("credits", transaction.Amount))
		report.Completed++
	}

	if report.Settled > 0 || report.Completed > 0 || report.Failed > 0 {
		zap.L().Info("Purchase repair finished",
			zap.Int("settled", report.Settled),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// activePackage returns a package that can be bought now
func (r *PurchaseReconciler) activePackage(ctx context.Context, packageId int64) (*models.CreditPackage, error) {
	pkg, err := r.packageForSettlement(ctx, packageId)
	if err != nil {
		return nil, err
	}
	if !pkg.Active {
		return nil, fmt.Errorf("%w: %d is inactive", store.ErrPackageNotFound, packageId)
	}
	return pkg, nil
}

// packageForSettlement returns a package regardless of its active flag. A
// purchase recorded while the package was on sale still settles.
func (r *PurchaseReconciler) packageForSettlement(ctx context.Context, packageId int64) (*models.CreditPackage, error) {
	var pkg *models.CreditPackage
	err := r.retry.do(ctx, "get_package", func() error {
		var err error
		pkg, err = r.store.GetPackage(ctx, packageId)
		return err
	})
	return pkg, err
}

func (r *PurchaseReconciler) purchaseByTag(ctx context.Context, tag string) (*models.Purchase, error) {
	var purchase *models.Purchase
	err := r.retry.do(ctx, "get_purchase_by_tag", func() error {
		var err error
		purchase, err = r.store.GetPurchaseByTag(ctx, tag)
		return err
	})
	if errors.Is(err, store.ErrPurchaseNotFound) {
		return nil, nil
	}
	return purchase, err
}

func (r *PurchaseReconciler) purchaseByTxLog(ctx context.Context, txHash string, logIndex uint) (*models.Purchase, error) {
	var purchase *models.Purchase
	err := r.retry.do(ctx, "get_purchase_by_tx_log", func() error {
		var err error
		purchase, err = r.store.GetPurchaseByTxLog(ctx, txHash, logIndex)
		return err
	})
	if errors.Is(err, store.ErrPurchaseNotFound) {
		return nil, nil
	}
	return purchase, err
}

func sameCandidate(p *models.Purchase, c models.PurchaseCandidate) bool {
	return p.BuyerAddress == c.BuyerAddress &&
		p.PackageId == c.PackageId &&
		p.TxHash == c.TxHash &&
		p.LogIndex == c.LogIndex
}

func rejected(outcome models.ReconcileOutcome, message string) models.ReconcileResult {
	zap.L().Info("Purchase rejected", zap.String("outcome", string(outcome)), zap.String("reason", message))
	return models.ReconcileResult{Outcome: outcome, Message: message}
}

func failed(op string, err error) models.ReconcileResult {
	_ = internalError(op, err)
	return models.ReconcileResult{Outcome: models.ReconcileError, Message: "internal error"}
}
