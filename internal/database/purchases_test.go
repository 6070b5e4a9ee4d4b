package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/shopspring/decimal"
)

func seedTestPackage(t *testing.T, service *Service) models.CreditPackage {
	t.Helper()

	pkg := models.CreditPackage{Id: 1, Name: "starter", Credits: 100, PriceUsdt: decimal.NewFromInt(10), Active: true}
	if err := service.UpsertPackage(context.Background(), pkg); err != nil {
		t.Fatalf("UpsertPackage failed: %v", err)
	}
	return pkg
}

func newTestPurchase(userId, tag, txHash string) *models.Purchase {
	return &models.Purchase{
		BuyerAddress:   "0x00000000000000000000000000000000000000c1",
		UserId:         userId,
		PackageId:      1,
		UsdtAmount:     decimal.NewFromInt(10),
		CommissionUsdt: decimal.RequireFromString("0.2"),
		OperationTag:   tag,
		TxHash:         txHash,
		Source:         models.SourceSaleContract,
	}
}

func TestRecordAndSettlePurchase(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	seedTestPackage(t, service)
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000c1")

	purchase := newTestPurchase(user.Id, "op-1", "0xhash1")
	if err := service.RecordPurchase(ctx, purchase); err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}

	transaction, err := service.SettlePurchase(ctx, store.SettlePurchaseParams{PurchaseId: purchase.Id, Credits: 100})
	if err != nil {
		t.Fatalf("SettlePurchase failed: %v", err)
	}
	if transaction.Amount != 100 || transaction.BalanceAfter != 100 {
		t.Errorf("Expected +100 to 100, got +%d to %d", transaction.Amount, transaction.BalanceAfter)
	}

	stored, err := service.GetPurchaseByTag(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetPurchaseByTag failed: %v", err)
	}
	if !stored.Processed {
		t.Error("Expected purchase to be processed")
	}
	if stored.CreditTransactionId != transaction.Id {
		t.Errorf("Expected linked transaction %s, got %s", transaction.Id, stored.CreditTransactionId)
	}
	if !stored.CommissionUsdt.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("Expected commission 0.2, got %s", stored.CommissionUsdt.String())
	}

	// The latch is one-way
	_, err = service.SettlePurchase(ctx, store.SettlePurchaseParams{PurchaseId: purchase.Id, Credits: 100})
	if !errors.Is(err, store.ErrPurchaseAlreadyProcessed) {
		t.Fatalf("Expected ErrPurchaseAlreadyProcessed, got %v", err)
	}

	balance, _ := service.GetAccountBalance(ctx, user.Id)
	if balance.Balance != 100 {
		t.Errorf("Expected balance 100, got %d", balance.Balance)
	}
}

func TestRecordPurchase_Duplicates(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	seedTestPackage(t, service)
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000c2")

	if err := service.RecordPurchase(ctx, newTestPurchase(user.Id, "op-1", "0xhash1")); err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}

	err := service.RecordPurchase(ctx, newTestPurchase(user.Id, "op-1", "0xhash2"))
	if !errors.Is(err, store.ErrTagConflict) {
		t.Errorf("Expected ErrTagConflict, got %v", err)
	}

	err = service.RecordPurchase(ctx, newTestPurchase(user.Id, "op-2", "0xhash1"))
	if !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Errorf("Expected ErrDuplicateTransaction, got %v", err)
	}

	// Another log of the same transaction is a separate purchase
	sibling := newTestPurchase(user.Id, "op-3", "0xhash1")
	sibling.LogIndex = 1
	if err := service.RecordPurchase(ctx, sibling); err != nil {
		t.Fatalf("RecordPurchase for sibling log failed: %v", err)
	}
	stored, err := service.GetPurchaseByTxLog(ctx, "0xhash1", 1)
	if err != nil {
		t.Fatalf("GetPurchaseByTxLog failed: %v", err)
	}
	if stored.OperationTag != "op-3" || stored.LogIndex != 1 {
		t.Errorf("Unexpected purchase %+v", stored)
	}

	err = service.RecordPurchase(ctx, newTestPurchase(user.Id, "", "0xhash3"))
	if err == nil {
		t.Error("Expected error for empty operation tag")
	}
}

func TestListUnsettledPurchases(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	seedTestPackage(t, service)
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000c3")

	purchase := newTestPurchase(user.Id, "op-1", "")
	if err := service.RecordPurchase(ctx, purchase); err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}

	pending, err := service.ListUnsettledPurchases(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListUnsettledPurchases failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Id != purchase.Id {
		t.Fatalf("Expected the recorded purchase to be unsettled, got %d", len(pending))
	}

	pending, err = service.ListUnsettledPurchases(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListUnsettledPurchases failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected grace period to hide fresh purchases, got %d", len(pending))
	}
}

func TestCompleteOrphanedPurchase(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	seedTestPackage(t, service)
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000c4")

	purchase := newTestPurchase(user.Id, "op-1", "0xhash1")
	if err := service.RecordPurchase(ctx, purchase); err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}

	// Simulate a crash after the latch flipped but before the ledger append
	if _, err := service.db.Exec("UPDATE purchases SET processed = 1 WHERE id = ?", purchase.Id); err != nil {
		t.Fatalf("Failed to flip latch: %v", err)
	}

	orphans, err := service.ListOrphanedPurchases(ctx)
	if err != nil {
		t.Fatalf("ListOrphanedPurchases failed: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("Expected 1 orphaned purchase, got %d", len(orphans))
	}

	transaction, err := service.CompleteOrphanedPurchase(ctx, store.SettlePurchaseParams{PurchaseId: purchase.Id, Credits: 100})
	if err != nil {
		t.Fatalf("CompleteOrphanedPurchase failed: %v", err)
	}
	if transaction.BalanceAfter != 100 {
		t.Errorf("Expected balance 100, got %d", transaction.BalanceAfter)
	}

	orphans, _ = service.ListOrphanedPurchases(ctx)
	if len(orphans) != 0 {
		t.Errorf("Expected no orphans after repair, got %d", len(orphans))
	}

	// A second repair attempt is refused
	if _, err := service.CompleteOrphanedPurchase(ctx, store.SettlePurchaseParams{PurchaseId: purchase.Id, Credits: 100}); !errors.Is(err, store.ErrPurchaseAlreadyProcessed) {
		t.Errorf("Expected ErrPurchaseAlreadyProcessed, got %v", err)
	}
}

func TestCompleteOrphanedPurchase_LinksExistingEntry(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	seedTestPackage(t, service)
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000c5")

	purchase := newTestPurchase(user.Id, "op-1", "0xhash1")
	if err := service.RecordPurchase(ctx, purchase); err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}
	settled, err := service.SettlePurchase(ctx, store.SettlePurchaseParams{PurchaseId: purchase.Id, Credits: 100})
	if err != nil {
		t.Fatalf("SettlePurchase failed: %v", err)
	}

	// Lose only the link
	if _, err := service.db.Exec("UPDATE purchases SET credit_transaction_id = NULL WHERE id = ?", purchase.Id); err != nil {
		t.Fatalf("Failed to drop link: %v", err)
	}

	repaired, err := service.CompleteOrphanedPurchase(ctx, store.SettlePurchaseParams{PurchaseId: purchase.Id, Credits: 100})
	if err != nil {
		t.Fatalf("CompleteOrphanedPurchase failed: %v", err)
	}
	if repaired.Id != settled.Id {
		t.Errorf("Expected existing entry %s to be linked, got %s", settled.Id, repaired.Id)
	}

	balance, _ := service.GetAccountBalance(ctx, user.Id)
	if balance.Balance != 100 {
		t.Errorf("Expected balance to stay 100, got %d", balance.Balance)
	}
}

func TestListPackages(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	seedTestPackage(t, service)
	if err := service.UpsertPackage(ctx, models.CreditPackage{
		Id: 2, Name: "retired", Credits: 500, PriceUsdt: decimal.NewFromInt(45), Active: false,
	}); err != nil {
		t.Fatalf("UpsertPackage failed: %v", err)
	}

	active, err := service.ListPackages(ctx, true)
	if err != nil {
		t.Fatalf("ListPackages failed: %v", err)
	}
	if len(active) != 1 || active[0].Name != "starter" {
		t.Errorf("Expected only the starter package, got %v", active)
	}

	pkg, err := service.GetPackageByName(ctx, "retired")
	if err != nil {
		t.Fatalf("GetPackageByName failed: %v", err)
	}
	if !pkg.PriceUsdt.Equal(decimal.NewFromInt(45)) {
		t.Errorf("Expected price 45, got %s", pkg.PriceUsdt.String())
	}

	if _, err := service.GetPackage(ctx, 99); !errors.Is(err, store.ErrPackageNotFound) {
		t.Errorf("Expected ErrPackageNotFound, got %v", err)
	}
}
