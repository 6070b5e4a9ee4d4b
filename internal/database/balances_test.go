package database

import (
	"context"
	"errors"
	"testing"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"
)

func TestGetAccountBalance_NoBalance(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000b1")

	balance, err := service.GetAccountBalance(ctx, user.Id)
	if err != nil {
		t.Fatalf("GetAccountBalance failed: %v", err)
	}

	if balance.Balance != 0 {
		t.Errorf("Expected balance 0, got %d", balance.Balance)
	}
}

func TestGetAccountBalance_UnknownUser(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	_, err := service.GetAccountBalance(context.Background(), "missing")
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestSetUnlimited(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000b2")

	if _, err := service.ApplyCreditTransaction(ctx, store.CreditTransactionParams{
		UserId: user.Id, Type: models.TransactionTypePurchase, Amount: 2, OperationTag: "op-1",
	}); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	if err := service.SetUnlimited(ctx, user.Id, true); err != nil {
		t.Fatalf("SetUnlimited failed: %v", err)
	}

	// Debits beyond the purchased amount succeed and keep the sentinel
	for i := 0; i < 3; i++ {
		result, err := service.ApplyCreditTransaction(ctx, store.CreditTransactionParams{
			UserId: user.Id, Type: models.TransactionTypeDebit, Amount: 3,
		})
		if err != nil {
			t.Fatalf("Unlimited debit %d failed: %v", i, err)
		}
		if result.BalanceAfter != models.UnlimitedBalance {
			t.Errorf("Expected balance after -1, got %d", result.BalanceAfter)
		}
	}

	reloaded, err := service.GetUserById(ctx, user.Id)
	if err != nil {
		t.Fatalf("GetUserById failed: %v", err)
	}
	if reloaded.PlanTier != "unlimited" {
		t.Errorf("Expected plan tier unlimited, got %s", reloaded.PlanTier)
	}

	// Leaving the plan normalises the ledger: 2 - 9 = -7, refunded to 0
	if err := service.SetUnlimited(ctx, user.Id, false); err != nil {
		t.Fatalf("SetUnlimited(false) failed: %v", err)
	}
	balance, err := service.GetAccountBalance(ctx, user.Id)
	if err != nil {
		t.Fatalf("GetAccountBalance failed: %v", err)
	}
	if balance.Balance != 0 {
		t.Errorf("Expected balance 0 after leaving unlimited, got %d", balance.Balance)
	}
	if err := service.ReconcileUserBalance(ctx, user.Id); err != nil {
		t.Errorf("Expected ledger to reconcile, got %v", err)
	}
}

func TestReconcileUserBalance_Mismatch(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000b3")

	if _, err := service.ApplyCreditTransaction(ctx, store.CreditTransactionParams{
		UserId: user.Id, Type: models.TransactionTypePurchase, Amount: 50, OperationTag: "op-1",
	}); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if err := service.ReconcileUserBalance(ctx, user.Id); err != nil {
		t.Fatalf("Expected reconciliation to pass, got %v", err)
	}

	if _, err := service.db.Exec("UPDATE account_balances SET balance = 49 WHERE user_id = ?", user.Id); err != nil {
		t.Fatalf("Failed to corrupt balance: %v", err)
	}

	if err := service.ReconcileUserBalance(ctx, user.Id); err == nil {
		t.Error("Expected reconciliation mismatch error")
	}
}

func TestGetOrCreateUser(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	wallet := "0x00000000000000000000000000000000000000b4"

	first, created, err := service.GetOrCreateUser(ctx, wallet)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	if !created {
		t.Error("Expected first call to create the user")
	}

	second, created, err := service.GetOrCreateUser(ctx, wallet)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	if created {
		t.Error("Expected second call to reuse the user")
	}
	if first.Id != second.Id {
		t.Errorf("Expected same user id, got %s and %s", first.Id, second.Id)
	}

	if err := service.SetUserActive(ctx, first.Id, false); err != nil {
		t.Fatalf("SetUserActive failed: %v", err)
	}
	users, err := service.GetUsers(ctx)
	if err != nil {
		t.Fatalf("GetUsers failed: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("Expected disabled user to be hidden, got %d users", len(users))
	}
}
