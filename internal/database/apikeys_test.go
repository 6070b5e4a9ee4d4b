package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"
)

func newTestApiKey(id, userId, hash string) *models.ApiKey {
	return &models.ApiKey{
		Id:          id,
		UserId:      userId,
		Name:        "test key",
		KeyHash:     hash,
		KeyPrefix:   "wk_abcde",
		KeySuffix:   "wxyz",
		Permissions: []string{"process", "analyze"},
		RateLimit:   60,
	}
}

func TestApiKeyLifecycle(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	owner := createTestUser(t, service, "0x00000000000000000000000000000000000000d1")
	other := createTestUser(t, service, "0x00000000000000000000000000000000000000d2")

	key := newTestApiKey("key-1", owner.Id, "hash-1")
	if err := service.CreateApiKey(ctx, key); err != nil {
		t.Fatalf("CreateApiKey failed: %v", err)
	}

	found, err := service.GetApiKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetApiKeyByHash failed: %v", err)
	}
	if found.Id != "key-1" || !found.Active {
		t.Errorf("Expected active key-1, got %s active=%v", found.Id, found.Active)
	}
	if len(found.Permissions) != 2 || found.Permissions[1] != "analyze" {
		t.Errorf("Expected permissions to round trip, got %v", found.Permissions)
	}

	if _, err := service.GetApiKeyByHash(ctx, "nope"); !errors.Is(err, store.ErrApiKeyNotFound) {
		t.Errorf("Expected ErrApiKeyNotFound, got %v", err)
	}

	// Ownership is enforced
	if err := service.RevokeApiKey(ctx, "key-1", other.Id); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if _, err := service.ToggleApiKey(ctx, "key-1", other.Id); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}

	toggled, err := service.ToggleApiKey(ctx, "key-1", owner.Id)
	if err != nil {
		t.Fatalf("ToggleApiKey failed: %v", err)
	}
	if toggled.Active {
		t.Error("Expected toggled key to be inactive")
	}
	found, _ = service.GetApiKeyById(ctx, "key-1")
	if found.Active {
		t.Error("Expected key to be inactive")
	}

	if err := service.IncrementApiKeyUsage(ctx, "key-1", time.Now()); err != nil {
		t.Fatalf("IncrementApiKeyUsage failed: %v", err)
	}

	if err := service.RevokeApiKey(ctx, "key-1", owner.Id); err != nil {
		t.Fatalf("RevokeApiKey failed: %v", err)
	}
	if _, err := service.ToggleApiKey(ctx, "key-1", owner.Id); !errors.Is(err, store.ErrApiKeyNotFound) {
		t.Errorf("Expected revoked key to stay revoked, got %v", err)
	}

	// History survives revocation
	keys, err := service.ListApiKeys(ctx, owner.Id)
	if err != nil {
		t.Fatalf("ListApiKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(keys))
	}
	if !keys[0].IsRevoked() || keys[0].UsageCount != 1 || keys[0].LastUsedAt == nil {
		t.Errorf("Expected revoked key with usage 1, got revoked=%v usage=%d", keys[0].IsRevoked(), keys[0].UsageCount)
	}
}

func TestWidgetRequestUsage(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, service, "0x00000000000000000000000000000000000000d3")

	rows := []models.WidgetRequest{
		{ApiKeyId: "key-1", UserId: user.Id, Action: "process", CreditsUsed: 1, Outcome: "ALLOWED", FinalState: "LOGGED"},
		{ApiKeyId: "key-1", UserId: user.Id, Action: "generate", CreditsUsed: 3, Outcome: "ALLOWED", FinalState: "LOGGED"},
		{ApiKeyId: "key-2", UserId: user.Id, Action: "generate", Outcome: "DENIED", Reason: "INSUFFICIENT_CREDITS", FinalState: "LOGGED"},
	}
	for i := range rows {
		if err := service.InsertWidgetRequest(ctx, &rows[i]); err != nil {
			t.Fatalf("InsertWidgetRequest failed: %v", err)
		}
	}

	usage, err := service.GetDailyUsage(ctx, store.WidgetUsageFilter{UserId: user.Id, Since: time.Now().Add(-24 * time.Hour)})
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	if len(usage) != 1 {
		t.Fatalf("Expected 1 day of usage, got %d", len(usage))
	}
	if usage[0].Requests != 3 || usage[0].SuccessfulRequests != 2 || usage[0].CreditsUsed != 4 {
		t.Errorf("Unexpected usage: %+v", usage[0])
	}

	usage, err = service.GetDailyUsage(ctx, store.WidgetUsageFilter{UserId: user.Id, ApiKeyId: "key-2", Since: time.Now().Add(-24 * time.Hour)})
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	if len(usage) != 1 || usage[0].Requests != 1 || usage[0].SuccessfulRequests != 0 {
		t.Errorf("Unexpected per-key usage: %+v", usage)
	}
}

func TestListenerCursor(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	if _, ok, err := service.GetCursor(ctx, "sale_contract"); err != nil || ok {
		t.Fatalf("Expected no cursor, got ok=%v err=%v", ok, err)
	}

	if err := service.SetCursor(ctx, "sale_contract", 1200); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if err := service.SetCursor(ctx, "sale_contract", 1300); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}

	position, ok, err := service.GetCursor(ctx, "sale_contract")
	if err != nil || !ok {
		t.Fatalf("GetCursor failed: ok=%v err=%v", ok, err)
	}
	if position != 1300 {
		t.Errorf("Expected position 1300, got %d", position)
	}
}
