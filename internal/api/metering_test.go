package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"
)

func TestAuthorizeDenials(t *testing.T) {
	svc, _, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	purchase := mustPurchase(t, svc, "op-1", "0xaaa")
	processOnly := mustIssueKey(t, svc, purchase.UserId, "process")

	tests := []struct {
		name   string
		req    AuthorizeRequest
		reason string
	}{
		{"missing key", AuthorizeRequest{Action: "process"}, models.ReasonMissingApiKey},
		{"unknown key", AuthorizeRequest{ApiKey: "wk_doesnotexist", Action: "process"}, models.ReasonInvalidApiKey},
		{"foreign format", AuthorizeRequest{ApiKey: "sk_live_123", Action: "process"}, models.ReasonInvalidApiKey},
		{"permission", AuthorizeRequest{ApiKey: processOnly.Secret, Action: "analyze"}, models.ReasonPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := svc.Gateway.Authorize(ctx, tt.req)
			if decision.Outcome != models.DecisionDenied || decision.Reason != tt.reason {
				t.Errorf("Expected DENIED/%s, got %s/%s", tt.reason, decision.Outcome, decision.Reason)
			}
			if decision.FinalState != models.StateLogged {
				t.Errorf("Expected LOGGED, got %s", decision.FinalState)
			}
		})
	}

	balance, _ := svc.Balances.GetBalance(ctx, purchase.UserId)
	if balance.Balance != 100 {
		t.Errorf("Denied calls changed balance to %d", balance.Balance)
	}

	allowed := svc.Gateway.Authorize(ctx, AuthorizeRequest{ApiKey: processOnly.Secret, Action: " PROCESS "})
	if !allowed.Allowed() || allowed.Cost != 1 || allowed.RemainingBalance != 99 || allowed.Action != "process" {
		t.Errorf("Unexpected decision %+v", allowed)
	}
}

func TestAuthorizeUnknownActionPolicy(t *testing.T) {
	t.Run("permissive", func(t *testing.T) {
		svc, _, cleanup := setupTestLedger(t, testConfig())
		defer cleanup()

		purchase := mustPurchase(t, svc, "op-1", "0xaaa")
		key := mustIssueKey(t, svc, purchase.UserId)

		decision := svc.Gateway.Authorize(context.Background(), AuthorizeRequest{ApiKey: key.Secret, Action: "translate"})
		if !decision.Allowed() || decision.Cost != 1 {
			t.Errorf("Expected default cost 1, got %+v", decision)
		}
	})

	t.Run("strict", func(t *testing.T) {
		cfg := testConfig()
		cfg.Metering.RejectUnknownActions = true
		svc, _, cleanup := setupTestLedger(t, cfg)
		defer cleanup()

		purchase := mustPurchase(t, svc, "op-1", "0xaaa")
		key := mustIssueKey(t, svc, purchase.UserId)

		decision := svc.Gateway.Authorize(context.Background(), AuthorizeRequest{ApiKey: key.Secret, Action: "translate"})
		if decision.Reason != models.ReasonActionUnsupported {
			t.Errorf("Expected ACTION_UNSUPPORTED, got %s", decision.Reason)
		}
		balance, _ := svc.Balances.GetBalance(context.Background(), purchase.UserId)
		if balance.Balance != 100 {
			t.Errorf("Unsupported action changed balance to %d", balance.Balance)
		}
	})
}

func TestAuthorizeUnlimitedUser(t *testing.T) {
	svc, _, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	user, err := svc.Login(ctx, testBuyer)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := svc.Balances.SetUnlimited(ctx, user.Id, true); err != nil {
		t.Fatalf("SetUnlimited failed: %v", err)
	}
	key := mustIssueKey(t, svc, user.Id)

	for i := 0; i < 5; i++ {
		decision := svc.Gateway.Authorize(ctx, AuthorizeRequest{ApiKey: key.Secret, Action: "generate"})
		if !decision.Allowed() || !decision.Unlimited || decision.RemainingBalance != models.UnlimitedBalance {
			t.Fatalf("Unexpected decision %+v", decision)
		}
	}

	balance, _ := svc.Balances.GetBalance(ctx, user.Id)
	if !balance.Unlimited {
		t.Errorf("Expected balance to stay unlimited, got %d", balance.Balance)
	}

	page, _ := svc.HistoryFor(ctx, user.Id, 10, 0)
	if page.Total != 5 {
		t.Errorf("Expected 5 audit debits for an unlimited user, got %d", page.Total)
	}
}

func TestAuthorizeWritesAuditRows(t *testing.T) {
	svc, db, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()

	purchase := mustPurchase(t, svc, "op-1", "0xaaa")
	key := mustIssueKey(t, svc, purchase.UserId)

	ctx := models.WithRequestMeta(context.Background(), &models.RequestMeta{
		IpAddress:   "203.0.113.7",
		UserAgent:   "widget-test",
		RequestData: strings.Repeat("x", 500),
	})

	svc.Gateway.Authorize(ctx, AuthorizeRequest{ApiKey: key.Secret, Action: "analyze"})
	svc.Gateway.Authorize(ctx, AuthorizeRequest{ApiKey: key.Secret, Action: "process"})
	svc.Gateway.Authorize(ctx, AuthorizeRequest{ApiKey: "", Action: "process"})

	usage, err := svc.Gateway.Usage(ctx, store.WidgetUsageFilter{UserId: purchase.UserId, Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if len(usage) != 1 {
		t.Fatalf("Expected one day of usage, got %d", len(usage))
	}
	if usage[0].Requests != 2 || usage[0].SuccessfulRequests != 2 || usage[0].CreditsUsed != 3 {
		t.Errorf("Unexpected usage %+v", usage[0])
	}

	// The anonymous call is logged without an owner
	anonymous, err := db.GetDailyUsage(ctx, store.WidgetUsageFilter{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	if len(anonymous) != 1 || anonymous[0].Requests != 1 || anonymous[0].SuccessfulRequests != 0 {
		t.Errorf("Expected one rejected anonymous call, got %+v", anonymous)
	}
}

func TestValidateDoesNotDebit(t *testing.T) {
	svc, _, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	purchase := mustPurchase(t, svc, "op-1", "0xaaa")
	key := mustIssueKey(t, svc, purchase.UserId, "process", "analyze")

	validation, err := svc.Gateway.Validate(ctx, key.Secret)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !validation.Valid || validation.RemainingCredits != 100 || validation.KeyName != "test key" {
		t.Errorf("Unexpected validation %+v", validation)
	}
	if len(validation.Permissions) != 2 {
		t.Errorf("Expected 2 permissions, got %v", validation.Permissions)
	}

	invalid, err := svc.Gateway.Validate(ctx, "wk_nope")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if invalid.Valid {
		t.Errorf("Expected invalid key")
	}

	balance, _ := svc.Balances.GetBalance(ctx, purchase.UserId)
	if balance.Balance != 100 {
		t.Errorf("Validate changed balance to %d", balance.Balance)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("Expected untouched string, got %q", got)
	}
	if got := truncate("hello", 3); got != "hel" {
		t.Errorf("Expected hel, got %q", got)
	}
	// é is two bytes; never split it
	if got := truncate("aé", 2); got != "a" {
		t.Errorf("Expected a, got %q", got)
	}
}
