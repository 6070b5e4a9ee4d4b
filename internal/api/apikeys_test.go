package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"
)

func TestIssueReturnsSecretOnce(t *testing.T) {
	svc, db, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	user, _ := svc.Login(ctx, testBuyer)
	issued := mustIssueKey(t, svc, user.Id)

	if !strings.HasPrefix(issued.Secret, apiKeyPrefix) || len(issued.Secret) != len(apiKeyPrefix)+43 {
		t.Errorf("Unexpected key format %q", issued.Secret)
	}
	if issued.Key != issued.Secret[:8]+"..."+issued.Secret[len(issued.Secret)-4:] {
		t.Errorf("Unexpected masked key %q", issued.Key)
	}
	if issued.RateLimit != 60 || len(issued.Permissions) != 1 || issued.Permissions[0] != "*" {
		t.Errorf("Expected defaults, got rate %d permissions %v", issued.RateLimit, issued.Permissions)
	}

	stored, err := db.GetApiKeyById(ctx, issued.Id)
	if err != nil {
		t.Fatalf("GetApiKeyById failed: %v", err)
	}
	if stored.KeyHash != HashApiKey(issued.Secret) || strings.Contains(stored.KeyHash, issued.Secret) {
		t.Errorf("Stored key is not the hash of the secret")
	}

	listed, err := svc.Keys.List(ctx, user.Id)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Key != issued.Key {
		t.Errorf("Expected one masked key, got %+v", listed)
	}
}

func TestIssueValidation(t *testing.T) {
	svc, _, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	user, _ := svc.Login(ctx, testBuyer)

	tests := []struct {
		name string
		req  IssueKeyRequest
	}{
		{"empty name", IssueKeyRequest{UserId: user.Id, Name: "   "}},
		{"long name", IssueKeyRequest{UserId: user.Id, Name: strings.Repeat("n", 101)}},
		{"unknown permission", IssueKeyRequest{UserId: user.Id, Name: "k", Permissions: []string{"delete"}}},
		{"negative rate", IssueKeyRequest{UserId: user.Id, Name: "k", RateLimit: -1}},
		{"no user", IssueKeyRequest{Name: "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Keys.Issue(ctx, tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestResolveCountsUsage(t *testing.T) {
	svc, db, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	user, _ := svc.Login(ctx, testBuyer)
	issued := mustIssueKey(t, svc, user.Id, "process")

	for i := 0; i < 3; i++ {
		resolved, err := svc.Keys.Resolve(ctx, issued.Secret)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if resolved.UserId != user.Id || resolved.KeyId != issued.Id {
			t.Fatalf("Resolved wrong key %+v", resolved)
		}
	}
	svc.Keys.Wait()

	stored, _ := db.GetApiKeyById(ctx, issued.Id)
	if stored.UsageCount != 3 || stored.LastUsedAt == nil {
		t.Errorf("Expected usage 3 with last used time, got %d %v", stored.UsageCount, stored.LastUsedAt)
	}

	if _, err := svc.Keys.Resolve(ctx, ""); !errors.Is(err, ErrMissingApiKey) {
		t.Errorf("Expected ErrMissingApiKey, got %v", err)
	}
	if _, err := svc.Keys.Resolve(ctx, issued.Secret+"x"); !errors.Is(err, ErrInvalidApiKey) {
		t.Errorf("Expected ErrInvalidApiKey, got %v", err)
	}
}

func TestResolveRejectsDisabledOwner(t *testing.T) {
	svc, db, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	user, _ := svc.Login(ctx, testBuyer)
	issued := mustIssueKey(t, svc, user.Id)

	if err := db.SetUserActive(ctx, user.Id, false); err != nil {
		t.Fatalf("SetUserActive failed: %v", err)
	}
	if _, err := svc.Keys.Resolve(ctx, issued.Secret); !errors.Is(err, ErrInvalidApiKey) {
		t.Errorf("Expected ErrInvalidApiKey, got %v", err)
	}
}

func TestRevokeAndToggleOwnership(t *testing.T) {
	svc, _, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	owner, _ := svc.Login(ctx, testBuyer)
	other, _ := svc.Login(ctx, "0x00000000000000000000000000000000000000b2")
	issued := mustIssueKey(t, svc, owner.Id)

	if err := svc.Keys.Revoke(ctx, issued.Id, other.Id); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("Expected ErrForbidden on foreign revoke, got %v", err)
	}
	if _, err := svc.Keys.Toggle(ctx, issued.Id, other.Id); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("Expected ErrForbidden on foreign toggle, got %v", err)
	}

	view, err := svc.Keys.Toggle(ctx, issued.Id, owner.Id)
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if view.Active {
		t.Errorf("Expected key to be inactive after toggle")
	}
	if _, err := svc.Keys.Resolve(ctx, issued.Secret); !errors.Is(err, ErrInvalidApiKey) {
		t.Errorf("Expected inactive key to be invalid, got %v", err)
	}

	view, err = svc.Keys.Toggle(ctx, issued.Id, owner.Id)
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if !view.Active {
		t.Errorf("Expected key to be active again")
	}

	if err := svc.Keys.Revoke(ctx, issued.Id, owner.Id); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := svc.Keys.Toggle(ctx, issued.Id, owner.Id); err == nil {
		t.Errorf("Expected revoked key to stay off")
	}

	listed, _ := svc.Keys.List(ctx, owner.Id)
	if len(listed) != 1 || !listed[0].Revoked || listed[0].Active {
		t.Errorf("Expected the revoked key to remain listed, got %+v", listed)
	}

	if err := svc.Keys.Revoke(ctx, "missing", owner.Id); !errors.Is(err, store.ErrApiKeyNotFound) {
		t.Errorf("Expected ErrApiKeyNotFound, got %v", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	policy := newRetryPolicy(models.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	ctx := context.Background()

	calls := 0
	err := policy.do(ctx, "flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("Expected success on third attempt, got %v after %d calls", err, calls)
	}

	calls = 0
	err = policy.do(ctx, "client", func() error {
		calls++
		return store.ErrInsufficientCredits
	})
	if !errors.Is(err, store.ErrInsufficientCredits) || calls != 1 {
		t.Errorf("Client errors must not be retried, got %v after %d calls", err, calls)
	}

	calls = 0
	err = policy.do(ctx, "down", func() error {
		calls++
		return errors.New("disk I/O error")
	})
	if err == nil || calls != 3 {
		t.Errorf("Expected failure after 3 attempts, got %v after %d calls", err, calls)
	}
	if !errors.Is(internalError("down", err), ErrInternal) {
		t.Errorf("Expected opaque internal error")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	calls = 0
	err = policy.do(cancelled, "cancelled", func() error {
		calls++
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Errorf("Expected cancellation after one attempt, got %v after %d calls", err, calls)
	}
}

func TestPricing(t *testing.T) {
	pricing := NewPricing(models.MeteringConfig{Prices: map[string]int64{"Generate": 5, "ignored": 0}})

	if cost, ok := pricing.Price("process"); !ok || cost != 1 {
		t.Errorf("Expected process to cost 1, got %d", cost)
	}
	if cost, ok := pricing.Price("analyze"); !ok || cost != 2 {
		t.Errorf("Expected analyze to cost 2, got %d", cost)
	}
	if cost, _ := pricing.Price("GENERATE"); cost != 5 {
		t.Errorf("Expected configured generate price 5, got %d", cost)
	}
	if cost, ok := pricing.Price("unknown"); !ok || cost != 1 {
		t.Errorf("Expected default cost 1, got %d", cost)
	}
	if pricing.Known("ignored") {
		t.Errorf("Zero prices must not register actions")
	}

	strict := NewPricing(models.MeteringConfig{RejectUnknownActions: true})
	if _, ok := strict.Price("unknown"); ok {
		t.Errorf("Expected strict policy to reject unknown actions")
	}
	if actions := strict.Actions(); strings.Join(actions, ",") != "analyze,generate,process" {
		t.Errorf("Unexpected actions %v", actions)
	}
}

func TestExecuteAction(t *testing.T) {
	result, err := ExecuteAction("process", "hello world")
	if err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if result["processed"] != "HELLO WORLD" || result["word_count"] != 2 || result["char_count"] != 11 {
		t.Errorf("Unexpected process result %v", result)
	}

	result, _ = ExecuteAction("analyze", "One two. Three!")
	if result["sentence_count"] != 2 || result["word_count"] != 3 || result["average_word_length"] != "3.67" {
		t.Errorf("Unexpected analyze result %v", result)
	}

	result, _ = ExecuteAction("generate", "cats")
	if result["generated"] != "Generated content based on: cats" {
		t.Errorf("Unexpected generate result %v", result)
	}

	if _, err := ExecuteAction("process", string([]byte{0xff})); err == nil {
		t.Errorf("Expected invalid UTF-8 to fail")
	}
}

func TestConcurrentTogglesNeverCollapse(t *testing.T) {
	svc, db, cleanup := setupTestLedger(t, testConfig())
	defer cleanup()
	ctx := context.Background()

	owner, _ := svc.Login(ctx, testBuyer)
	issued := mustIssueKey(t, svc, owner.Id)

	const toggles = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inactive int
	)
	for i := 0; i < toggles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, err := svc.Keys.Toggle(ctx, issued.Id, owner.Id)
			if err != nil {
				t.Errorf("Toggle failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !view.Active {
				inactive++
			}
		}()
	}
	wg.Wait()

	// Each toggle observes a distinct state, alternating from active
	if inactive != toggles/2 {
		t.Errorf("Expected %d toggles to report inactive, got %d", toggles/2, inactive)
	}
	stored, err := db.GetApiKeyById(ctx, issued.Id)
	if err != nil {
		t.Fatalf("GetApiKeyById failed: %v", err)
	}
	if !stored.Active {
		t.Error("Expected an even number of toggles to leave the key active")
	}
}
