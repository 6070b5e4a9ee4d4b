package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/database"
	"widget-credits-go/internal/listener"
	"widget-credits-go/internal/models"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	router http.Handler
	ledger *api.LedgerService
	chain  *fakeChain
}

// fakeChain stands in for the sale contract receipts behind the purchase route
type fakeChain struct {
	mu      sync.Mutex
	txs     map[string][]models.PurchaseCandidate
	pending map[string]bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		txs:     map[string][]models.PurchaseCandidate{},
		pending: map[string]bool{},
	}
}

func (f *fakeChain) VerifyPurchases(_ context.Context, txHash string) ([]models.PurchaseCandidate, error) {
	if _, err := listener.ParseTxHash(txHash); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	hash := strings.ToLower(txHash)
	if f.pending[hash] {
		return nil, fmt.Errorf("%w: %s", listener.ErrTxUnconfirmed, hash)
	}
	candidates, ok := f.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", listener.ErrTxNotFound, hash)
	}
	return candidates, nil
}

// pay records a confirmed PurchaseCreated log for wallet in transaction hash
func (f *fakeChain) pay(wallet, hash string, packageId int64, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hash = strings.ToLower(hash)
	logIndex := uint(len(f.txs[hash]))
	f.txs[hash] = append(f.txs[hash], models.PurchaseCandidate{
		BuyerAddress: wallet,
		PackageId:    packageId,
		UsdtAmount:   decimal.RequireFromString(amount),
		OperationTag: fmt.Sprintf("tag-%s-%d", hash, logIndex),
		TxHash:       hash,
		LogIndex:     logIndex,
		Source:       models.SourceHTTP,
	})
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	chain := newFakeChain()
	env := setupTestServerWith(t, chain)
	env.chain = chain
	return env
}

func setupTestServerWith(t *testing.T, purchases PurchaseVerifier) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, db.UpsertPackage(context.Background(), models.CreditPackage{
		Id: 1, Name: "starter", Credits: 100, PriceUsdt: decimal.NewFromInt(10), Active: true,
	}))

	cfg := &models.Config{
		Metering: models.MeteringConfig{
			DefaultCost:         1,
			DefaultRateLimit:    60,
			RateLimitWindow:     time.Minute,
			MaxRequestDataBytes: 256,
		},
		Reconciler: models.ReconcilerConfig{CommissionBps: 200},
		Retry: models.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}

	ledger := api.NewLedgerService(db, cfg)
	tokens, err := auth.NewTokenIssuer(strings.Repeat("s", 32), "widget-credits-test", time.Hour)
	require.NoError(t, err)

	srv := New(ledger, auth.NewWalletVerifier(5*time.Minute), tokens, purchases, cfg)
	t.Cleanup(func() {
		ledger.Wait()
		db.Close()
	})
	return &testEnv{router: srv.Handler(), ledger: ledger}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// login signs in a fresh wallet and returns its session token and address
func (e *testEnv) login(t *testing.T) (token, wallet string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	message := "Sign in to Widget Credits\nIssued At: " + time.Now().UTC().Format(time.RFC3339)
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	w := e.do(t, http.MethodPost, "/user/auth", gin.H{
		"wallet_address": crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"signature":      hexutil.Encode(sig),
		"message":        message,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	user := body["user"].(map[string]any)
	return body["token"].(string), user["wallet_address"].(string)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (e *testEnv) issueKey(t *testing.T, token string, rateLimit int) (keyValue, keyId string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/user/api-keys", gin.H{"name": "site widget", "rate_limit": rateLimit}, bearer(token))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	view := decode(t, w)["api_key"].(map[string]any)
	return view["key"].(string), view["id"].(string)
}

func (e *testEnv) purchase(t *testing.T, token, hash string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/user/credits/purchase", gin.H{
		"amount":       "10",
		"tx_hash":      hash,
		"package_type": "starter",
	}, bearer(token))
}

func processAction(e *testEnv, t *testing.T, keyValue, action string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/widget/process", gin.H{
		"action": action,
		"data":   gin.H{"input": "hello widget"},
	}, map[string]string{apiKeyHeader: keyValue})
}

func TestHealthAndPackages(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/credits/packages", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["packages"], 1)
	assert.Equal(t, "0.02", body["commission_rate"])
}

func TestSessionRequired(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/user/credits", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeUnauthorized, decode(t, w)["code"])

	w = env.do(t, http.MethodGet, "/user/credits", nil, bearer("not-a-token"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRejectsBadSignature(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/user/auth", gin.H{
		"wallet_address": "0x00000000000000000000000000000000000000b1",
		"signature":      "0x1234",
		"message":        "Issued At: " + time.Now().UTC().Format(time.RFC3339),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/user/auth", gin.H{"wallet_address": "0xb1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode(t, w)["code"])
}

func TestWidgetCreditLifecycle(t *testing.T) {
	env := setupTestServer(t)
	token, wallet := env.login(t)

	// A confirmed starter purchase brings the balance to 100
	hash := txHash(0xaaa1)
	env.chain.pay(wallet, hash, 1, "10")
	w := env.purchase(t, token, "0x"+strings.ToUpper(hash[2:]))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 100, decode(t, w)["new_balance"])

	// Replaying the same payment is a duplicate
	w = env.purchase(t, token, hash)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeDuplicateTransaction, decode(t, w)["code"])

	keyValue, keyId := env.issueKey(t, token, 0)
	assert.True(t, strings.HasPrefix(keyValue, "wk_"))

	w = env.do(t, http.MethodGet, "/user/api-keys", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	keys := decode(t, w)["api_keys"].([]any)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0].(map[string]any)["key"], "...")
	assert.NotEqual(t, keyValue, keys[0].(map[string]any)["key"])

	w = env.do(t, http.MethodGet, "/widget/validate", nil, map[string]string{apiKeyHeader: keyValue})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 100, decode(t, w)["remaining_credits"])

	for i := 0; i < 33; i++ {
		w = processAction(env, t, keyValue, "generate")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.EqualValues(t, 1, decode(t, w)["remaining_credits"])

	w = processAction(env, t, keyValue, "generate")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decode(t, w)
	assert.Equal(t, CodeInsufficientCredits, body["code"])
	assert.EqualValues(t, 3, body["required_credits"])
	assert.EqualValues(t, 1, body["available_credits"])

	w = env.do(t, http.MethodGet, "/user/credits", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["balance"])

	w = env.do(t, http.MethodGet, "/user/credits/history?limit=5&page=2", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	history := decode(t, w)
	assert.EqualValues(t, 34, history["total"])
	assert.EqualValues(t, 5, history["offset"])
	assert.Len(t, history["entries"], 5)

	w = env.do(t, http.MethodGet, "/widget/stats", nil, map[string]string{apiKeyHeader: keyValue})
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.EqualValues(t, 34, stats["total_requests"])
	assert.EqualValues(t, 33, stats["successful_requests"])
	assert.EqualValues(t, 99, stats["credits_used"])

	// A revoked key stops working
	w = env.do(t, http.MethodDelete, "/user/api-keys/"+keyId, nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)

	w = processAction(env, t, keyValue, "process")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeInvalidApiKey, decode(t, w)["code"])
}

func TestWidgetKeyErrors(t *testing.T) {
	env := setupTestServer(t)

	w := processAction(env, t, "", "process")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeMissingApiKey, decode(t, w)["code"])

	w = processAction(env, t, "wk_unknown", "process")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeInvalidApiKey, decode(t, w)["code"])

	w = env.do(t, http.MethodGet, "/widget/validate", nil, map[string]string{apiKeyHeader: "wk_unknown"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/widget/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/widget/process", gin.H{"data": gin.H{"input": "x"}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApiKeyOwnership(t *testing.T) {
	env := setupTestServer(t)
	owner, _ := env.login(t)
	other, _ := env.login(t)

	_, keyId := env.issueKey(t, owner, 0)

	w := env.do(t, http.MethodDelete, "/user/api-keys/"+keyId, nil, bearer(other))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeForbidden, decode(t, w)["code"])

	w = env.do(t, http.MethodPatch, fmt.Sprintf("/user/api-keys/%s/toggle", keyId), nil, bearer(other))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPatch, fmt.Sprintf("/user/api-keys/%s/toggle", keyId), nil, bearer(owner))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["api_key"].(map[string]any)["active"])

	w = env.do(t, http.MethodDelete, "/user/api-keys/missing", nil, bearer(owner))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApiKeyRateLimit(t *testing.T) {
	env := setupTestServer(t)
	token, wallet := env.login(t)
	env.chain.pay(wallet, txHash(0xbbb1), 1, "10")
	require.Equal(t, http.StatusOK, env.purchase(t, token, txHash(0xbbb1)).Code)

	keyValue, _ := env.issueKey(t, token, 2)

	for i := 0; i < 2; i++ {
		w := processAction(env, t, keyValue, "process")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := processAction(env, t, keyValue, "process")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, decode(t, w)["code"])

	// Rejected before metering, so nothing was debited
	w = env.do(t, http.MethodGet, "/user/credits", nil, bearer(token))
	assert.EqualValues(t, 98, decode(t, w)["balance"])
}

func TestPurchaseRejections(t *testing.T) {
	env := setupTestServer(t)
	token, wallet := env.login(t)

	w := env.do(t, http.MethodPost, "/user/credits/purchase", gin.H{
		"amount": "10", "tx_hash": txHash(0xccc1), "package_type": "platinum",
	}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidPackage, decode(t, w)["code"])

	// Underpaid on chain
	env.chain.pay(wallet, txHash(0xccc2), 1, "1")
	w = env.do(t, http.MethodPost, "/user/credits/purchase", gin.H{
		"amount": "1", "tx_hash": txHash(0xccc2), "package_type": "1",
	}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeAmountMismatch, decode(t, w)["code"])

	w = env.do(t, http.MethodGet, "/user/usage?days=0", nil, bearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurchaseRequiresVerifiedTransaction(t *testing.T) {
	env := setupTestServer(t)
	token, wallet := env.login(t)

	for _, hash := range []string{"not-a-hash", "still-not-a-hash", "x", "0xabc", strings.Repeat("a", 66)} {
		w := env.purchase(t, token, hash)
		assert.Equal(t, http.StatusBadRequest, w.Code, hash)
		assert.Equal(t, CodeInvalidTransaction, decode(t, w)["code"], hash)
	}

	// Well formed but never mined
	w := env.purchase(t, token, txHash(0xdead))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidTransaction, decode(t, w)["code"])

	// Someone else's payment cannot be claimed
	env.chain.pay("0x00000000000000000000000000000000000000e1", txHash(0xd1), 1, "10")
	w = env.purchase(t, token, txHash(0xd1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidTransaction, decode(t, w)["code"])

	// Mined but not yet confirmed
	env.chain.pay(wallet, txHash(0xd2), 1, "10")
	env.chain.pending[txHash(0xd2)] = true
	w = env.purchase(t, token, txHash(0xd2))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, CodePurchasePending, decode(t, w)["code"])

	w = env.do(t, http.MethodGet, "/user/credits", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["balance"])
}

func TestPurchaseCreditsEveryLogInTransaction(t *testing.T) {
	env := setupTestServer(t)
	token, wallet := env.login(t)

	hash := txHash(0xe1)
	env.chain.pay(wallet, hash, 1, "10")
	env.chain.pay(wallet, hash, 1, "10")

	w := env.purchase(t, token, hash)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 200, body["credits_added"])
	assert.EqualValues(t, 200, body["new_balance"])

	w = env.purchase(t, token, hash)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPurchaseWithoutChainIsRefused(t *testing.T) {
	env := setupTestServerWith(t, nil)
	token, _ := env.login(t)

	w := env.purchase(t, token, txHash(0xf1))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeUnavailable, decode(t, w)["code"])
}
