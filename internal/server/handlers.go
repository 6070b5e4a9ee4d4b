package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/listener"
	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultUsageDays = 30
	maxUsageDays     = 365
)

type loginRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
	Message       string `json:"message" binding:"required"`
}

type purchaseRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	TxHash      string          `json:"tx_hash" binding:"required"`
	PackageType string          `json:"package_type" binding:"required"`
}

type createKeyRequest struct {
	Name        string   `json:"name" binding:"required,max=100"`
	Permissions []string `json:"permissions"`
	RateLimit   int      `json:"rate_limit" binding:"gte=0"`
}

type processRequest struct {
	Action string `json:"action" binding:"required"`
	Data   struct {
		Input string `json:"input"`
	} `json:"data"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.ledger.HealthCheck(ctx); err != nil {
		zap.L().Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) packagesHandler(c *gin.Context) {
	packages, err := s.ledger.Packages(c.Request.Context())
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"packages":        packages,
		"commission_rate": s.cfg.Reconciler.CommissionRate().String(),
		"prices":          s.ledger.Pricing.Table(),
	})
}

func (s *Server) loginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, "wallet_address, signature and message are required")
		return
	}

	wallet, err := s.verifier.Verify(req.WalletAddress, req.Message, req.Signature)
	if err != nil {
		zap.L().Info("Wallet login rejected",
			zap.String("wallet", req.WalletAddress),
			zap.Error(err))
		serviceError(c, err)
		return
	}

	user, err := s.ledger.Login(c.Request.Context(), wallet)
	if err != nil {
		serviceError(c, err)
		return
	}

	token, expiresAt, err := s.tokens.Issue(user.Id, user.WalletAddress)
	if err != nil {
		serviceError(c, err)
		return
	}

	balance, err := s.ledger.Balances.GetBalance(c.Request.Context(), user.Id)
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC(),
		"user":       user,
		"credits":    balance,
	})
}

func (s *Server) profileHandler(c *gin.Context) {
	userId := c.GetString(ctxUserId)

	user, err := s.ledger.GetUser(c.Request.Context(), userId)
	if err != nil {
		serviceError(c, err)
		return
	}
	balance, err := s.ledger.Balances.GetBalance(c.Request.Context(), userId)
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user, "credits": balance})
}

func (s *Server) creditsHandler(c *gin.Context) {
	balance, err := s.ledger.Balances.GetBalance(c.Request.Context(), c.GetString(ctxUserId))
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) historyHandler(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	page, err := queryInt(c, "page", 0)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	if page > 1 {
		if limit <= 0 {
			limit = api.DefaultHistoryLimit
		}
		limit = min(limit, api.MaxHistoryLimit)
		offset = (page - 1) * limit
	}

	history, err := s.ledger.HistoryFor(c.Request.Context(), c.GetString(ctxUserId), limit, offset)
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, history)
}

// purchaseHandler credits a purchase the caller made on the sale contract.
// Only the transaction hash is taken from the request; buyer, package and
// amount come from the confirmed receipt.
func (s *Server) purchaseHandler(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, "tx_hash and package_type are required")
		return
	}
	if _, err := listener.ParseTxHash(req.TxHash); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidTransaction, "tx_hash must be a 0x-prefixed 32-byte hex string")
		return
	}

	pkg, err := s.ledger.ResolvePackage(c.Request.Context(), req.PackageType)
	if err != nil {
		serviceError(c, err)
		return
	}

	if s.purchases == nil {
		abortWithError(c, http.StatusServiceUnavailable, CodeUnavailable, "purchase verification is not configured")
		return
	}

	candidates, err := s.purchases.VerifyPurchases(c.Request.Context(), req.TxHash)
	if err != nil {
		verificationError(c, err)
		return
	}

	wallet := c.GetString(ctxWallet)
	var matched []models.PurchaseCandidate
	for _, candidate := range candidates {
		if strings.EqualFold(candidate.BuyerAddress, wallet) && candidate.PackageId == pkg.Id {
			matched = append(matched, candidate)
		}
	}
	if len(matched) == 0 {
		zap.L().Warn("Submitted transaction has no matching purchase",
			zap.String("tx_hash", req.TxHash),
			zap.String("wallet", wallet),
			zap.String("package", pkg.Name),
			zap.Int("purchases", len(candidates)))
		abortWithError(c, http.StatusBadRequest, CodeInvalidTransaction,
			fmt.Sprintf("transaction has no %s purchase by this wallet", pkg.Name))
		return
	}
	if !req.Amount.IsZero() {
		var paid decimal.Decimal
		for _, candidate := range matched {
			paid = paid.Add(candidate.UsdtAmount)
		}
		if !paid.Equal(req.Amount) {
			zap.L().Info("Submitted amount differs from chain amount",
				zap.String("tx_hash", req.TxHash),
				zap.String("submitted", req.Amount.String()),
				zap.String("paid", paid.String()))
		}
	}

	var (
		credited int64
		last     models.ReconcileResult
	)
	for _, candidate := range matched {
		candidate.ObservedAt = time.Now().UTC()
		result := s.ledger.Purchases.Reconcile(c.Request.Context(), candidate)
		switch result.Outcome {
		case models.ReconcileSuccess:
			credited += result.CreditsAdded
			last = result
		case models.ReconcileTagConflict, models.ReconcileAlreadyProcessed:
			// Already credited, possibly by the listener
		default:
			status, code := reconcileStatus(result.Outcome)
			message := result.Message
			if message == "" || status == http.StatusInternalServerError {
				message = string(result.Outcome)
			}
			abortWithError(c, status, code, message)
			return
		}
	}

	if credited == 0 {
		abortWithError(c, http.StatusConflict, CodeDuplicateTransaction, "transaction already processed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"purchase_id":    last.PurchaseId,
		"credits_added":  credited,
		"new_balance":    last.NewBalance,
		"transaction_id": last.TransactionId,
		"package":        pkg.Name,
	})
}

func (s *Server) usageHandler(c *gin.Context) {
	days, err := queryInt(c, "days", defaultUsageDays)
	if err != nil || days < 1 || days > maxUsageDays {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, "days must be between 1 and 365")
		return
	}

	usage, err := s.ledger.Gateway.Usage(c.Request.Context(), store.WidgetUsageFilter{
		UserId: c.GetString(ctxUserId),
		Since:  time.Now().UTC().AddDate(0, 0, -days),
	})
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "usage": usage})
}

func (s *Server) listKeysHandler(c *gin.Context) {
	keys, err := s.ledger.Keys.List(c.Request.Context(), c.GetString(ctxUserId))
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": keys})
}

func (s *Server) createKeyHandler(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}

	issued, err := s.ledger.Keys.Issue(c.Request.Context(), api.IssueKeyRequest{
		UserId:      c.GetString(ctxUserId),
		Name:        req.Name,
		Permissions: req.Permissions,
		RateLimit:   req.RateLimit,
	})
	if err != nil {
		serviceError(c, err)
		return
	}

	// The only response that ever carries the full key
	view := issued.ApiKeyView
	view.Key = issued.Secret
	c.JSON(http.StatusCreated, gin.H{
		"api_key": view,
		"message": "Store this key now; it will not be shown again",
	})
}

func (s *Server) revokeKeyHandler(c *gin.Context) {
	if err := s.ledger.Keys.Revoke(c.Request.Context(), c.Param("id"), c.GetString(ctxUserId)); err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) toggleKeyHandler(c *gin.Context) {
	view, err := s.ledger.Keys.Toggle(c.Request.Context(), c.Param("id"), c.GetString(ctxUserId))
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": view})
}

func (s *Server) validateHandler(c *gin.Context) {
	keyValue := strings.TrimSpace(c.GetHeader(apiKeyHeader))
	if keyValue == "" {
		abortWithError(c, http.StatusUnauthorized, CodeMissingApiKey, "API key is required")
		return
	}

	validation, err := s.ledger.Gateway.Validate(c.Request.Context(), keyValue)
	if err != nil {
		serviceError(c, err)
		return
	}
	if !validation.Valid {
		abortWithError(c, http.StatusUnauthorized, CodeInvalidApiKey, "Invalid API key")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":             true,
		"remaining_credits": validation.RemainingCredits,
		"unlimited":         validation.Unlimited,
		"permissions":       validation.Permissions,
		"api_key_name":      validation.KeyName,
	})
}

func (s *Server) processHandler(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, "action is required")
		return
	}

	ctx := models.WithRequestMeta(c.Request.Context(), requestMeta(c, req.Data.Input))
	decision := s.ledger.Gateway.Authorize(ctx, api.AuthorizeRequest{
		ApiKey: c.GetHeader(apiKeyHeader),
		Action: req.Action,
	})
	if !decision.Allowed() {
		decisionError(c, decision)
		return
	}

	result, err := api.ExecuteAction(decision.Action, req.Data.Input)
	if err != nil {
		// Credits stay debited; refunds go through the operator tooling
		zap.L().Error("Widget action failed after debit",
			zap.String("transaction_id", decision.TransactionId),
			zap.String("action", decision.Action),
			zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, CodeInternalError, "Action failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"result":            result,
		"credits_used":      decision.Cost,
		"remaining_credits": decision.RemainingBalance,
		"unlimited":         decision.Unlimited,
		"action":            decision.Action,
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	if strings.TrimSpace(c.GetHeader(apiKeyHeader)) == "" {
		abortWithError(c, http.StatusUnauthorized, CodeMissingApiKey, "API key is required")
		return
	}
	key := resolvedKey(c)
	if key == nil {
		abortWithError(c, http.StatusUnauthorized, CodeInvalidApiKey, "Invalid API key")
		return
	}

	usage, err := s.ledger.Gateway.Usage(c.Request.Context(), store.WidgetUsageFilter{
		UserId: key.UserId,
		Since:  time.Now().UTC().AddDate(0, 0, -defaultUsageDays),
	})
	if err != nil {
		serviceError(c, err)
		return
	}

	var requests, successful, credits int64
	for _, day := range usage {
		requests += day.Requests
		successful += day.SuccessfulRequests
		credits += day.CreditsUsed
	}

	c.JSON(http.StatusOK, gin.H{
		"api_key_name":        key.KeyName,
		"total_requests":      requests,
		"successful_requests": successful,
		"credits_used":        credits,
		"daily":               usage,
	})
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return value, nil
}
