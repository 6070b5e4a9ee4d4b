package server

import (
	"errors"
	"net/http"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/listener"
	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error codes returned in the code field of error bodies
const (
	CodeMissingApiKey        = models.ReasonMissingApiKey
	CodeInvalidApiKey        = models.ReasonInvalidApiKey
	CodeInsufficientCredits  = models.ReasonInsufficientCredits
	CodeActionUnsupported    = models.ReasonActionUnsupported
	CodePermissionDenied     = models.ReasonPermissionDenied
	CodeRateLimited          = "RATE_LIMITED"
	CodeTagConflict          = "TAG_CONFLICT"
	CodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	CodeAlreadyProcessed     = "ALREADY_PROCESSED"
	CodeInvalidPackage       = "INVALID_PACKAGE"
	CodeAmountMismatch       = "AMOUNT_MISMATCH"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidTransaction   = "INVALID_TRANSACTION"
	CodePurchasePending      = "PURCHASE_PENDING"
	CodeUnavailable          = "SERVICE_UNAVAILABLE"
	CodeInternalError        = models.ReasonInternalError
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	RequiredCredits  *int64 `json:"required_credits,omitempty"`
	AvailableCredits *int64 `json:"available_credits,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: message, Code: code})
}

// serviceError maps a service layer error onto a response
func serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, api.ErrInvalidRequest):
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, api.ErrMissingApiKey):
		abortWithError(c, http.StatusUnauthorized, CodeMissingApiKey, "API key is required")
	case errors.Is(err, api.ErrInvalidApiKey):
		abortWithError(c, http.StatusUnauthorized, CodeInvalidApiKey, "Invalid API key")
	case errors.Is(err, store.ErrForbidden):
		abortWithError(c, http.StatusForbidden, CodeForbidden, "Not allowed to access this resource")
	case errors.Is(err, api.ErrUserDisabled):
		abortWithError(c, http.StatusForbidden, CodeForbidden, "Account is disabled")
	case errors.Is(err, store.ErrApiKeyNotFound):
		abortWithError(c, http.StatusNotFound, CodeNotFound, "API key not found")
	case errors.Is(err, store.ErrUserNotFound):
		abortWithError(c, http.StatusNotFound, CodeNotFound, "User not found")
	case errors.Is(err, store.ErrPackageNotFound):
		abortWithError(c, http.StatusBadRequest, CodeInvalidPackage, "Unknown credit package")
	case errors.Is(err, auth.ErrTokenExpired):
		abortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "Session expired")
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidAddress),
		errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrSignerMismatch),
		errors.Is(err, auth.ErrMessageExpired),
		errors.Is(err, auth.ErrMissingIssuedAt):
		abortWithError(c, http.StatusUnauthorized, CodeUnauthorized, err.Error())
	default:
		zap.L().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, CodeInternalError, "Internal server error")
	}
}

// verificationError maps a failed on-chain purchase check onto a response
func verificationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, listener.ErrInvalidTxHash):
		abortWithError(c, http.StatusBadRequest, CodeInvalidTransaction, "tx_hash must be a 0x-prefixed 32-byte hex string")
	case errors.Is(err, listener.ErrTxNotFound):
		abortWithError(c, http.StatusBadRequest, CodeInvalidTransaction, "transaction not found on chain")
	case errors.Is(err, listener.ErrTxReverted):
		abortWithError(c, http.StatusBadRequest, CodeInvalidTransaction, "transaction reverted")
	case errors.Is(err, listener.ErrNoPurchaseLogged):
		abortWithError(c, http.StatusBadRequest, CodeInvalidTransaction, "transaction carries no purchase")
	case errors.Is(err, listener.ErrTxUnconfirmed):
		abortWithError(c, http.StatusAccepted, CodePurchasePending, "transaction is not confirmed yet, credits follow once it is")
	default:
		zap.L().Error("Purchase verification failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, CodeUnavailable, "purchase verification unavailable")
	}
}

// decisionError maps a denied or failed metering decision onto a response
func decisionError(c *gin.Context, d models.Decision) {
	switch d.Reason {
	case models.ReasonMissingApiKey:
		abortWithError(c, http.StatusUnauthorized, CodeMissingApiKey, "API key is required")
	case models.ReasonInvalidApiKey:
		abortWithError(c, http.StatusUnauthorized, CodeInvalidApiKey, "Invalid API key")
	case models.ReasonInsufficientCredits:
		required, available := d.Required, d.Available
		c.AbortWithStatusJSON(http.StatusPaymentRequired, errorResponse{
			Error:            "Insufficient credits",
			Code:             CodeInsufficientCredits,
			RequiredCredits:  &required,
			AvailableCredits: &available,
		})
	case models.ReasonActionUnsupported:
		abortWithError(c, http.StatusBadRequest, CodeActionUnsupported, "Unsupported action: "+d.Action)
	case models.ReasonPermissionDenied:
		abortWithError(c, http.StatusForbidden, CodePermissionDenied, "API key is not allowed to perform "+d.Action)
	default:
		abortWithError(c, http.StatusInternalServerError, CodeInternalError, "Internal server error")
	}
}

// reconcileStatus maps a reconcile outcome to an HTTP status and code
func reconcileStatus(outcome models.ReconcileOutcome) (int, string) {
	switch outcome {
	case models.ReconcileSuccess:
		return http.StatusOK, ""
	case models.ReconcileAlreadyProcessed:
		return http.StatusConflict, CodeAlreadyProcessed
	case models.ReconcileTagConflict:
		return http.StatusConflict, CodeTagConflict
	case models.ReconcileInvalidPackage:
		return http.StatusBadRequest, CodeInvalidPackage
	case models.ReconcileAmountMismatch:
		return http.StatusBadRequest, CodeAmountMismatch
	case models.ReconcileInvalidCandidate:
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}
