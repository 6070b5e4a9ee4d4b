package api

import (
	"context"
	"errors"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Errors surfaced by the service layer. Storage details never leave it.
var (
	ErrInternal       = errors.New("internal error")
	ErrMissingApiKey  = errors.New("missing api key")
	ErrInvalidApiKey  = errors.New("invalid api key")
	ErrInvalidRequest = errors.New("invalid request")
)

// clientErrors are outcomes, not failures; retrying them cannot help.
var clientErrors = []error{
	store.ErrInsufficientCredits,
	store.ErrUserNotFound,
	store.ErrApiKeyNotFound,
	store.ErrForbidden,
	store.ErrTagConflict,
	store.ErrPackageNotFound,
	store.ErrPurchaseAlreadyProcessed,
	store.ErrPurchaseNotFound,
	store.ErrDuplicateTransaction,
	ErrInvalidRequest,
	context.Canceled,
	context.DeadlineExceeded,
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

// retryPolicy retries storage failures with capped exponential backoff
type retryPolicy struct {
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newRetryPolicy(cfg models.RetryConfig) retryPolicy {
	p := retryPolicy{
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 1
	}
	if p.initialBackoff <= 0 {
		p.initialBackoff = 10 * time.Millisecond
	}
	if p.maxBackoff < p.initialBackoff {
		p.maxBackoff = p.initialBackoff
	}
	return p
}

func (p retryPolicy) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	b.MaxInterval = p.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		zap.L().Warn("Retrying storage operation",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}

// internalError logs the underlying failure and returns the opaque ErrInternal
func internalError(op string, err error) error {
	zap.L().Error("Storage operation failed", zap.String("operation", op), zap.Error(err))
	return ErrInternal
}
