package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	apiKeyPrefix      = "wk_"
	apiKeyRandomBytes = 32
	maskedPrefixLen   = 8
	maskedSuffixLen   = 4
	wildcardAction    = "*"
)

// IssueKeyRequest is validated before a key is generated
type IssueKeyRequest struct {
	UserId      string   `validate:"required"`
	Name        string   `validate:"required,min=1,max=100"`
	Permissions []string `validate:"omitempty,max=16,dive,permission"`
	RateLimit   int      `validate:"gte=0,lte=100000"`
}

// KeyRegistry issues, resolves and manages widget API keys
type KeyRegistry struct {
	keys             store.ApiKeyStore
	users            store.UserStore
	pricing          *Pricing
	defaultRateLimit int
	validate         *validator.Validate
	retry            retryPolicy
	usage            sync.WaitGroup
}

func NewKeyRegistry(keys store.ApiKeyStore, users store.UserStore, pricing *Pricing, cfg models.MeteringConfig, retry models.RetryConfig) *KeyRegistry {
	v := validator.New()
	_ = v.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
		p := fl.Field().String()
		return p == wildcardAction || pricing.Known(p)
	})

	rateLimit := cfg.DefaultRateLimit
	if rateLimit <= 0 {
		rateLimit = 60
	}

	return &KeyRegistry{
		keys:             keys,
		users:            users,
		pricing:          pricing,
		defaultRateLimit: rateLimit,
		validate:         v,
		retry:            newRetryPolicy(retry),
	}
}

// HashApiKey returns the stored form of a key value
func HashApiKey(keyValue string) string {
	sum := sha256.Sum256([]byte(keyValue))
	return hex.EncodeToString(sum[:])
}

func generateApiKey() (string, error) {
	buf := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates a key for a user. The returned Secret is the only time the
// full key value is available.
func (r *KeyRegistry) Issue(ctx context.Context, req IssueKeyRequest) (*models.IssuedApiKey, error) {
	req.Name = strings.TrimSpace(req.Name)
	if len(req.Permissions) == 0 {
		req.Permissions = []string{wildcardAction}
	}
	if err := r.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.RateLimit == 0 {
		req.RateLimit = r.defaultRateLimit
	}

	secret, err := generateApiKey()
	if err != nil {
		return nil, internalError("generate_api_key", err)
	}

	key := &models.ApiKey{
		Id:          ulid.Make().String(),
		UserId:      req.UserId,
		Name:        req.Name,
		KeyHash:     HashApiKey(secret),
		KeyPrefix:   secret[:maskedPrefixLen],
		KeySuffix:   secret[len(secret)-maskedSuffixLen:],
		Permissions: req.Permissions,
		RateLimit:   req.RateLimit,
	}

	err = r.retry.do(ctx, "create_api_key", func() error {
		return r.keys.CreateApiKey(ctx, key)
	})
	if err != nil {
		if isRetryable(err) {
			return nil, internalError("create_api_key", err)
		}
		return nil, err
	}

	zap.L().Info("Api key issued",
		zap.String("key_id", key.Id),
		zap.String("user_id", key.UserId),
		zap.String("masked", key.Masked()))

	return &models.IssuedApiKey{ApiKeyView: keyView(*key), Secret: secret}, nil
}

// Resolve maps a key value to its owner. Unknown, inactive and revoked keys
// and keys of disabled users all fail with ErrInvalidApiKey. Usage is counted
// in the background.
func (r *KeyRegistry) Resolve(ctx context.Context, keyValue string) (*models.ResolvedKey, error) {
	resolved, err := r.Peek(ctx, keyValue)
	if err != nil {
		return nil, err
	}
	r.recordUsage(resolved.KeyId)
	return resolved, nil
}

// Peek resolves a key like Resolve without counting usage
func (r *KeyRegistry) Peek(ctx context.Context, keyValue string) (*models.ResolvedKey, error) {
	keyValue = strings.TrimSpace(keyValue)
	if keyValue == "" {
		return nil, ErrMissingApiKey
	}
	if !strings.HasPrefix(keyValue, apiKeyPrefix) {
		return nil, ErrInvalidApiKey
	}

	var key *models.ApiKey
	err := r.retry.do(ctx, "resolve_api_key", func() error {
		var err error
		key, err = r.keys.GetApiKeyByHash(ctx, HashApiKey(keyValue))
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrApiKeyNotFound) {
			return nil, ErrInvalidApiKey
		}
		return nil, internalError("resolve_api_key", err)
	}
	if !key.Active || key.IsRevoked() {
		return nil, ErrInvalidApiKey
	}

	var owner *models.User
	err = r.retry.do(ctx, "resolve_key_owner", func() error {
		var err error
		owner, err = r.users.GetUserById(ctx, key.UserId)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrInvalidApiKey
		}
		return nil, internalError("resolve_key_owner", err)
	}
	if !owner.Active {
		return nil, ErrInvalidApiKey
	}

	return &models.ResolvedKey{
		KeyId:       key.Id,
		KeyName:     key.Name,
		UserId:      key.UserId,
		Permissions: key.Permissions,
		RateLimit:   key.RateLimit,
		Active:      key.Active,
	}, nil
}

func (r *KeyRegistry) recordUsage(keyId string) {
	usedAt := time.Now()
	r.usage.Add(1)
	go func() {
		defer r.usage.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := r.retry.do(ctx, "increment_api_key_usage", func() error {
			return r.keys.IncrementApiKeyUsage(ctx, keyId, usedAt)
		})
		if err != nil {
			zap.L().Warn("Failed to increment api key usage", zap.String("key_id", keyId), zap.Error(err))
		}
	}()
}

// Wait blocks until background usage updates have finished
func (r *KeyRegistry) Wait() {
	r.usage.Wait()
}

// Revoke permanently disables a key owned by requestingUser
func (r *KeyRegistry) Revoke(ctx context.Context, keyId, requestingUser string) error {
	err := r.retry.do(ctx, "revoke_api_key", func() error {
		return r.keys.RevokeApiKey(ctx, keyId, requestingUser)
	})
	if err != nil && isRetryable(err) {
		return internalError("revoke_api_key", err)
	}
	return err
}

// Toggle flips the active flag of a key owned by requestingUser
func (r *KeyRegistry) Toggle(ctx context.Context, keyId, requestingUser string) (*models.ApiKeyView, error) {
	var key *models.ApiKey
	err := r.retry.do(ctx, "toggle_api_key", func() error {
		var err error
		key, err = r.keys.ToggleApiKey(ctx, keyId, requestingUser)
		return err
	})
	if err != nil {
		if isRetryable(err) {
			return nil, internalError("toggle_api_key", err)
		}
		return nil, err
	}

	view := keyView(*key)
	return &view, nil
}

// List returns the masked keys of a user, revoked ones included
func (r *KeyRegistry) List(ctx context.Context, userId string) ([]models.ApiKeyView, error) {
	var keys []models.ApiKey
	err := r.retry.do(ctx, "list_api_keys", func() error {
		var err error
		keys, err = r.keys.ListApiKeys(ctx, userId)
		return err
	})
	if err != nil {
		return nil, internalError("list_api_keys", err)
	}

	views := make([]models.ApiKeyView, len(keys))
	for i, key := range keys {
		views[i] = keyView(key)
	}
	return views, nil
}

func keyView(key models.ApiKey) models.ApiKeyView {
	return models.ApiKeyView{
		Id:          key.Id,
		Name:        key.Name,
		Key:         key.Masked(),
		Permissions: key.Permissions,
		RateLimit:   key.RateLimit,
		Active:      key.Active && !key.IsRevoked(),
		Revoked:     key.IsRevoked(),
		UsageCount:  key.UsageCount,
		LastUsedAt:  key.LastUsedAt,
		CreatedAt:   key.CreatedAt,
	}
}
