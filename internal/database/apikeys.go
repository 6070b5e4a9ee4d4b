package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"go.uber.org/zap"
)

// CreateApiKey stores a new API key. Id, hash and display parts are set by the caller.
func (s *Service) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	permissions, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("unable to encode permissions: %w", err)
	}

	ts := now()
	key.Active = true
	key.CreatedAt = ts
	key.UpdatedAt = ts

	_, err = s.db.ExecContext(ctx, queryInsertApiKey,
		key.Id, key.UserId, key.Name, key.KeyHash, key.KeyPrefix, key.KeySuffix,
		string(permissions), key.RateLimit, key.Active, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		zap.L().Error("Failed to insert api key", zap.String("user_id", key.UserId), zap.Error(err))
		return fmt.Errorf("unable to insert api key: %w", err)
	}

	zap.L().Info("Api key stored",
		zap.String("key_id", key.Id),
		zap.String("user_id", key.UserId),
		zap.String("name", key.Name))
	return nil
}

// GetApiKeyByHash is the indexed lookup behind key resolution
func (s *Service) GetApiKeyByHash(ctx context.Context, keyHash string) (*models.ApiKey, error) {
	key, err := scanApiKey(s.db.QueryRowContext(ctx, queryGetApiKeyByHash, keyHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrApiKeyNotFound
		}
		return nil, fmt.Errorf("unable to query api key: %w", err)
	}
	return key, nil
}

func (s *Service) GetApiKeyById(ctx context.Context, keyId string) (*models.ApiKey, error) {
	key, err := scanApiKey(s.db.QueryRowContext(ctx, queryGetApiKeyById, keyId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrApiKeyNotFound, keyId)
		}
		return nil, fmt.Errorf("unable to query api key: %w", err)
	}
	return key, nil
}

// ListApiKeys returns every key of a user including revoked ones, newest first
func (s *Service) ListApiKeys(ctx context.Context, userId string) ([]models.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, queryListApiKeys, userId)
	if err != nil {
		return nil, fmt.Errorf("unable to list api keys: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	keys := []models.ApiKey{}
	for rows.Next() {
		key, err := scanApiKey(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan api key row: %w", err)
		}
		keys = append(keys, *key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api key rows: %w", err)
	}
	return keys, nil
}

// RevokeApiKey soft-deletes a key owned by userId
func (s *Service) RevokeApiKey(ctx context.Context, keyId, userId string) error {
	if _, err := s.ownedApiKey(ctx, keyId, userId); err != nil {
		return err
	}

	ts := now()
	if _, err := s.db.ExecContext(ctx, queryRevokeApiKey, ts, ts, keyId, userId); err != nil {
		return fmt.Errorf("unable to revoke api key: %w", err)
	}

	zap.L().Info("Api key revoked", zap.String("key_id", keyId), zap.String("user_id", userId))
	return nil
}

// ToggleApiKey flips the active flag of a key owned by userId inside one write
// transaction and returns the key as stored. Revoked keys stay revoked.
func (s *Service) ToggleApiKey(ctx context.Context, keyId, userId string) (*models.ApiKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	key, err := scanApiKey(tx.QueryRowContext(ctx, queryGetApiKeyById, keyId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrApiKeyNotFound, keyId)
		}
		return nil, fmt.Errorf("unable to query api key: %w", err)
	}
	if key.UserId != userId {
		zap.L().Warn("Api key ownership check failed",
			zap.String("key_id", keyId),
			zap.String("requesting_user_id", userId))
		return nil, fmt.Errorf("%w: key %s is not owned by %s", store.ErrForbidden, keyId, userId)
	}
	if key.IsRevoked() {
		return nil, fmt.Errorf("%w: %s is revoked", store.ErrApiKeyNotFound, keyId)
	}

	if _, err := tx.ExecContext(ctx, queryToggleApiKey, now(), keyId, userId); err != nil {
		return nil, fmt.Errorf("unable to update api key: %w", err)
	}
	key, err = scanApiKey(tx.QueryRowContext(ctx, queryGetApiKeyById, keyId))
	if err != nil {
		return nil, fmt.Errorf("unable to reload api key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Api key toggled", zap.String("key_id", keyId), zap.Bool("active", key.Active))
	return key, nil
}

// IncrementApiKeyUsage bumps the usage counter and last-used stamp
func (s *Service) IncrementApiKeyUsage(ctx context.Context, keyId string, usedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, queryIncrementApiKeyUsage, usedAt.UTC(), keyId); err != nil {
		return fmt.Errorf("unable to increment api key usage: %w", err)
	}
	return nil
}

func (s *Service) ownedApiKey(ctx context.Context, keyId, userId string) (*models.ApiKey, error) {
	key, err := s.GetApiKeyById(ctx, keyId)
	if err != nil {
		return nil, err
	}
	if key.UserId != userId {
		zap.L().Warn("Api key ownership check failed",
			zap.String("key_id", keyId),
			zap.String("requesting_user_id", userId))
		return nil, fmt.Errorf("%w: key %s is not owned by %s", store.ErrForbidden, keyId, userId)
	}
	return key, nil
}

func scanApiKey(row rowScanner) (*models.ApiKey, error) {
	var key models.ApiKey
	var permissions string
	var revokedAt, lastUsedAt sql.NullTime
	err := row.Scan(&key.Id, &key.UserId, &key.Name, &key.KeyHash, &key.KeyPrefix, &key.KeySuffix,
		&permissions, &key.RateLimit, &key.Active, &revokedAt, &key.UsageCount, &lastUsedAt,
		&key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permissions), &key.Permissions); err != nil {
		return nil, fmt.Errorf("unable to decode permissions %q: %w", permissions, err)
	}
	key.RevokedAt = nullTimePtr(revokedAt)
	key.LastUsedAt = nullTimePtr(lastUsedAt)
	return &key, nil
}
