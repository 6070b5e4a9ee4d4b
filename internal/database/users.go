/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	zap.L().Debug("Querying active users")

	rows, err := s.db.QueryContext(ctx, queryGetActiveUsers)
	if err != nil {
		zap.L().Error("Failed to query users", zap.Error(err))
		return nil, fmt.Errorf("unable to query users: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			zap.L().Error("Failed to scan user row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan user row: %w", err)
		}

		users = append(users, *user)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during user row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	zap.L().Debug("Retrieved users", zap.Int("count", len(users)))
	return users, nil
}

func (s *Service) GetUserById(ctx context.Context, userId string) (*models.User, error) {
	zap.L().Debug("Querying user by ID", zap.String("user_id", userId))

	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserById, userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
		}
		zap.L().Error("Failed to query user by ID", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by ID: %w", err)
	}

	return user, nil
}

// GetUserByWallet looks a user up by lowercase wallet address
func (s *Service) GetUserByWallet(ctx context.Context, walletAddress string) (*models.User, error) {
	zap.L().Debug("Querying user by wallet", zap.String("wallet_address", walletAddress))

	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserByWallet, walletAddress))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, walletAddress)
		}
		zap.L().Error("Failed to query user by wallet", zap.String("wallet_address", walletAddress), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by wallet: %w", err)
	}

	return user, nil
}

// GetOrCreateUser returns the user owning a wallet, creating it on first sight.
// The boolean reports whether this call created the user.
func (s *Service) GetOrCreateUser(ctx context.Context, walletAddress string) (*models.User, bool, error) {
	ts := now()
	result, err := s.db.ExecContext(ctx, queryInsertUser, uuid.New().String(), walletAddress, ts, ts)
	if err != nil {
		zap.L().Error("Failed to insert user", zap.String("wallet_address", walletAddress), zap.Error(err))
		return nil, false, fmt.Errorf("unable to insert user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("unable to get rows affected: %w", err)
	}

	user, err := s.GetUserByWallet(ctx, walletAddress)
	if err != nil {
		return nil, false, err
	}

	created := rowsAffected == 1
	if created {
		zap.L().Info("User created successfully", zap.String("id", user.Id), zap.String("wallet_address", walletAddress))
	}
	return user, created, nil
}

// RecordLogin stamps the last successful wallet-signature login
func (s *Service) RecordLogin(ctx context.Context, userId string) error {
	ts := now()
	if _, err := s.db.ExecContext(ctx, queryUpdateLastLogin, ts, ts, userId); err != nil {
		return fmt.Errorf("unable to record login: %w", err)
	}
	return nil
}

// SetUserActive enables or disables a user. Users are never deleted.
func (s *Service) SetUserActive(ctx context.Context, userId string, active bool) error {
	result, err := s.db.ExecContext(ctx, queryUpdateUserActive, active, now(), userId)
	if err != nil {
		return fmt.Errorf("unable to update user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
	}

	zap.L().Info("User active flag updated", zap.String("user_id", userId), zap.Bool("active", active))
	return nil
}

func userExistsTx(ctx context.Context, tx *sql.Tx, userId string) error {
	var exists int
	if err := tx.QueryRowContext(ctx, queryUserExists, userId).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
		}
		return fmt.Errorf("failed to check user: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var lastLoginAt sql.NullTime
	err := row.Scan(&user.Id, &user.WalletAddress, &user.PlanTier, &user.Active,
		&user.CreatedAt, &user.UpdatedAt, &lastLoginAt)
	if err != nil {
		return nil, err
	}
	user.LastLoginAt = nullTimePtr(lastLoginAt)
	return &user, nil
}
