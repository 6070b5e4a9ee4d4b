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

package api

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"go.uber.org/zap"
)

const lockStripes = 256

// userLocks serialises balance mutations per user. Users sharing a stripe
// also serialise, which is harmless.
type userLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *userLocks) lock(userId string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userId))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// DeltaEntry describes the ledger entry written alongside a balance change.
// Type is implied for negative deltas; positive deltas default to a refund.
type DeltaEntry struct {
	Type         string
	TxHash       string
	OperationTag string
	Description  string
}

// BalanceCache is the only mutation path for credit balances
type BalanceCache struct {
	store store.LedgerStore
	locks *userLocks
	retry retryPolicy
}

func NewBalanceCache(st store.LedgerStore, retry models.RetryConfig) *BalanceCache {
	return &BalanceCache{
		store: st,
		locks: &userLocks{},
		retry: newRetryPolicy(retry),
	}
}

// GetBalance returns the current balance, flagged when unlimited
func (c *BalanceCache) GetBalance(ctx context.Context, userId string) (models.CreditBalance, error) {
	if userId == "" {
		return models.CreditBalance{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	var balance *models.AccountBalance
	err := c.retry.do(ctx, "get_balance", func() error {
		var err error
		balance, err = c.store.GetAccountBalance(ctx, userId)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return models.CreditBalance{}, err
		}
		return models.CreditBalance{}, internalError("get_balance", err)
	}

	return models.CreditBalance{
		UserId:    userId,
		Balance:   balance.Balance,
		Unlimited: balance.IsUnlimited(),
	}, nil
}

// HasSufficient reports whether amount could be debited right now
func (c *BalanceCache) HasSufficient(ctx context.Context, userId string, amount int64) (bool, models.CreditBalance, error) {
	balance, err := c.GetBalance(ctx, userId)
	if err != nil {
		return false, balance, err
	}
	return balance.Unlimited || balance.Balance >= amount, balance, nil
}

// ApplyDelta applies a signed change and appends its ledger entry atomically.
// A debit that would go negative fails with *store.InsufficientCreditsError and
// leaves the balance unchanged.
func (c *BalanceCache) ApplyDelta(ctx context.Context, userId string, signedAmount int64, entry DeltaEntry) (*models.CreditTransaction, error) {
	params, err := deltaParams(userId, signedAmount, entry)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.lock(userId)
	defer unlock()

	var transaction *models.CreditTransaction
	err = c.retry.do(ctx, "apply_delta", func() error {
		var err error
		transaction, err = c.store.ApplyCreditTransaction(ctx, params)
		return err
	})
	if err != nil {
		if isRetryable(err) {
			return nil, internalError("apply_delta", err)
		}
		if errors.Is(err, store.ErrInsufficientCredits) {
			zap.L().Debug("Debit rejected",
				zap.String("user_id", userId),
				zap.Int64("amount", params.Amount),
				zap.Error(err))
		}
		return nil, err
	}

	return transaction, nil
}

// withUserLock runs fn while holding the balance lock of userId
func (c *BalanceCache) withUserLock(userId string, fn func() error) error {
	unlock := c.locks.lock(userId)
	defer unlock()
	return fn()
}

// SetUnlimited switches a user on or off the unlimited plan
func (c *BalanceCache) SetUnlimited(ctx context.Context, userId string, unlimited bool) error {
	return c.withUserLock(userId, func() error {
		err := c.retry.do(ctx, "set_unlimited", func() error {
			return c.store.SetUnlimited(ctx, userId, unlimited)
		})
		if err != nil && isRetryable(err) {
			return internalError("set_unlimited", err)
		}
		return err
	})
}

func deltaParams(userId string, signedAmount int64, entry DeltaEntry) (store.CreditTransactionParams, error) {
	params := store.CreditTransactionParams{
		UserId:       userId,
		TxHash:       entry.TxHash,
		OperationTag: entry.OperationTag,
		Description:  entry.Description,
	}

	switch {
	case userId == "":
		return params, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case signedAmount == 0:
		return params, fmt.Errorf("%w: delta cannot be zero", ErrInvalidRequest)
	case signedAmount < 0:
		if entry.Type != "" && entry.Type != models.TransactionTypeDebit {
			return params, fmt.Errorf("%w: negative delta must be a debit, got %s", ErrInvalidRequest, entry.Type)
		}
		params.Type = models.TransactionTypeDebit
		params.Amount = -signedAmount
	default:
		switch entry.Type {
		case "":
			params.Type = models.TransactionTypeRefund
		case models.TransactionTypePurchase, models.TransactionTypeRefund:
			params.Type = entry.Type
		default:
			return params, fmt.Errorf("%w: positive delta cannot be a %s", ErrInvalidRequest, entry.Type)
		}
		params.Amount = signedAmount
	}
	return params, nil
}
