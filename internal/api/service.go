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
	"strconv"
	"strings"

	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// ErrUserDisabled is returned when a disabled wallet tries to log in
var ErrUserDisabled = errors.New("user disabled")

// AppendParams is a ledger append requested outside the metering path
type AppendParams struct {
	UserId       string
	Delta        int64
	Type         string
	OperationTag string
	TxHash       string
	Description  string
}

// LedgerService is the entry point for everything the transports need
type LedgerService struct {
	store     store.Store
	retry     retryPolicy
	Pricing   *Pricing
	Balances  *BalanceCache
	Keys      *KeyRegistry
	Purchases *PurchaseReconciler
	Gateway   *Gateway
}

func NewLedgerService(st store.Store, cfg *models.Config) *LedgerService {
	pricing := NewPricing(cfg.Metering)
	balances := NewBalanceCache(st, cfg.Retry)
	keys := NewKeyRegistry(st, st, pricing, cfg.Metering, cfg.Retry)

	return &LedgerService{
		store:     st,
		retry:     newRetryPolicy(cfg.Retry),
		Pricing:   pricing,
		Balances:  balances,
		Keys:      keys,
		Purchases: NewPurchaseReconciler(st, balances, cfg.Reconciler, cfg.Retry),
		Gateway:   NewGateway(keys, balances, st, pricing, cfg.Metering, cfg.Retry),
	}
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Wait blocks until background work started by the service has finished
func (s *LedgerService) Wait() {
	s.Keys.Wait()
}

// Append writes one ledger entry and moves the balance with it
func (s *LedgerService) Append(ctx context.Context, params AppendParams) (*models.CreditTransaction, error) {
	return s.Balances.ApplyDelta(ctx, params.UserId, params.Delta, DeltaEntry{
		Type:         params.Type,
		TxHash:       params.TxHash,
		OperationTag: params.OperationTag,
		Description:  params.Description,
	})
}

// Refund grants credits back to a user. The reference makes it idempotent.
func (s *LedgerService) Refund(ctx context.Context, userId string, credits int64, reference, reason string) (*models.CreditTransaction, error) {
	reference = strings.TrimSpace(reference)
	if credits <= 0 {
		return nil, fmt.Errorf("%w: refund must be positive", ErrInvalidRequest)
	}
	if reference == "" {
		return nil, fmt.Errorf("%w: refund reference is required", ErrInvalidRequest)
	}

	transaction, err := s.Append(ctx, AppendParams{
		UserId:       userId,
		Delta:        credits,
		Type:         models.TransactionTypeRefund,
		OperationTag: "refund:" + reference,
		Description:  reason,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Credits refunded",
		zap.String("user_id", userId),
		zap.Int64("credits", credits),
		zap.String("reference", reference),
		zap.Int64("new_balance", transaction.BalanceAfter))
	return transaction, nil
}

// HistoryFor returns a page of ledger entries, newest first
func (s *LedgerService) HistoryFor(ctx context.Context, userId string, limit, offset int) (*models.CreditHistoryPage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	var entries []models.CreditTransaction
	var total int64
	err := s.retry.do(ctx, "get_credit_history", func() error {
		var err error
		if entries, err = s.store.GetCreditHistory(ctx, userId, limit, offset); err != nil {
			return err
		}
		total, err = s.store.CountCreditTransactions(ctx, userId)
		return err
	})
	if err != nil {
		return nil, internalError("get_credit_history", err)
	}
	if entries == nil {
		entries = []models.CreditTransaction{}
	}

	return &models.CreditHistoryPage{
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

// SumFor returns the signed sum of a user's ledger entries
func (s *LedgerService) SumFor(ctx context.Context, userId string) (int64, error) {
	var sum int64
	err := s.retry.do(ctx, "sum_credits", func() error {
		var err error
		sum, err = s.store.SumCredits(ctx, userId)
		return err
	})
	if err != nil {
		return 0, internalError("sum_credits", err)
	}
	return sum, nil
}

// CheckInvariant verifies that a user's balance equals their ledger sum
func (s *LedgerService) CheckInvariant(ctx context.Context, userId string) error {
	return s.Balances.withUserLock(userId, func() error {
		return s.store.ReconcileUserBalance(ctx, userId)
	})
}

// CheckAllInvariants verifies every active user and returns how many failed
func (s *LedgerService) CheckAllInvariants(ctx context.Context) (int, error) {
	users, err := s.store.GetUsers(ctx)
	if err != nil {
		return 0, internalError("get_users", err)
	}

	failures := 0
	for _, user := range users {
		if err := s.CheckInvariant(ctx, user.Id); err != nil {
			failures++
			zap.L().Error("Balance invariant check failed",
				zap.String("severity", "high"),
				zap.String("user_id", user.Id),
				zap.Error(err))
		}
	}

	zap.L().Info("Balance invariant check completed",
		zap.Int("users", len(users)),
		zap.Int("failures", failures))
	return failures, nil
}

// Login resolves a verified wallet to its user, creating it on first login
func (s *LedgerService) Login(ctx context.Context, walletAddress string) (*models.User, error) {
	wallet, err := auth.NormalizeAddress(walletAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var user *models.User
	var created bool
	err = s.retry.do(ctx, "get_or_create_user", func() error {
		var err error
		user, created, err = s.store.GetOrCreateUser(ctx, wallet)
		return err
	})
	if err != nil {
		return nil, internalError("get_or_create_user", err)
	}
	if !user.Active {
		return nil, ErrUserDisabled
	}

	if err := s.store.RecordLogin(ctx, user.Id); err != nil {
		zap.L().Warn("Failed to record login", zap.String("user_id", user.Id), zap.Error(err))
	}

	zap.L().Info("User logged in",
		zap.String("user_id", user.Id),
		zap.String("wallet", user.WalletAddress),
		zap.Bool("created", created))
	return user, nil
}

func (s *LedgerService) GetUser(ctx context.Context, userId string) (*models.User, error) {
	var user *models.User
	err := s.retry.do(ctx, "get_user", func() error {
		var err error
		user, err = s.store.GetUserById(ctx, userId)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, err
		}
		return nil, internalError("get_user", err)
	}
	return user, nil
}

// Packages lists the packages currently on sale
func (s *LedgerService) Packages(ctx context.Context) ([]models.CreditPackage, error) {
	var packages []models.CreditPackage
	err := s.retry.do(ctx, "list_packages", func() error {
		var err error
		packages, err = s.store.ListPackages(ctx, true)
		return err
	})
	if err != nil {
		return nil, internalError("list_packages", err)
	}
	return packages, nil
}

// ResolvePackage finds a package by numeric id or by name
func (s *LedgerService) ResolvePackage(ctx context.Context, ref string) (*models.CreditPackage, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.store.GetPackage(ctx, id)
	}
	return s.store.GetPackageByName(ctx, ref)
}
