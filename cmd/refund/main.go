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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/common"
	"widget-credits-go/internal/config"
	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"go.uber.org/zap"
)

type refundRequest struct {
	wallet    string
	credits   int64
	reference string
	reason    string
}

func parseAndValidateFlags() (*refundRequest, error) {
	walletFlag := flag.String("wallet", "", "User wallet address (required)")
	creditsFlag := flag.Int64("credits", 0, "Credits to grant back (required)")
	referenceFlag := flag.String("reference", "", "Support ticket or request id; a reference is refunded at most once (required)")
	reasonFlag := flag.String("reason", "", "Reason recorded on the ledger entry")
	flag.Parse()

	if *walletFlag == "" || *creditsFlag == 0 || *referenceFlag == "" {
		return nil, fmt.Errorf("flags are required: --wallet, --credits, --reference")
	}
	if *creditsFlag < 0 {
		return nil, fmt.Errorf("credits must be greater than zero")
	}

	wallet, err := auth.NormalizeAddress(*walletFlag)
	if err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(*reasonFlag)
	if reason == "" {
		reason = "manual refund"
	}

	return &refundRequest{
		wallet:    wallet,
		credits:   *creditsFlag,
		reference: strings.TrimSpace(*referenceFlag),
		reason:    reason,
	}, nil
}

func printRefundSummary(user *models.User, current models.CreditBalance, req *refundRequest) {
	common.PrintHeader("REFUND REQUEST", common.DefaultWidth)
	fmt.Printf("User:             %s\n", user.WalletAddress)
	if current.Unlimited {
		fmt.Println("Current Balance:  unlimited")
	} else {
		fmt.Printf("Current Balance:  %d\n", current.Balance)
	}
	fmt.Printf("Refund:           %d credits\n", req.credits)
	fmt.Printf("Reference:        %s\n", req.reference)
	fmt.Printf("Reason:           %s\n", req.reason)
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	req, err := parseAndValidateFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	zap.L().Info("Starting refund",
		zap.String("wallet", req.wallet),
		zap.Int64("credits", req.credits),
		zap.String("reference", req.reference))

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	user, err := services.DbService.GetUserByWallet(ctx, req.wallet)
	if err != nil {
		common.PrintHeader("REFUND FAILED", common.DefaultWidth)
		fmt.Printf("Error: User not found for wallet %s\n", req.wallet)
		common.PrintSeparator("=", common.DefaultWidth)
		zap.L().Fatal("User not found", zap.String("wallet", req.wallet), zap.Error(err))
	}

	current, err := services.Ledger.Balances.GetBalance(ctx, user.Id)
	if err != nil {
		zap.L().Fatal("Failed to read balance", zap.Error(err))
	}
	printRefundSummary(user, current, req)

	transaction, err := services.Ledger.Refund(ctx, user.Id, req.credits, req.reference, req.reason)
	if err != nil {
		if errors.Is(err, store.ErrTagConflict) || errors.Is(err, store.ErrDuplicateTransaction) {
			fmt.Printf("Refund %s was already applied; nothing to do\n\n", req.reference)
			zap.L().Info("Refund already applied", zap.String("reference", req.reference))
			return
		}
		fmt.Println("Refund failed")
		zap.L().Fatal("Failed to refund credits", zap.Error(err))
	}

	fmt.Printf("Refund applied. Transaction %s, new balance: %d\n\n", transaction.Id, transaction.BalanceAfter)
	zap.L().Info("Refund completed successfully",
		zap.String("user_id", user.Id),
		zap.String("transaction_id", transaction.Id),
		zap.Int64("new_balance", transaction.BalanceAfter))
}
