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
	"flag"
	"fmt"

	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/common"
	"widget-credits-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	walletFlag := flag.String("wallet", "", "User's wallet address (required)")
	unlimitedFlag := flag.Bool("unlimited", false, "Put the user on the unlimited plan")
	limitedFlag := flag.Bool("limited", false, "Take the user off the unlimited plan")
	flag.Parse()

	if *walletFlag == "" {
		zap.L().Fatal("Flag is required: --wallet")
	}
	if *unlimitedFlag && *limitedFlag {
		zap.L().Fatal("Use only one of --unlimited and --limited")
	}

	wallet, err := auth.NormalizeAddress(*walletFlag)
	if err != nil {
		zap.L().Fatal("Invalid wallet address", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	user, created, err := services.DbService.GetOrCreateUser(ctx, wallet)
	if err != nil {
		zap.L().Fatal("Failed to create user", zap.Error(err))
	}

	if *unlimitedFlag || *limitedFlag {
		if err := services.Ledger.Balances.SetUnlimited(ctx, user.Id, *unlimitedFlag); err != nil {
			zap.L().Fatal("Failed to update plan", zap.String("user_id", user.Id), zap.Error(err))
		}
	}

	balance, err := services.Ledger.Balances.GetBalance(ctx, user.Id)
	if err != nil {
		zap.L().Fatal("Failed to read balance", zap.Error(err))
	}

	title := "USER FOUND"
	if created {
		title = "USER CREATED"
	}

	fmt.Println()
	common.PrintHeader(title, common.DefaultWidth)
	fmt.Printf("ID:      %s\n", user.Id)
	fmt.Printf("Wallet:  %s\n", user.WalletAddress)
	if balance.Unlimited {
		fmt.Println("Credits: unlimited")
	} else {
		fmt.Printf("Credits: %d\n", balance.Balance)
	}
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	zap.L().Info("User ready",
		zap.String("id", user.Id),
		zap.Bool("created", created),
		zap.Bool("unlimited", balance.Unlimited))
}
