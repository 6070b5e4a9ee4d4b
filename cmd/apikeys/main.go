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
	"os"
	"strings"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/common"
	"widget-credits-go/internal/config"
	"widget-credits-go/internal/models"

	"go.uber.org/zap"
)

type reportStats struct {
	totalUsers   int
	totalKeys    int
	usersWithKey int
}

func printUserHeader(user models.User, keyCount int) {
	fmt.Printf("\n┌─ User: %s\n", user.WalletAddress)
	fmt.Printf("│  ID: %s\n", user.Id)
	fmt.Printf("│  API keys: %d\n", keyCount)
	common.PrintBoxSeparator(98)
}

func keyStatus(key models.ApiKeyView) string {
	switch {
	case key.Revoked:
		return "revoked"
	case !key.Active:
		return "disabled"
	default:
		return "active"
	}
}

func printKey(key models.ApiKeyView, isLast bool) {
	fmt.Printf("%s %-28s %-20s %-9s %6d/min  used %d\n",
		common.BoxPrefix(isLast), key.Id, key.Key, keyStatus(key), key.RateLimit, key.UsageCount)

	detail := common.BoxDetailPrefix(isLast)
	fmt.Printf("%s   %s  [%s]\n", detail, key.Name, strings.Join(key.Permissions, ", "))
	if key.LastUsedAt != nil {
		fmt.Printf("%s   Last used: %s\n", detail, key.LastUsedAt.Format("2006-01-02 15:04:05"))
	}
}

func listKeys(ctx context.Context, services *common.Services, wallet string, logger *zap.Logger) {
	users, err := common.InitializeUsers(ctx, services.DbService, wallet, logger)
	if err != nil {
		logger.Fatal("Failed to initialize users", zap.Error(err))
	}

	common.PrintHeader("API KEY REPORT", common.DefaultWidth)

	stats := reportStats{}
	for _, user := range users {
		stats.totalUsers++

		keys, err := services.Ledger.Keys.List(ctx, user.Id)
		if err != nil {
			logger.Error("Failed to list keys",
				zap.String("user_id", user.Id),
				zap.Error(err))
			continue
		}
		if len(keys) == 0 {
			continue
		}

		stats.usersWithKey++
		stats.totalKeys += len(keys)
		printUserHeader(user, len(keys))
		for i, key := range keys {
			printKey(key, i == len(keys)-1)
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d users with keys (%d total keys across %d users queried)",
		stats.usersWithKey, stats.totalKeys, stats.totalUsers)
	common.PrintFooter(summary, common.DefaultWidth)
}

func userForWallet(ctx context.Context, services *common.Services, wallet string) *models.User {
	address, err := auth.NormalizeAddress(wallet)
	if err != nil {
		zap.L().Fatal("Invalid wallet address", zap.Error(err))
	}
	user, err := services.DbService.GetUserByWallet(ctx, address)
	if err != nil {
		zap.L().Fatal("User not found", zap.String("wallet", address), zap.Error(err))
	}
	return user
}

func issueKey(ctx context.Context, services *common.Services, wallet, name, permissions string, rateLimit int) {
	user := userForWallet(ctx, services, wallet)

	var perms []string
	if permissions != "" {
		for _, p := range strings.Split(permissions, ",") {
			perms = append(perms, strings.TrimSpace(p))
		}
	}

	issued, err := services.Ledger.Keys.Issue(ctx, api.IssueKeyRequest{
		UserId:      user.Id,
		Name:        name,
		Permissions: perms,
		RateLimit:   rateLimit,
	})
	if err != nil {
		zap.L().Fatal("Failed to issue key", zap.Error(err))
	}

	common.PrintHeader("API KEY ISSUED", common.DefaultWidth)
	fmt.Printf("ID:          %s\n", issued.Id)
	fmt.Printf("Name:        %s\n", issued.Name)
	fmt.Printf("Permissions: %s\n", strings.Join(issued.Permissions, ", "))
	fmt.Printf("Rate limit:  %d/min\n", issued.RateLimit)
	fmt.Printf("Key:         %s\n", issued.Secret)
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println("Store this key now; it will not be shown again")
}

func revokeKey(ctx context.Context, services *common.Services, wallet, keyId string) {
	user := userForWallet(ctx, services, wallet)
	if err := services.Ledger.Keys.Revoke(ctx, keyId, user.Id); err != nil {
		zap.L().Fatal("Failed to revoke key", zap.String("key_id", keyId), zap.Error(err))
	}
	fmt.Printf("Revoked %s\n", keyId)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: apikeys list [--wallet 0x...]")
	fmt.Fprintln(os.Stderr, "       apikeys issue --wallet 0x... --name NAME [--permissions process,analyze] [--rate-limit N]")
	fmt.Fprintln(os.Stderr, "       apikeys revoke --wallet 0x... --id KEY_ID")
	os.Exit(2)
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	command := "list"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	walletFlag := fs.String("wallet", "", "Owner wallet address")
	nameFlag := fs.String("name", "", "Key name (issue)")
	permissionsFlag := fs.String("permissions", "", "Comma separated actions the key may run (issue)")
	rateLimitFlag := fs.Int("rate-limit", 0, "Requests per minute (issue, default from config)")
	idFlag := fs.String("id", "", "Key id (revoke)")
	if err := fs.Parse(args); err != nil {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	switch command {
	case "list":
		listKeys(ctx, services, *walletFlag, logger)
	case "issue":
		if *walletFlag == "" || *nameFlag == "" {
			usage()
		}
		issueKey(ctx, services, *walletFlag, *nameFlag, *permissionsFlag, *rateLimitFlag)
	case "revoke":
		if *walletFlag == "" || *idFlag == "" {
			usage()
		}
		revokeKey(ctx, services, *walletFlag, *idFlag)
	default:
		usage()
	}
}
