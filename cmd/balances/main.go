package main

import (
	"context"
	"flag"
	"fmt"

	"widget-credits-go/internal/common"
	"widget-credits-go/internal/config"
	"widget-credits-go/internal/database"
	"widget-credits-go/internal/models"

	"go.uber.org/zap"
)

type balanceStats struct {
	totalUsers     int
	unlimitedUsers int
	totalCredits   int64
	driftedUsers   int
}

func formatTransactionId(txId string) string {
	if txId == "" {
		return "none"
	}
	if len(txId) > 8 {
		return txId[:8] + "..."
	}
	return txId
}

func formatCredits(balance int64) string {
	if balance == models.UnlimitedBalance {
		return "unlimited"
	}
	return fmt.Sprintf("%d", balance)
}

func printEntry(entry models.CreditTransaction, isLast bool) {
	sign := "+"
	if entry.Type == models.TransactionTypeDebit {
		sign = "-"
	}
	fmt.Printf("%s %-8s %s%-6d -> %-9s %s %s\n",
		common.BoxPrefix(isLast),
		entry.Type,
		sign,
		entry.Amount,
		formatCredits(entry.BalanceAfter),
		entry.CreatedAt.Format("2006-01-02 15:04:05"),
		entry.Description)
}

func printUserHeader(user models.User, balance *models.AccountBalance) {
	fmt.Printf("\n┌─ User: %s\n", user.WalletAddress)
	fmt.Printf("│  ID: %s\n", user.Id)
	fmt.Printf("│  Credits: %s (v%d, last_tx: %s, updated: %s)\n",
		formatCredits(balance.Balance),
		balance.Version,
		formatTransactionId(balance.LastTransactionId),
		balance.UpdatedAt.Format("2006-01-02 15:04:05"))
	common.PrintBoxSeparator(78)
}

// processUser prints one user and checks the cached balance against the ledger
func processUser(ctx context.Context, user models.User, dbService *database.Service, historySize int, stats *balanceStats) error {
	balance, err := dbService.GetAccountBalance(ctx, user.Id)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}

	printUserHeader(user, balance)

	if historySize > 0 {
		entries, err := dbService.GetCreditHistory(ctx, user.Id, historySize, 0)
		if err != nil {
			return fmt.Errorf("failed to get history: %w", err)
		}
		for i, entry := range entries {
			printEntry(entry, i == len(entries)-1)
		}
	}

	if balance.IsUnlimited() {
		stats.unlimitedUsers++
		return nil
	}
	stats.totalCredits += balance.Balance

	if err := dbService.ReconcileUserBalance(ctx, user.Id); err != nil {
		stats.driftedUsers++
		fmt.Printf("│  !! %v\n", err)
	}
	return nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	walletFlag := flag.String("wallet", "", "Filter by specific wallet address (optional)")
	historyFlag := flag.Int("history", 5, "Number of recent ledger entries to show per user")
	flag.Parse()

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	users, err := common.InitializeUsers(ctx, dbService, *walletFlag, logger)
	if err != nil {
		logger.Fatal("Failed to initialize users", zap.Error(err))
	}

	common.PrintHeader("USER CREDIT REPORT", common.DefaultWidth)

	stats := balanceStats{}
	for _, user := range users {
		stats.totalUsers++
		if err := processUser(ctx, user, dbService, *historyFlag, &stats); err != nil {
			logger.Error("Failed to process user",
				zap.String("user_id", user.Id),
				zap.String("wallet", user.WalletAddress),
				zap.Error(err))
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d users, %d credits outstanding, %d unlimited, %d failing the ledger check",
		stats.totalUsers, stats.totalCredits, stats.unlimitedUsers, stats.driftedUsers)
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int64("credits_outstanding", stats.totalCredits),
		zap.Int("drifted_users", stats.driftedUsers))
}
