package main

import (
	"context"
	"flag"
	"fmt"

	"widget-credits-go/internal/common"
	"widget-credits-go/internal/config"
	"widget-credits-go/internal/models"
	"widget-credits-go/internal/prime"

	"go.uber.org/zap"
)

// getOrCreateWallet retrieves an existing trading wallet or creates a new one
func getOrCreateWallet(ctx context.Context, primeService *prime.Service, portfolioId, symbol string) (*models.Wallet, error) {
	zap.L().Debug("Looking up trading wallet", zap.String("asset", symbol))
	wallet, err := primeService.FindTradingWallet(ctx, portfolioId, symbol)
	if err != nil {
		zap.L().Error("Error listing wallets",
			zap.String("asset", symbol),
			zap.Error(err))
		return nil, err
	}

	if wallet != nil {
		zap.L().Info("Using existing wallet",
			zap.String("asset", symbol),
			zap.String("wallet_name", wallet.Name),
			zap.String("wallet_id", wallet.Id))
		return wallet, nil
	}

	walletName := fmt.Sprintf("%s Credit Sales Wallet", symbol)
	zap.L().Info("Creating new wallet",
		zap.String("asset", symbol),
		zap.String("wallet_name", walletName))

	wallet, err = primeService.CreateWallet(ctx, portfolioId, walletName, symbol, "TRADING")
	if err != nil {
		zap.L().Error("Error creating wallet",
			zap.String("asset", symbol),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Created new wallet",
		zap.String("asset", symbol),
		zap.String("wallet_name", wallet.Name),
		zap.String("wallet_id", wallet.Id))
	return wallet, nil
}

// setupPrime prepares the deposit wallet buyers pay into and prints the
// settings the server needs to watch it
func setupPrime(ctx context.Context, cfg *models.Config, network string) {
	primeService, portfolio, err := common.InitializePrime(ctx, cfg.Prime)
	if err != nil {
		zap.L().Fatal("Failed to initialize Prime", zap.Error(err))
	}

	wallet, err := getOrCreateWallet(ctx, primeService, portfolio.Id, cfg.Prime.Symbol)
	if err != nil {
		zap.L().Fatal("Failed to get deposit wallet", zap.Error(err))
	}

	address, err := primeService.CreateDepositAddress(ctx, portfolio.Id, wallet.Id, cfg.Prime.Symbol, network)
	if err != nil {
		zap.L().Fatal("Failed to create deposit address", zap.Error(err))
	}

	fmt.Println()
	common.PrintHeader("PRIME DEPOSIT WALLET", common.DefaultWidth)
	fmt.Printf("Portfolio:  %s (%s)\n", portfolio.Name, portfolio.Id)
	fmt.Printf("Wallet:     %s\n", wallet.Id)
	fmt.Printf("Asset:      %s on %s\n", address.Asset, address.Network)
	fmt.Printf("Address:    %s\n", address.Address)
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Printf("Set PRIME_USDT_WALLET_ID=%s to credit deposits into this wallet\n\n", wallet.Id)
}

func printPackages(packages []models.CreditPackage) {
	common.PrintHeader("CREDIT PACKAGES", common.DefaultWidth)
	for i, pkg := range packages {
		status := "active"
		if !pkg.Active {
			status = "inactive"
		}
		fmt.Printf("%s %-3d %-12s %6d credits  %8s USDT  (%s)\n",
			common.BoxPrefix(i == len(packages)-1),
			pkg.Id, pkg.Name, pkg.Credits, pkg.PriceUsdt.StringFixed(2), status)
	}
	common.PrintSeparator("=", common.DefaultWidth)
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	packagesFlag := flag.String("packages", "", "Path to the packages file (default: PACKAGES_FILE)")
	primeFlag := flag.Bool("prime", false, "Create or show the Prime deposit wallet")
	networkFlag := flag.String("network", "ethereum-mainnet", "Network for the Prime deposit address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	packagesFile := *packagesFlag
	if packagesFile == "" {
		packagesFile = cfg.Reconciler.PackagesFile
	}

	zap.L().Info("Setting up SQLite database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	seeded, err := common.SeedPackages(ctx, dbService, packagesFile)
	if err != nil {
		zap.L().Fatal("Failed to seed packages", zap.String("file", packagesFile), zap.Error(err))
	}
	zap.L().Info("Packages seeded", zap.Int("count", seeded))

	packages, err := dbService.ListPackages(ctx, false)
	if err != nil {
		zap.L().Fatal("Failed to list packages", zap.Error(err))
	}
	printPackages(packages)

	if *primeFlag {
		setupPrime(ctx, cfg, *networkFlag)
	}

	zap.L().Info("Setup complete")
}
