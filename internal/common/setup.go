package common

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/database"
	"widget-credits-go/internal/formance"
	"widget-credits-go/internal/models"
	"widget-credits-go/internal/prime"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Try to load .env file - if it doesn't exist, that's okay
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService        *database.Service
	Ledger           *api.LedgerService
	PrimeService     *prime.Service
	DefaultPortfolio *models.Portfolio
	Formance         *formance.Service
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices opens the database, loads the package catalogue and
// builds the ledger service. Prime and Formance are attached when configured.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	services := &Services{
		DbService: dbService,
		Ledger:    api.NewLedgerService(dbService, cfg),
	}

	if _, err := os.Stat(cfg.Reconciler.PackagesFile); err == nil {
		if _, err := SeedPackages(ctx, dbService, cfg.Reconciler.PackagesFile); err != nil {
			services.Close()
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		services.Close()
		return nil, fmt.Errorf("unable to stat %s: %w", cfg.Reconciler.PackagesFile, err)
	} else {
		zap.L().Warn("Packages file not found, using stored catalogue",
			zap.String("file", cfg.Reconciler.PackagesFile))
	}

	if cfg.Prime.Enabled() {
		if err := services.initializePrime(ctx, cfg.Prime); err != nil {
			services.Close()
			return nil, err
		}
	}

	if cfg.Formance.Enabled() {
		formanceService, err := formance.NewService(ctx, cfg.Formance)
		if err != nil {
			services.Close()
			return nil, err
		}
		services.Formance = formanceService
	}

	return services, nil
}

func (cs *Services) initializePrime(ctx context.Context, cfg models.PrimeConfig) error {
	primeService, portfolio, err := InitializePrime(ctx, cfg)
	if err != nil {
		return err
	}
	cs.PrimeService = primeService
	cs.DefaultPortfolio = portfolio
	return nil
}

// InitializePrime builds the Prime client and resolves the portfolio. It only
// needs credentials, so setup can run it before a deposit wallet exists.
func InitializePrime(ctx context.Context, cfg models.PrimeConfig) (*prime.Service, *models.Portfolio, error) {
	zap.L().Info("Loading Prime API credentials")
	primeService, err := prime.NewService(&credentials.Credentials{
		AccessKey:  cfg.AccessKey,
		Passphrase: cfg.Passphrase,
		SigningKey: cfg.SigningKey,
	})
	if err != nil {
		return nil, nil, err
	}

	portfolio, err := primeService.ResolvePortfolio(ctx, cfg.PortfolioId)
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("Using portfolio",
		zap.String("name", portfolio.Name),
		zap.String("id", portfolio.Id))

	return primeService, portfolio, nil
}

// InitializeDatabaseOnly initializes just the database service without Prime API
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.Ledger != nil {
		cs.Ledger.Wait()
	}
	if cs.Formance != nil {
		cs.Formance.Close()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
