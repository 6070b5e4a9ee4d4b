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
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/common"
	"widget-credits-go/internal/config"
	"widget-credits-go/internal/models"
	"widget-credits-go/internal/scheduler"
	"widget-credits-go/internal/server"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zap.L().Info("Starting Widget Credits server")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.SessionTTL)
	if err != nil {
		zap.L().Fatal("Failed to initialize session tokens", zap.Error(err))
	}
	verifier := auth.NewWalletVerifier(cfg.Auth.MessageMaxAge)

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	receipts, err := common.BuildReceiptVerifier(cfg)
	if err != nil {
		zap.L().Fatal("Failed to build purchase verifier", zap.Error(err))
	}
	var purchases server.PurchaseVerifier
	if receipts != nil {
		purchases = receipts
	}

	srv := server.New(services.Ledger, verifier, tokens, purchases, cfg)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	purchaseListener, err := common.BuildPurchaseListener(cfg, services)
	if err != nil {
		zap.L().Fatal("Failed to build purchase listener", zap.Error(err))
	}
	if purchaseListener != nil {
		if err := purchaseListener.Start(ctx); err != nil {
			zap.L().Fatal("Failed to start purchase listener", zap.Error(err))
		}
		defer purchaseListener.Stop()
	}

	jobs := scheduler.NewScheduler(schedulerConfig(cfg, services))
	if err := jobs.Start(); err != nil {
		zap.L().Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer jobs.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("Shutdown signal received, draining HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zap.L().Error("Server stopped with error", zap.Error(err))
		return
	}
	zap.L().Info("Server stopped gracefully")
}

func schedulerConfig(cfg *models.Config, services *common.Services) scheduler.Config {
	sc := scheduler.Config{
		Specs:      cfg.Scheduler,
		Repairer:   services.Ledger.Purchases,
		Invariants: services.Ledger,
		Store:      services.DbService,
	}
	if services.Formance != nil {
		sc.Mirror = services.Formance
	}
	return sc
}

