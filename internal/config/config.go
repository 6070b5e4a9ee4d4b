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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"widget-credits-go/internal/models"
)

// durationSetting binds one duration env var to its default and destination
type durationSetting struct {
	key          string
	defaultValue time.Duration
	target       *time.Duration
}

func Load() (*models.Config, error) {
	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Path:         getEnvString("DATABASE_PATH", "credits.db"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Server: models.ServerConfig{
			Address:        getEnvString("SERVER_ADDRESS", ":3000"),
			AllowedOrigins: getEnvList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
		},
		Auth: models.AuthConfig{
			JWTSecret: getEnvString("JWT_SECRET", ""),
			JWTIssuer: getEnvString("JWT_ISSUER", "widget-credits"),
		},
		Metering: models.MeteringConfig{
			Prices: map[string]int64{
				"process":  getEnvInt64("METERING_PRICE_PROCESS", 1),
				"analyze":  getEnvInt64("METERING_PRICE_ANALYZE", 2),
				"generate": getEnvInt64("METERING_PRICE_GENERATE", 3),
			},
			DefaultCost:          getEnvInt64("METERING_DEFAULT_COST", 1),
			RejectUnknownActions: getEnvBool("METERING_REJECT_UNKNOWN_ACTIONS", false),
			DefaultRateLimit:     getEnvInt("METERING_DEFAULT_RATE_LIMIT", 60),
			MaxRequestDataBytes:  getEnvInt("METERING_MAX_REQUEST_DATA_BYTES", 1024),
		},
		Reconciler: models.ReconcilerConfig{
			CommissionBps: getEnvInt64("COMMISSION_BPS", 200),
			PackagesFile:  getEnvString("PACKAGES_FILE", "packages.yaml"),
		},
		Listener: models.ListenerConfig{
			Enabled: getEnvBool("LISTENER_ENABLED", true),
		},
		Chain: models.ChainConfig{
			RPCURL:        getEnvString("CHAIN_RPC_URL", ""),
			SaleContract:  getEnvString("CHAIN_SALE_CONTRACT", ""),
			StartBlock:    getEnvUint64("CHAIN_START_BLOCK", 0),
			Confirmations: getEnvUint64("CHAIN_CONFIRMATIONS", 12),
			MaxBlockRange: getEnvUint64("CHAIN_MAX_BLOCK_RANGE", 2000),
			UsdtDecimals:  int32(getEnvInt("CHAIN_USDT_DECIMALS", 6)),
		},
		Prime: models.PrimeConfig{
			AccessKey:   os.Getenv("PRIME_ACCESS_KEY"),
			Passphrase:  os.Getenv("PRIME_PASSPHRASE"),
			SigningKey:  os.Getenv("PRIME_SIGNING_KEY"),
			PortfolioId: getEnvString("PRIME_PORTFOLIO_ID", ""),
			WalletId:    getEnvString("PRIME_USDT_WALLET_ID", ""),
			Symbol:      getEnvString("PRIME_DEPOSIT_SYMBOL", "USDT"),
		},
		Formance: models.FormanceConfig{
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER", "widget-credits"),
		},
		Scheduler: models.SchedulerConfig{
			RepairSpec:    getEnvString("SCHEDULER_REPAIR_SPEC", "@every 1m"),
			InvariantSpec: getEnvString("SCHEDULER_INVARIANT_SPEC", "@every 15m"),
			MirrorSpec:    getEnvString("SCHEDULER_MIRROR_SPEC", "@every 30s"),
			MirrorBatch:   getEnvInt("SCHEDULER_MIRROR_BATCH", 100),
		},
		Retry: models.RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		},
	}

	durations := []durationSetting{
		{"DB_CONN_MAX_LIFETIME", 5 * time.Minute, &cfg.Database.ConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", 30 * time.Second, &cfg.Database.ConnMaxIdleTime},
		{"DB_PING_TIMEOUT", 5 * time.Second, &cfg.Database.PingTimeout},
		{"DB_BUSY_TIMEOUT", 5 * time.Second, &cfg.Database.BusyTimeout},
		{"SERVER_READ_TIMEOUT", 15 * time.Second, &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", 30 * time.Second, &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.Server.ShutdownTimeout},
		{"JWT_SESSION_TTL", 24 * time.Hour, &cfg.Auth.SessionTTL},
		{"AUTH_MESSAGE_MAX_AGE", 5 * time.Minute, &cfg.Auth.MessageMaxAge},
		{"METERING_RATE_LIMIT_WINDOW", time.Minute, &cfg.Metering.RateLimitWindow},
		{"RECONCILER_REPAIR_GRACE", 2 * time.Minute, &cfg.Reconciler.RepairGrace},
		{"LISTENER_LOOKBACK_WINDOW", 6 * time.Hour, &cfg.Listener.LookbackWindow},
		{"LISTENER_POLLING_INTERVAL", 30 * time.Second, &cfg.Listener.PollingInterval},
		{"LISTENER_CLEANUP_INTERVAL", 15 * time.Minute, &cfg.Listener.CleanupInterval},
		{"CHAIN_REQUEST_TIMEOUT", 20 * time.Second, &cfg.Chain.RequestTimeout},
		{"RETRY_INITIAL_BACKOFF", 50 * time.Millisecond, &cfg.Retry.InitialBackoff},
		{"RETRY_MAX_BACKOFF", time.Second, &cfg.Retry.MaxBackoff},
	}
	for _, d := range durations {
		value, err := getEnvDuration(d.key, d.defaultValue)
		if err != nil {
			return nil, err
		}
		*d.target = value
	}

	if cfg.Reconciler.CommissionBps < 0 || cfg.Reconciler.CommissionBps >= 10000 {
		return nil, fmt.Errorf("invalid COMMISSION_BPS: %d", cfg.Reconciler.CommissionBps)
	}
	if cfg.Metering.DefaultCost <= 0 {
		return nil, fmt.Errorf("invalid METERING_DEFAULT_COST: %d", cfg.Metering.DefaultCost)
	}

	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
