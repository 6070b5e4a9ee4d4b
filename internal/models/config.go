package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Auth       AuthConfig
	Metering   MeteringConfig
	Reconciler ReconcilerConfig
	Listener   ListenerConfig
	Chain      ChainConfig
	Prime      PrimeConfig
	Formance   FormanceConfig
	Scheduler  SchedulerConfig
	Retry      RetryConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	BusyTimeout     time.Duration
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// AuthConfig holds wallet login and session token settings
type AuthConfig struct {
	JWTSecret     string
	JWTIssuer     string
	SessionTTL    time.Duration
	MessageMaxAge time.Duration
}

// MeteringConfig holds action pricing and API key defaults
type MeteringConfig struct {
	Prices               map[string]int64
	DefaultCost          int64
	RejectUnknownActions bool
	DefaultRateLimit     int
	RateLimitWindow      time.Duration
	MaxRequestDataBytes  int
}

// ReconcilerConfig holds purchase reconciliation settings
type ReconcilerConfig struct {
	CommissionBps int64
	PackagesFile  string
	RepairGrace   time.Duration
}

// ListenerConfig holds purchase listener settings
type ListenerConfig struct {
	Enabled         bool
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
}

// ChainConfig holds sale contract polling settings
type ChainConfig struct {
	RPCURL         string
	SaleContract   string
	StartBlock     uint64
	Confirmations  uint64
	MaxBlockRange  uint64
	UsdtDecimals   int32
	RequestTimeout time.Duration
}

// PrimeConfig holds the optional Coinbase Prime deposit feed settings
type PrimeConfig struct {
	AccessKey   string
	Passphrase  string
	SigningKey  string
	PortfolioId string
	WalletId    string
	Symbol      string
}

// Enabled reports whether Prime credentials and a wallet are configured
func (p PrimeConfig) Enabled() bool {
	return p.AccessKey != "" && p.Passphrase != "" && p.SigningKey != "" && p.WalletId != ""
}

// FormanceConfig holds the optional Formance ledger mirror settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// Enabled reports whether a Formance stack is configured
func (f FormanceConfig) Enabled() bool {
	return f.StackURL != ""
}

// SchedulerConfig holds cron specs for background jobs
type SchedulerConfig struct {
	RepairSpec    string
	InvariantSpec string
	MirrorSpec    string
	MirrorBatch   int
}

// RetryConfig bounds internal retries of storage operations
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CommissionRate returns the commission as a fraction, e.g. 0.02 for 200 bps
func (r ReconcilerConfig) CommissionRate() decimal.Decimal {
	return decimal.NewFromInt(r.CommissionBps).Div(decimal.NewFromInt(10000))
}
