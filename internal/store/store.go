package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"widget-credits-go/internal/models"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrDuplicateTransaction     = errors.New("duplicate transaction")
	ErrConcurrentModification   = errors.New("concurrent modification detected")
	ErrUserNotFound             = errors.New("user not found")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrApiKeyNotFound           = errors.New("api key not found")
	ErrForbidden                = errors.New("forbidden")
	ErrTagConflict              = errors.New("operation tag already consumed")
	ErrPackageNotFound          = errors.New("credit package not found")
	ErrPurchaseAlreadyProcessed = errors.New("purchase already processed")
	ErrPurchaseNotFound         = errors.New("purchase not found")
)

// InsufficientCreditsError carries the numbers a caller needs to react to a
// rejected debit. It matches ErrInsufficientCredits with errors.Is.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// CreditTransactionParams describes one balance mutation and its ledger entry.
// Amount is always positive; Type decides the sign.
type CreditTransactionParams struct {
	UserId       string
	Type         string
	Amount       int64
	TxHash       string
	OperationTag string
	Description  string
}

// SettlePurchaseParams links a recorded purchase to the credits it grants.
type SettlePurchaseParams struct {
	PurchaseId  string
	Credits     int64
	Description string
}

// WidgetUsageFilter narrows usage aggregation to a user and optionally a key
type WidgetUsageFilter struct {
	UserId   string
	ApiKeyId string
	Since    time.Time
}

// UserStore manages wallet-identified users.
type UserStore interface {
	GetUsers(ctx context.Context) ([]models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetUserByWallet(ctx context.Context, walletAddress string) (*models.User, error)
	// GetOrCreateUser returns the user for a wallet, creating it on first sight.
	GetOrCreateUser(ctx context.Context, walletAddress string) (*models.User, bool, error)
	RecordLogin(ctx context.Context, userId string) error
	SetUserActive(ctx context.Context, userId string, active bool) error
}

// LedgerStore is the append-only credit ledger plus its balance projection.
// The two are only ever mutated together.
type LedgerStore interface {
	GetAccountBalance(ctx context.Context, userId string) (*models.AccountBalance, error)
	ApplyCreditTransaction(ctx context.Context, params CreditTransactionParams) (*models.CreditTransaction, error)
	SetUnlimited(ctx context.Context, userId string, unlimited bool) error

	GetCreditHistory(ctx context.Context, userId string, limit, offset int) ([]models.CreditTransaction, error)
	CountCreditTransactions(ctx context.Context, userId string) (int64, error)
	SumCredits(ctx context.Context, userId string) (int64, error)
	ReconcileUserBalance(ctx context.Context, userId string) error

	GetUnmirroredTransactions(ctx context.Context, limit int) ([]models.CreditTransaction, error)
	MarkTransactionMirrored(ctx context.Context, transactionId string) error
}

// ApiKeyStore persists widget API keys. Raw key values never reach it.
type ApiKeyStore interface {
	CreateApiKey(ctx context.Context, key *models.ApiKey) error
	GetApiKeyByHash(ctx context.Context, keyHash string) (*models.ApiKey, error)
	GetApiKeyById(ctx context.Context, keyId string) (*models.ApiKey, error)
	ListApiKeys(ctx context.Context, userId string) ([]models.ApiKey, error)
	RevokeApiKey(ctx context.Context, keyId, userId string) error
	// ToggleApiKey flips the active flag atomically and returns the stored key
	ToggleApiKey(ctx context.Context, keyId, userId string) (*models.ApiKey, error)
	IncrementApiKeyUsage(ctx context.Context, keyId string, usedAt time.Time) error
}

// PackageStore manages the credit package catalogue.
type PackageStore interface {
	UpsertPackage(ctx context.Context, pkg models.CreditPackage) error
	GetPackage(ctx context.Context, packageId int64) (*models.CreditPackage, error)
	GetPackageByName(ctx context.Context, name string) (*models.CreditPackage, error)
	ListPackages(ctx context.Context, activeOnly bool) ([]models.CreditPackage, error)
}

// PurchaseStore records purchases and settles them into the ledger.
type PurchaseStore interface {
	// RecordPurchase inserts an unsettled purchase. It fails with ErrTagConflict
	// when the operation tag exists and ErrDuplicateTransaction when the
	// (tx hash, log index) pair does.
	RecordPurchase(ctx context.Context, purchase *models.Purchase) error
	GetPurchaseByTag(ctx context.Context, operationTag string) (*models.Purchase, error)
	GetPurchaseByTxLog(ctx context.Context, txHash string, logIndex uint) (*models.Purchase, error)
	// SettlePurchase flips the processed latch, appends the purchase ledger entry
	// and links it, all in one transaction.
	SettlePurchase(ctx context.Context, params SettlePurchaseParams) (*models.CreditTransaction, error)
	// CompleteOrphanedPurchase appends the missing ledger entry for a purchase
	// marked processed without a linked credit transaction.
	CompleteOrphanedPurchase(ctx context.Context, params SettlePurchaseParams) (*models.CreditTransaction, error)
	ListUnsettledPurchases(ctx context.Context, createdBefore time.Time) ([]models.Purchase, error)
	ListOrphanedPurchases(ctx context.Context) ([]models.Purchase, error)
}

// RequestLogStore is the widget request audit log.
type RequestLogStore interface {
	InsertWidgetRequest(ctx context.Context, req *models.WidgetRequest) error
	GetDailyUsage(ctx context.Context, filter WidgetUsageFilter) ([]models.DailyUsage, error)
}

// CursorStore persists listener positions per purchase source.
type CursorStore interface {
	GetCursor(ctx context.Context, source string) (uint64, bool, error)
	SetCursor(ctx context.Context, source string, position uint64) error
}

// Store is everything the service layer needs from a backend.
type Store interface {
	UserStore
	LedgerStore
	ApiKeyStore
	PackageStore
	PurchaseStore
	RequestLogStore
	CursorStore

	Ping(ctx context.Context) error
	Close()
}
