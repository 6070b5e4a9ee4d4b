package listener

import (
	"context"
	"fmt"
	"strings"
	"time"

	"widget-credits-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const primeTransactionDone = "TRANSACTION_DONE"

// DepositLister is the part of prime.Service the deposit source needs
type DepositLister interface {
	ListDeposits(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]models.PrimeTransaction, error)
}

// PackageCatalog lists the packages a deposit amount can match
type PackageCatalog interface {
	ListPackages(ctx context.Context, activeOnly bool) ([]models.CreditPackage, error)
}

// PrimeDepositSourceConfig contains configuration for PrimeDepositSource
type PrimeDepositSourceConfig struct {
	Deposits       DepositLister
	Packages       PackageCatalog
	PortfolioId    string
	WalletId       string
	Symbol         string
	LookbackWindow time.Duration
}

// PrimeDepositSource turns completed USDT deposits into the platform's Prime
// wallet into purchases. A deposit buys the package whose price it matches
// exactly; the sending address is the buyer.
type PrimeDepositSource struct {
	deposits       DepositLister
	packages       PackageCatalog
	portfolioId    string
	walletId       string
	symbol         string
	lookbackWindow time.Duration
}

func NewPrimeDepositSource(cfg PrimeDepositSourceConfig) *PrimeDepositSource {
	symbol := cfg.Symbol
	if symbol == "" {
		symbol = "USDT"
	}
	lookback := cfg.LookbackWindow
	if lookback <= 0 {
		lookback = 6 * time.Hour
	}
	return &PrimeDepositSource{
		deposits:       cfg.Deposits,
		packages:       cfg.Packages,
		portfolioId:    cfg.PortfolioId,
		walletId:       cfg.WalletId,
		symbol:         symbol,
		lookbackWindow: lookback,
	}
}

func (s *PrimeDepositSource) Name() string {
	return models.SourcePrimeDeposit
}

// FetchPurchases lists deposits inside the lookback window. Replays across
// polls are absorbed by the operation tag.
func (s *PrimeDepositSource) FetchPurchases(ctx context.Context) (*models.PurchaseBatch, error) {
	since := time.Now().UTC().Add(-s.lookbackWindow)

	deposits, err := s.deposits.ListDeposits(ctx, s.portfolioId, s.walletId, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch deposits: %w", err)
	}

	packages, err := s.packages.ListPackages(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}

	batch := &models.PurchaseBatch{}
	for _, tx := range deposits {
		candidate, ok := s.toCandidate(tx, packages)
		if ok {
			batch.Candidates = append(batch.Candidates, candidate)
		}
	}
	return batch, nil
}

// Advance is a no-op; the lookback window bounds every fetch
func (s *PrimeDepositSource) Advance(context.Context, uint64) error {
	return nil
}

func (s *PrimeDepositSource) toCandidate(tx models.PrimeTransaction, packages []models.CreditPackage) (models.PurchaseCandidate, bool) {
	if tx.Type != "DEPOSIT" || tx.Status != primeTransactionDone || !strings.EqualFold(tx.Symbol, s.symbol) {
		return models.PurchaseCandidate{}, false
	}

	amount, err := decimal.NewFromString(tx.Amount)
	if err != nil {
		zap.L().Warn("Skipping deposit with unparseable amount",
			zap.String("transaction_id", tx.Id),
			zap.String("amount", tx.Amount))
		return models.PurchaseCandidate{}, false
	}

	buyer := tx.TransferFrom.Address
	if buyer == "" {
		buyer = tx.TransferFrom.Value
	}
	if buyer == "" {
		zap.L().Warn("Skipping deposit without sender address", zap.String("transaction_id", tx.Id))
		return models.PurchaseCandidate{}, false
	}

	pkg := matchPackage(amount, packages)
	if pkg == nil {
		zap.L().Warn("Deposit amount matches no credit package",
			zap.String("transaction_id", tx.Id),
			zap.String("amount", amount.String()),
			zap.String("sender", buyer))
		return models.PurchaseCandidate{}, false
	}

	observedAt := tx.CompletedAt
	if observedAt.IsZero() {
		observedAt = tx.CreatedAt
	}

	return models.PurchaseCandidate{
		BuyerAddress: buyer,
		PackageId:    pkg.Id,
		UsdtAmount:   amount,
		OperationTag: "prime:" + tx.Id,
		TxHash:       strings.ToLower(tx.TransactionId),
		Source:       models.SourcePrimeDeposit,
		ObservedAt:   observedAt,
	}, true
}

func matchPackage(amount decimal.Decimal, packages []models.CreditPackage) *models.CreditPackage {
	for i := range packages {
		if packages[i].PriceUsdt.Equal(amount) {
			return &packages[i]
		}
	}
	return nil
}
