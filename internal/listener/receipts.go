package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"widget-credits-go/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	ErrInvalidTxHash    = errors.New("invalid transaction hash")
	ErrTxNotFound       = errors.New("transaction not found")
	ErrTxReverted       = errors.New("transaction reverted")
	ErrTxUnconfirmed    = errors.New("transaction not yet confirmed")
	ErrNoPurchaseLogged = errors.New("transaction carries no sale contract purchase")
)

// ReceiptReader is the part of ethclient.Client receipt verification needs
type ReceiptReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ParseTxHash accepts only a 0x-prefixed 32-byte hex transaction hash
func ParseTxHash(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 2+2*common.HashLength || !strings.HasPrefix(raw, "0x") {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidTxHash, raw)
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidTxHash, err)
	}
	return common.BytesToHash(b), nil
}

// ReceiptVerifierConfig contains configuration for ReceiptVerifier
type ReceiptVerifierConfig struct {
	Client         ReceiptReader
	Contract       string
	Confirmations  uint64
	UsdtDecimals   int32
	RequestTimeout time.Duration
}

// ReceiptVerifier turns a user-submitted transaction hash into purchase
// candidates decoded from its confirmed receipt. Nothing the caller sends
// besides the hash is trusted.
type ReceiptVerifier struct {
	*purchaseLogCodec
	client         ReceiptReader
	confirmations  uint64
	requestTimeout time.Duration
}

func NewReceiptVerifier(cfg ReceiptVerifierConfig) (*ReceiptVerifier, error) {
	codec, err := newPurchaseLogCodec(cfg.Contract, cfg.UsdtDecimals)
	if err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ReceiptVerifier{
		purchaseLogCodec: codec,
		client:           cfg.Client,
		confirmations:    cfg.Confirmations,
		requestTimeout:   timeout,
	}, nil
}

// VerifyPurchases fetches the receipt of txHash and returns one candidate per
// PurchaseCreated log the sale contract emitted in it.
func (v *ReceiptVerifier) VerifyPurchases(ctx context.Context, txHash string) ([]models.PurchaseCandidate, error) {
	hash, err := ParseTxHash(txHash)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.requestTimeout)
	defer cancel()

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
		}
		return nil, fmt.Errorf("failed to get receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	if receipt.BlockNumber == nil || receipt.BlockNumber.Uint64()+v.confirmations > head {
		return nil, fmt.Errorf("%w: %s", ErrTxUnconfirmed, hash.Hex())
	}

	var candidates []models.PurchaseCandidate
	for _, vLog := range receipt.Logs {
		if vLog == nil || !v.isPurchaseLog(vLog) {
			continue
		}
		event, err := v.decodePurchaseCreated(*vLog)
		if err != nil {
			zap.L().Error("Failed to decode purchase log from receipt",
				zap.String("tx_hash", hash.Hex()),
				zap.Uint("log_index", vLog.Index),
				zap.Error(err))
			continue
		}
		candidate := v.toCandidate(event)
		candidate.TxHash = strings.ToLower(hash.Hex())
		candidate.Source = models.SourceHTTP
		candidates = append(candidates, candidate)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPurchaseLogged, hash.Hex())
	}

	zap.L().Debug("Verified purchase receipt",
		zap.String("tx_hash", hash.Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Int("purchases", len(candidates)))

	return candidates, nil
}
