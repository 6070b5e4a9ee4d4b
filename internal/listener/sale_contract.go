package listener

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	purchaseCreatedEvent = "PurchaseCreated"
	minBlockStep         = uint64(10)
)

// saleContractABI is the subset of the sale contract ABI the listener decodes
const saleContractABI = `[{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"uint256","name":"purchaseId","type":"uint256"},
	{"indexed":true,"internalType":"address","name":"buyer","type":"address"},
	{"indexed":true,"internalType":"uint256","name":"packageId","type":"uint256"},
	{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
	{"indexed":false,"internalType":"uint256","name":"commission","type":"uint256"},
	{"indexed":false,"internalType":"string","name":"operationTag","type":"string"}
],"name":"PurchaseCreated","type":"event"}]`

// ChainReader is the part of ethclient.Client the sale contract source needs
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// SaleContractSourceConfig contains configuration for SaleContractSource
type SaleContractSourceConfig struct {
	Client         ChainReader
	Cursors        store.CursorStore
	Contract       string
	StartBlock     uint64
	Confirmations  uint64
	MaxBlockRange  uint64
	UsdtDecimals   int32
	RequestTimeout time.Duration
}

// purchaseLogCodec decodes PurchaseCreated logs emitted by one sale contract
type purchaseLogCodec struct {
	contract     common.Address
	contractABI  abi.ABI
	eventId      common.Hash
	usdtDecimals int32
}

func newPurchaseLogCodec(contract string, usdtDecimals int32) (*purchaseLogCodec, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid sale contract address: %q", contract)
	}

	parsed, err := abi.JSON(strings.NewReader(saleContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sale contract abi: %w", err)
	}

	if usdtDecimals <= 0 {
		usdtDecimals = 6
	}

	return &purchaseLogCodec{
		contract:     common.HexToAddress(contract),
		contractABI:  parsed,
		eventId:      parsed.Events[purchaseCreatedEvent].ID,
		usdtDecimals: usdtDecimals,
	}, nil
}

// SaleContractSource reads PurchaseCreated logs from the sale contract in
// confirmed block ranges. Its cursor is the last fully reconciled block.
type SaleContractSource struct {
	*purchaseLogCodec
	client         ChainReader
	cursors        store.CursorStore
	startBlock     uint64
	confirmations  uint64
	step           uint64
	maxStep        uint64
	requestTimeout time.Duration
}

func NewSaleContractSource(cfg SaleContractSourceConfig) (*SaleContractSource, error) {
	codec, err := newPurchaseLogCodec(cfg.Contract, cfg.UsdtDecimals)
	if err != nil {
		return nil, err
	}

	maxStep := cfg.MaxBlockRange
	if maxStep < minBlockStep {
		maxStep = 2000
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &SaleContractSource{
		purchaseLogCodec: codec,
		client:           cfg.Client,
		cursors:          cfg.Cursors,
		startBlock:       cfg.StartBlock,
		confirmations:    cfg.Confirmations,
		step:             maxStep,
		maxStep:          maxStep,
		requestTimeout:   timeout,
	}, nil
}

func (s *SaleContractSource) Name() string {
	return models.SourceSaleContract
}

// FetchPurchases returns the purchases in the next confirmed block range
func (s *SaleContractSource) FetchPurchases(ctx context.Context) (*models.PurchaseBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	if head < s.confirmations {
		return &models.PurchaseBatch{}, nil
	}
	safe := head - s.confirmations

	cursor, found, err := s.cursors.GetCursor(ctx, s.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	var from uint64
	switch {
	case found:
		from = cursor + 1
	case s.startBlock > 0:
		from = s.startBlock
	default:
		from = safe
	}
	if from > safe {
		return &models.PurchaseBatch{Cursor: cursor}, nil
	}
	to := min(from+s.step-1, safe)

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{s.eventId}},
	})
	if err != nil {
		// Providers cap result sizes; retry next poll with a smaller range
		s.step = max(s.step/2, minBlockStep)
		return nil, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}
	if s.step < s.maxStep {
		s.step = min(s.step*2, s.maxStep)
	}

	batch := &models.PurchaseBatch{Cursor: to}
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		event, err := s.decodePurchaseCreated(vLog)
		if err != nil {
			zap.L().Error("Failed to decode purchase log",
				zap.String("tx_hash", vLog.TxHash.Hex()),
				zap.Uint("log_index", vLog.Index),
				zap.Error(err))
			continue
		}
		batch.Candidates = append(batch.Candidates, s.toCandidate(event))
	}

	zap.L().Debug("Scanned sale contract",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("purchases", len(batch.Candidates)))

	return batch, nil
}

// Advance records that every purchase up to block cursor is reconciled
func (s *SaleContractSource) Advance(ctx context.Context, cursor uint64) error {
	if cursor == 0 {
		return nil
	}
	return s.cursors.SetCursor(ctx, s.Name(), cursor)
}

// isPurchaseLog reports whether vLog was emitted by the sale contract as a
// PurchaseCreated event. Receipts carry logs from every contract touched.
func (c *purchaseLogCodec) isPurchaseLog(vLog *types.Log) bool {
	return vLog.Address == c.contract && len(vLog.Topics) > 0 && vLog.Topics[0] == c.eventId
}

func (c *purchaseLogCodec) decodePurchaseCreated(vLog types.Log) (*models.PurchaseCreatedEvent, error) {
	if len(vLog.Topics) != 4 || vLog.Topics[0] != c.eventId {
		return nil, fmt.Errorf("not a %s log", purchaseCreatedEvent)
	}
	if vLog.Address != c.contract {
		return nil, fmt.Errorf("log emitted by %s, not the sale contract", vLog.Address.Hex())
	}

	values, err := c.contractABI.Events[purchaseCreatedEvent].Inputs.NonIndexed().Unpack(vLog.Data)
	if err != nil {
		return nil, fmt.Errorf("abi unpack: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("expected 3 values, got %d", len(values))
	}
	amount, ok1 := values[0].(*big.Int)
	commission, ok2 := values[1].(*big.Int)
	tag, ok3 := values[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected value types in %s data", purchaseCreatedEvent)
	}

	return &models.PurchaseCreatedEvent{
		PurchaseId:   new(big.Int).SetBytes(vLog.Topics[1].Bytes()),
		Buyer:        strings.ToLower(common.BytesToAddress(vLog.Topics[2].Bytes()[12:]).Hex()),
		PackageId:    new(big.Int).SetBytes(vLog.Topics[3].Bytes()),
		Amount:       amount,
		Commission:   commission,
		OperationTag: tag,
		TxHash:       strings.ToLower(vLog.TxHash.Hex()),
		BlockNumber:  vLog.BlockNumber,
		LogIndex:     vLog.Index,
	}, nil
}

func (c *purchaseLogCodec) toCandidate(event *models.PurchaseCreatedEvent) models.PurchaseCandidate {
	commission := decimal.NewFromBigInt(event.Commission, -c.usdtDecimals)

	// Package ids beyond int64 cannot exist in the catalogue
	packageId := int64(-1)
	if event.PackageId.IsInt64() {
		packageId = event.PackageId.Int64()
	}

	return models.PurchaseCandidate{
		ChainPurchaseId: event.PurchaseId.String(),
		BuyerAddress:    event.Buyer,
		PackageId:       packageId,
		UsdtAmount:      decimal.NewFromBigInt(event.Amount, -c.usdtDecimals),
		CommissionUsdt:  &commission,
		OperationTag:    event.OperationTag,
		TxHash:          event.TxHash,
		LogIndex:        event.LogIndex,
		Source:          models.SourceSaleContract,
		ObservedAt:      time.Now().UTC(),
	}
}
