package common

import (
	"fmt"

	"widget-credits-go/internal/listener"
	"widget-credits-go/internal/models"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// BuildReceiptVerifier returns the on-chain check behind the HTTP purchase
// route, or nil when no chain RPC is configured.
func BuildReceiptVerifier(cfg *models.Config) (*listener.ReceiptVerifier, error) {
	if cfg.Chain.RPCURL == "" {
		zap.L().Warn("No chain RPC configured, HTTP purchases are disabled")
		return nil, nil
	}

	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("unable to dial chain rpc: %w", err)
	}
	verifier, err := listener.NewReceiptVerifier(listener.ReceiptVerifierConfig{
		Client:         client,
		Contract:       cfg.Chain.SaleContract,
		Confirmations:  cfg.Chain.Confirmations,
		UsdtDecimals:   cfg.Chain.UsdtDecimals,
		RequestTimeout: cfg.Chain.RequestTimeout,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return verifier, nil
}

// BuildPurchaseListener wires every configured purchase source. It returns
// nil when the listener is disabled or no source is configured.
func BuildPurchaseListener(cfg *models.Config, services *Services) (*listener.PurchaseListener, error) {
	if !cfg.Listener.Enabled {
		zap.L().Info("Purchase listener disabled")
		return nil, nil
	}

	var sources []listener.PurchaseSource

	if cfg.Chain.RPCURL != "" {
		client, err := ethclient.Dial(cfg.Chain.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("unable to dial chain rpc: %w", err)
		}
		source, err := listener.NewSaleContractSource(listener.SaleContractSourceConfig{
			Client:         client,
			Cursors:        services.DbService,
			Contract:       cfg.Chain.SaleContract,
			StartBlock:     cfg.Chain.StartBlock,
			Confirmations:  cfg.Chain.Confirmations,
			MaxBlockRange:  cfg.Chain.MaxBlockRange,
			UsdtDecimals:   cfg.Chain.UsdtDecimals,
			RequestTimeout: cfg.Chain.RequestTimeout,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		sources = append(sources, source)
	}

	if services.PrimeService != nil {
		sources = append(sources, listener.NewPrimeDepositSource(listener.PrimeDepositSourceConfig{
			Deposits:       services.PrimeService,
			Packages:       services.DbService,
			PortfolioId:    services.DefaultPortfolio.Id,
			WalletId:       cfg.Prime.WalletId,
			Symbol:         cfg.Prime.Symbol,
			LookbackWindow: cfg.Listener.LookbackWindow,
		}))
	}

	if len(sources) == 0 {
		zap.L().Warn("No purchase sources configured")
		return nil, nil
	}

	return listener.NewPurchaseListener(listener.PurchaseListenerConfig{
		Sources:         sources,
		Reconciler:      services.Ledger.Purchases,
		LookbackWindow:  cfg.Listener.LookbackWindow,
		PollingInterval: cfg.Listener.PollingInterval,
		CleanupInterval: cfg.Listener.CleanupInterval,
	}), nil
}
