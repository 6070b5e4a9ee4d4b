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

package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Start repairs interrupted purchases, catches up on every source once and
// then polls in the background
func (l *PurchaseListener) Start(ctx context.Context) error {
	zap.L().Info("Starting purchase listener", zap.Strings("sources", sourceNames(l.sources)))

	if len(l.sources) == 0 {
		return fmt.Errorf("no purchase sources configured")
	}

	// Settle anything a previous run left half done before taking new work
	if err := l.performStartupRecovery(ctx); err != nil {
		zap.L().Error("Startup recovery failed", zap.Error(err))
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	go l.pollLoop(ctx)
	go l.cleanupLoop(ctx)

	zap.L().Info("Purchase listener started successfully",
		zap.Duration("polling_interval", l.pollingInterval),
		zap.Duration("lookback_window", l.lookbackWindow))

	return nil
}

// Stop gracefully stops the purchase listener
func (l *PurchaseListener) Stop() {
	l.stopOnce.Do(func() {
		zap.L().Info("Stopping purchase listener")
		close(l.stopChan)
		<-l.doneChan
		zap.L().Info("Purchase listener stopped")
	})
}

// pollLoop runs the main polling loop
func (l *PurchaseListener) pollLoop(ctx context.Context) {
	defer close(l.doneChan)

	ticker := time.NewTicker(l.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.pollSources(ctx)
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollSources polls all sources concurrently
func (l *PurchaseListener) pollSources(ctx context.Context) {
	var wg sync.WaitGroup

	for _, source := range l.sources {
		wg.Add(1)

		go func(s PurchaseSource) {
			defer wg.Done()

			if _, err := l.pollSource(ctx, s); err != nil {
				zap.L().Error("Failed to poll purchase source",
					zap.String("source", s.Name()),
					zap.Error(err))
			}
		}(source)
	}

	wg.Wait()
}

// pollSource reconciles one batch from a source and advances its cursor when
// nothing in the batch needs another attempt. It returns the number of
// purchases credited.
func (l *PurchaseListener) pollSource(ctx context.Context, source PurchaseSource) (int, error) {
	batch, err := source.FetchPurchases(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch purchases: %w", err)
	}

	credited, pending := 0, 0
	for _, candidate := range batch.Candidates {
		if candidate.OperationTag != "" && l.isTagProcessed(candidate.OperationTag) {
			continue
		}

		result := l.reconciler.Reconcile(ctx, candidate)
		switch {
		case result.Succeeded():
			credited++
			l.markTagProcessed(candidate.OperationTag)
		case result.Done():
			zap.L().Debug("Purchase needs no further attempts",
				zap.String("source", source.Name()),
				zap.String("operation_tag", candidate.OperationTag),
				zap.String("outcome", string(result.Outcome)))
			if candidate.OperationTag != "" {
				l.markTagProcessed(candidate.OperationTag)
			}
		default:
			pending++
			zap.L().Warn("Purchase reconciliation failed, will retry",
				zap.String("source", source.Name()),
				zap.String("operation_tag", candidate.OperationTag),
				zap.String("tx_hash", candidate.TxHash))
		}
	}

	if pending > 0 {
		return credited, fmt.Errorf("%d purchases pending retry", pending)
	}

	if err := source.Advance(ctx, batch.Cursor); err != nil {
		return credited, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if credited > 0 {
		zap.L().Info("Purchases credited",
			zap.String("source", source.Name()),
			zap.Int("count", credited))
	}
	return credited, nil
}

// performStartupRecovery repairs interrupted purchases and catches up on
// every source before the poll loop starts
func (l *PurchaseListener) performStartupRecovery(ctx context.Context) error {
	zap.L().Info("Starting startup recovery process")

	report, err := l.reconciler.RepairPurchases(ctx)
	if err != nil {
		return fmt.Errorf("failed to repair purchases: %w", err)
	}

	var totalRecovered int
	var failedSources []string
	for _, source := range l.sources {
		recovered, err := l.pollSource(ctx, source)
		if err != nil {
			zap.L().Error("Failed to recover purchases for source",
				zap.String("source", source.Name()),
				zap.Error(err))
			failedSources = append(failedSources, source.Name())
			continue
		}
		totalRecovered += recovered
	}

	if len(failedSources) > 0 {
		zap.L().Warn("Startup recovery completed with some failures",
			zap.Int("purchases_recovered", totalRecovered),
			zap.Int("repaired", report.Settled+report.Completed),
			zap.Strings("failed_sources", failedSources))

		if len(failedSources) == len(l.sources) {
			return fmt.Errorf("recovery failed for every source: %v", failedSources)
		}
		return nil
	}

	zap.L().Info("Startup recovery completed successfully",
		zap.Int("purchases_recovered", totalRecovered),
		zap.Int("repaired", report.Settled+report.Completed),
		zap.Int("repair_failures", report.Failed))
	return nil
}

// sourceNames lists the configured sources for logging
func sourceNames(sources []PurchaseSource) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	return names
}

