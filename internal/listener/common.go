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
	"sync"
	"time"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/models"

	"go.uber.org/zap"
)

// PurchaseSource is one feed of purchase observations
type PurchaseSource interface {
	Name() string
	FetchPurchases(ctx context.Context) (*models.PurchaseBatch, error)
	// Advance is called with the batch cursor once every candidate in the
	// batch reached a final outcome
	Advance(ctx context.Context, cursor uint64) error
}

// Reconciler is the part of api.PurchaseReconciler the listener drives
type Reconciler interface {
	Reconcile(ctx context.Context, candidate models.PurchaseCandidate) models.ReconcileResult
	RepairPurchases(ctx context.Context) (api.RepairReport, error)
}

// PurchaseListenerConfig contains configuration for PurchaseListener
type PurchaseListenerConfig struct {
	Sources         []PurchaseSource
	Reconciler      Reconciler
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
}

// PurchaseListener polls purchase sources and reconciles what they report
type PurchaseListener struct {
	sources    []PurchaseSource
	reconciler Reconciler

	// State management for settled operation tags
	processedTags   map[string]time.Time
	mutex           sync.RWMutex
	lookbackWindow  time.Duration
	pollingInterval time.Duration
	cleanupInterval time.Duration

	// Control channels
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewPurchaseListener creates a new purchase listener
func NewPurchaseListener(cfg PurchaseListenerConfig) *PurchaseListener {
	return &PurchaseListener{
		sources:         cfg.Sources,
		reconciler:      cfg.Reconciler,
		processedTags:   make(map[string]time.Time),
		lookbackWindow:  cfg.LookbackWindow,
		pollingInterval: cfg.PollingInterval,
		cleanupInterval: cfg.CleanupInterval,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// isTagProcessed checks if we've already reconciled this operation tag
func (l *PurchaseListener) isTagProcessed(tag string) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	_, exists := l.processedTags[tag]
	return exists
}

// markTagProcessed marks an operation tag as reconciled
func (l *PurchaseListener) markTagProcessed(tag string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.processedTags[tag] = time.Now()
}

// cleanupLoop periodically cleans old processed tags
func (l *PurchaseListener) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupProcessedTags()
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cleanupProcessedTags removes old entries from the processed tags map
func (l *PurchaseListener) cleanupProcessedTags() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	cutoff := time.Now().Add(-l.lookbackWindow)
	cleaned := 0

	for tag, processedTime := range l.processedTags {
		if processedTime.Before(cutoff) {
			delete(l.processedTags, tag)
			cleaned++
		}
	}

	if cleaned > 0 {
		zap.L().Debug("Cleaned up old processed tags",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(l.processedTags)))
	}
}
