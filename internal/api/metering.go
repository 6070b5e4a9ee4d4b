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

package api

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"go.uber.org/zap"
)

const defaultMaxRequestData = 1024

// AuthorizeRequest is one metered call as seen by the gateway
type AuthorizeRequest struct {
	ApiKey string
	Action string
}

// KeyValidation is the read-only answer to a key check
type KeyValidation struct {
	Valid            bool     `json:"valid"`
	KeyName          string   `json:"key_name,omitempty"`
	Permissions      []string `json:"permissions,omitempty"`
	RemainingCredits int64    `json:"remaining_credits"`
	Unlimited        bool     `json:"unlimited"`
}

// Gateway authorizes and debits metered widget calls. Every call to
// Authorize leaves exactly one audit row.
type Gateway struct {
	keys           *KeyRegistry
	balances       *BalanceCache
	requests       store.RequestLogStore
	pricing        *Pricing
	retry          retryPolicy
	maxRequestData int
}

func NewGateway(keys *KeyRegistry, balances *BalanceCache, requests store.RequestLogStore, pricing *Pricing, cfg models.MeteringConfig, retry models.RetryConfig) *Gateway {
	maxData := cfg.MaxRequestDataBytes
	if maxData <= 0 {
		maxData = defaultMaxRequestData
	}
	return &Gateway{
		keys:           keys,
		balances:       balances,
		requests:       requests,
		pricing:        pricing,
		retry:          newRetryPolicy(retry),
		maxRequestData: maxData,
	}
}

// meteredCall carries one request through the gateway states
type meteredCall struct {
	state    models.GatewayState
	started  time.Time
	action   string
	decision models.Decision
}

func (m *meteredCall) advance(next models.GatewayState) {
	zap.L().Debug("Metering state change",
		zap.String("action", m.action),
		zap.String("from", string(m.state)),
		zap.String("to", string(next)))
	m.state = next
}

func (m *meteredCall) deny(reason string) models.Decision {
	m.decision.Outcome = models.DecisionDenied
	m.decision.Reason = reason
	m.advance(models.StateRejected)
	return m.decision
}

func (m *meteredCall) fail() models.Decision {
	m.decision.Outcome = models.DecisionError
	m.decision.Reason = models.ReasonInternalError
	m.advance(models.StateRejected)
	return m.decision
}

// Authorize runs RECEIVED → KEY_VALIDATED → PRICED → BALANCE_CHECKED →
// DEBITED or REJECTED → LOGGED. The debit happens before the action runs and
// is not refunded if the action later fails.
func (g *Gateway) Authorize(ctx context.Context, req AuthorizeRequest) models.Decision {
	call := &meteredCall{
		state:   models.StateReceived,
		started: time.Now(),
		action:  normalizeAction(req.Action),
	}
	call.decision.Action = call.action

	g.authorize(ctx, call, req.ApiKey)
	g.audit(ctx, call)

	call.advance(models.StateLogged)
	call.decision.FinalState = models.StateLogged
	return call.decision
}

func (g *Gateway) authorize(ctx context.Context, call *meteredCall, apiKey string) {
	if apiKey == "" {
		call.deny(models.ReasonMissingApiKey)
		return
	}

	key, err := g.keys.Resolve(ctx, apiKey)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingApiKey):
			call.deny(models.ReasonMissingApiKey)
		case errors.Is(err, ErrInvalidApiKey):
			call.deny(models.ReasonInvalidApiKey)
		default:
			call.fail()
		}
		return
	}
	call.decision.UserId = key.UserId
	call.decision.ApiKeyId = key.KeyId
	call.advance(models.StateKeyValidated)

	cost, ok := g.pricing.Price(call.action)
	if !ok {
		call.deny(models.ReasonActionUnsupported)
		return
	}
	call.decision.Cost = cost
	call.advance(models.StatePriced)

	if !key.Allows(call.action) {
		call.deny(models.ReasonPermissionDenied)
		return
	}

	sufficient, balance, err := g.balances.HasSufficient(ctx, key.UserId, cost)
	if err != nil {
		call.fail()
		return
	}
	if !sufficient {
		call.decision.Required = cost
		call.decision.Available = balance.Balance
		call.decision.RemainingBalance = balance.Balance
		call.deny(models.ReasonInsufficientCredits)
		return
	}
	call.advance(models.StateBalanceChecked)

	transaction, err := g.balances.ApplyDelta(ctx, key.UserId, -cost, DeltaEntry{
		Type:        models.TransactionTypeDebit,
		Description: "widget:" + call.action,
	})
	if err != nil {
		var insufficient *store.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			// Lost a race with another debit after the balance check
			call.decision.Required = insufficient.Required
			call.decision.Available = insufficient.Available
			call.decision.RemainingBalance = insufficient.Available
			call.deny(models.ReasonInsufficientCredits)
			return
		}
		call.fail()
		return
	}

	call.decision.Outcome = models.DecisionAllowed
	call.decision.TransactionId = transaction.Id
	call.decision.RemainingBalance = transaction.BalanceAfter
	call.decision.Unlimited = transaction.BalanceAfter == models.UnlimitedBalance
	call.advance(models.StateDebited)
}

// audit writes the request row. A failed write is logged but does not change
// the decision; the debit, if any, already happened.
func (g *Gateway) audit(ctx context.Context, call *meteredCall) {
	row := &models.WidgetRequest{
		ApiKeyId:     call.decision.ApiKeyId,
		UserId:       call.decision.UserId,
		Action:       call.action,
		Outcome:      string(call.decision.Outcome),
		Reason:       call.decision.Reason,
		FinalState:   string(call.state),
		BalanceAfter: call.decision.RemainingBalance,
		LatencyMs:    time.Since(call.started).Milliseconds(),
	}
	if call.decision.Allowed() {
		row.CreditsUsed = call.decision.Cost
	}
	if meta := models.GetRequestMeta(ctx); meta != nil {
		row.IpAddress = meta.IpAddress
		row.UserAgent = meta.UserAgent
		row.RequestData = truncate(meta.RequestData, g.maxRequestData)
	}

	// The audit row must land even when the caller has gone away
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := g.retry.do(auditCtx, "insert_widget_request", func() error {
		return g.requests.InsertWidgetRequest(auditCtx, row)
	})
	if err != nil {
		zap.L().Error("Failed to write widget request audit row",
			zap.String("api_key_id", row.ApiKeyId),
			zap.String("action", row.Action),
			zap.String("outcome", row.Outcome),
			zap.Error(err))
	}
}

// Validate checks a key and reports the owner's balance. Nothing is debited
// or logged.
func (g *Gateway) Validate(ctx context.Context, apiKey string) (*KeyValidation, error) {
	key, err := g.keys.Resolve(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidApiKey) || errors.Is(err, ErrMissingApiKey) {
			return &KeyValidation{Valid: false}, nil
		}
		return nil, err
	}

	balance, err := g.balances.GetBalance(ctx, key.UserId)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return &KeyValidation{Valid: false}, nil
		}
		return nil, err
	}

	return &KeyValidation{
		Valid:            true,
		KeyName:          key.KeyName,
		Permissions:      key.Permissions,
		RemainingCredits: balance.Balance,
		Unlimited:        balance.Unlimited,
	}, nil
}

// Usage returns per-day request and credit counts for a user since the given time
func (g *Gateway) Usage(ctx context.Context, filter store.WidgetUsageFilter) ([]models.DailyUsage, error) {
	if filter.UserId == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	var usage []models.DailyUsage
	err := g.retry.do(ctx, "get_daily_usage", func() error {
		var err error
		usage, err = g.requests.GetDailyUsage(ctx, filter)
		return err
	})
	if err != nil {
		return nil, internalError("get_daily_usage", err)
	}
	return usage, nil
}

// truncate cuts s to at most max bytes without splitting a rune
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
