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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// GatewayState is a step of the metering state machine
type GatewayState string

const (
	StateReceived       GatewayState = "RECEIVED"
	StateKeyValidated   GatewayState = "KEY_VALIDATED"
	StatePriced         GatewayState = "PRICED"
	StateBalanceChecked GatewayState = "BALANCE_CHECKED"
	StateDebited        GatewayState = "DEBITED"
	StateRejected       GatewayState = "REJECTED"
	StateLogged         GatewayState = "LOGGED"
)

// DecisionOutcome discriminates the Decision variants
type DecisionOutcome string

const (
	DecisionAllowed DecisionOutcome = "ALLOWED"
	DecisionDenied  DecisionOutcome = "DENIED"
	DecisionError   DecisionOutcome = "ERROR"
)

// Denial reason codes, surfaced verbatim to callers
const (
	ReasonMissingApiKey       = "MISSING_API_KEY"
	ReasonInvalidApiKey       = "INVALID_API_KEY"
	ReasonInsufficientCredits = "INSUFFICIENT_CREDITS"
	ReasonActionUnsupported   = "ACTION_UNSUPPORTED"
	ReasonPermissionDenied    = "PERMISSION_DENIED"
	ReasonInternalError       = "INTERNAL_ERROR"
)

// Decision is the result of one metering authorization.
//
// Allowed: Cost and RemainingBalance are set.
// Denied: Reason is set; for INSUFFICIENT_CREDITS Required and Available carry the numbers.
// Error: Reason is INTERNAL_ERROR; nothing was debited.
type Decision struct {
	Outcome          DecisionOutcome `json:"outcome"`
	Reason           string          `json:"reason,omitempty"`
	Action           string          `json:"action"`
	Cost             int64           `json:"cost"`
	RemainingBalance int64           `json:"remaining_balance"`
	Unlimited        bool            `json:"unlimited,omitempty"`
	Required         int64           `json:"required,omitempty"`
	Available        int64           `json:"available,omitempty"`
	UserId           string          `json:"user_id,omitempty"`
	ApiKeyId         string          `json:"api_key_id,omitempty"`
	TransactionId    string          `json:"transaction_id,omitempty"`
	FinalState       GatewayState    `json:"final_state"`
}

// Allowed reports whether the call was debited and may proceed
func (d Decision) Allowed() bool {
	return d.Outcome == DecisionAllowed
}

// ReconcileOutcome discriminates the ReconcileResult variants
type ReconcileOutcome string

const (
	ReconcileSuccess          ReconcileOutcome = "SUCCESS"
	ReconcileAlreadyProcessed ReconcileOutcome = "ALREADY_PROCESSED"
	ReconcileInvalidPackage   ReconcileOutcome = "INVALID_PACKAGE"
	ReconcileTagConflict      ReconcileOutcome = "TAG_CONFLICT"
	ReconcileAmountMismatch   ReconcileOutcome = "AMOUNT_MISMATCH"
	ReconcileInvalidCandidate ReconcileOutcome = "INVALID_CANDIDATE"
	ReconcileError            ReconcileOutcome = "INTERNAL_ERROR"
)

// ReconcileResult represents the result of converting one purchase into credits
type ReconcileResult struct {
	Outcome       ReconcileOutcome `json:"outcome"`
	PurchaseId    string           `json:"purchase_id,omitempty"`
	UserId        string           `json:"user_id,omitempty"`
	CreditsAdded  int64            `json:"credits_added"`
	NewBalance    int64            `json:"new_balance"`
	TransactionId string           `json:"transaction_id,omitempty"`
	Message       string           `json:"message,omitempty"`
}

// Succeeded reports whether credits were granted by this call
func (r ReconcileResult) Succeeded() bool {
	return r.Outcome == ReconcileSuccess
}

// Done reports whether the candidate needs no further attempts
func (r ReconcileResult) Done() bool {
	return r.Outcome != ReconcileError
}

// PurchaseCandidate is an untrusted purchase observation from any feed
type PurchaseCandidate struct {
	ChainPurchaseId string          `json:"chain_purchase_id,omitempty"`
	BuyerAddress    string          `json:"buyer" validate:"required"`
	PackageId       int64           `json:"package_id" validate:"gt=0"`
	UsdtAmount      decimal.Decimal `json:"usdt_amount"`
	CommissionUsdt  *decimal.Decimal `json:"commission_usdt,omitempty"`
	OperationTag    string          `json:"operation_tag"`
	TxHash          string          `json:"tx_hash,omitempty"`
	LogIndex        uint            `json:"log_index"`
	Source          string          `json:"source"`
	ObservedAt      time.Time       `json:"observed_at"`
}

// ApiKeyView is the masked, displayable form of an API key
type ApiKeyView struct {
	Id          string     `json:"id"`
	Name        string     `json:"name"`
	Key         string     `json:"key"`
	Permissions []string   `json:"permissions"`
	RateLimit   int        `json:"rate_limit"`
	Active      bool       `json:"active"`
	Revoked     bool       `json:"revoked"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IssuedApiKey carries the full key value. It is returned exactly once.
type IssuedApiKey struct {
	ApiKeyView
	Secret string `json:"-"`
}

// ResolvedKey is what the registry returns for a valid key
type ResolvedKey struct {
	KeyId       string
	KeyName     string
	UserId      string
	Permissions []string
	RateLimit   int
	Active      bool
}

// Allows reports whether the key may perform the given action
func (k ResolvedKey) Allows(action string) bool {
	for _, p := range k.Permissions {
		if p == "*" || p == action {
			return true
		}
	}
	return false
}

// CreditBalance is a user's balance as shown to callers
type CreditBalance struct {
	UserId    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Unlimited bool   `json:"unlimited"`
}

// CreditHistoryPage is one page of a user's ledger, newest first
type CreditHistoryPage struct {
	Entries []CreditTransaction `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}
