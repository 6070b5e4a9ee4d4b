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
	"math/big"
	"time"
)

// Purchase sources
const (
	SourceSaleContract = "sale_contract"
	SourcePrimeDeposit = "prime_deposit"
	SourceHTTP         = "http"
	SourceOperator     = "operator"
)

// PrimeTransferInfo represents the transfer_from structure from Prime API
type PrimeTransferInfo struct {
	Type    string `json:"type"`
	Value   string `json:"value"`
	Address string `json:"address"`
}

// PrimeTransaction represents a wallet transaction from Prime API
type PrimeTransaction struct {
	Id             string            `json:"id"`
	WalletId       string            `json:"wallet_id"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	Symbol         string            `json:"symbol"`
	Amount         string            `json:"amount"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    time.Time         `json:"completed_at"`
	TransferFrom   PrimeTransferInfo `json:"transfer_from"`
	TransactionId  string            `json:"transaction_id"`
	Network        string            `json:"network"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// PurchaseCreatedEvent is a decoded PurchaseCreated log from the sale contract
type PurchaseCreatedEvent struct {
	PurchaseId   *big.Int
	Buyer        string
	PackageId    *big.Int
	Amount       *big.Int
	Commission   *big.Int
	OperationTag string
	TxHash       string
	BlockNumber  uint64
	LogIndex     uint
}

// PurchaseBatch is one fetch from a purchase source. Cursor is opaque to the
// listener and handed back to Advance once every candidate is settled.
type PurchaseBatch struct {
	Candidates []PurchaseCandidate
	Cursor     uint64
}
