package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnlimitedBalance is the balance sentinel for accounts that are never debited below zero.
const UnlimitedBalance int64 = -1

// Credit transaction types
const (
	TransactionTypePurchase = "purchase"
	TransactionTypeDebit    = "debit"
	TransactionTypeRefund   = "refund"
)

// User represents a wallet-identified user in the system
type User struct {
	Id            string     `db:"id" json:"id"`
	WalletAddress string     `db:"wallet_address" json:"wallet_address"`
	PlanTier      string     `db:"plan_tier" json:"plan_tier"`
	Active        bool       `db:"active" json:"active"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	LastLoginAt   *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
}

// AccountBalance represents current balance state (hot data)
type AccountBalance struct {
	UserId            string    `db:"user_id"`
	Balance           int64     `db:"balance"`
	LastTransactionId string    `db:"last_transaction_id"`
	Version           int64     `db:"version"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// IsUnlimited reports whether the balance carries the unlimited sentinel
func (b AccountBalance) IsUnlimited() bool {
	return b.Balance == UnlimitedBalance
}

// CreditTransaction is an immutable ledger entry. Amount is always positive;
// the sign is implied by Type.
type CreditTransaction struct {
	Id            string     `db:"id" json:"id"`
	UserId        string     `db:"user_id" json:"user_id"`
	Type          string     `db:"type" json:"type"`
	Amount        int64      `db:"amount" json:"amount"`
	BalanceBefore int64      `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64      `db:"balance_after" json:"balance_after"`
	TxHash        string     `db:"tx_hash" json:"tx_hash,omitempty"`
	OperationTag  string     `db:"operation_tag" json:"operation_tag,omitempty"`
	Description   string     `db:"description" json:"description"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	MirroredAt    *time.Time `db:"mirrored_at" json:"mirrored_at,omitempty"`
}

// SignedAmount returns the amount with the sign implied by the transaction type
func (t CreditTransaction) SignedAmount() int64 {
	if t.Type == TransactionTypeDebit {
		return -t.Amount
	}
	return t.Amount
}

// ApiKey is a widget integration credential. The raw key value is never stored.
type ApiKey struct {
	Id          string     `db:"id"`
	UserId      string     `db:"user_id"`
	Name        string     `db:"name"`
	KeyHash     string     `db:"key_hash"`
	KeyPrefix   string     `db:"key_prefix"`
	KeySuffix   string     `db:"key_suffix"`
	Permissions []string   `db:"permissions"`
	RateLimit   int        `db:"rate_limit"`
	Active      bool       `db:"active"`
	RevokedAt   *time.Time `db:"revoked_at"`
	UsageCount  int64      `db:"usage_count"`
	LastUsedAt  *time.Time `db:"last_used_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// Masked returns the display form of the key, e.g. "wk_AbCdE...wxyz"
func (k ApiKey) Masked() string {
	return k.KeyPrefix + "..." + k.KeySuffix
}

// IsRevoked reports whether the key was permanently revoked
func (k ApiKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// CreditPackage is a purchasable bundle of credits
type CreditPackage struct {
	Id        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Credits   int64           `db:"credits" json:"credits"`
	PriceUsdt decimal.Decimal `db:"price_usdt" json:"price_usdt"`
	Active    bool            `db:"active" json:"active"`
	CreatedAt time.Time       `db:"created_at" json:"-"`
	UpdatedAt time.Time       `db:"updated_at" json:"-"`
}

// Purchase is one USDT payment converted (or about to be converted) into credits
type Purchase struct {
	Id                  string          `db:"id"`
	ChainPurchaseId     string          `db:"chain_purchase_id"`
	BuyerAddress        string          `db:"buyer_address"`
	UserId              string          `db:"user_id"`
	PackageId           int64           `db:"package_id"`
	UsdtAmount          decimal.Decimal `db:"usdt_amount"`
	CommissionUsdt      decimal.Decimal `db:"commission_usdt"`
	OperationTag        string          `db:"operation_tag"`
	TxHash              string          `db:"tx_hash"`
	LogIndex            uint            `db:"log_index"`
	Source              string          `db:"source"`
	Processed           bool            `db:"processed"`
	CreditTransactionId string          `db:"credit_transaction_id"`
	CreatedAt           time.Time       `db:"created_at"`
	ProcessedAt         *time.Time      `db:"processed_at"`
}

// WidgetRequest is one audit row written by the metering gateway
type WidgetRequest struct {
	Id           string    `db:"id"`
	ApiKeyId     string    `db:"api_key_id"`
	UserId       string    `db:"user_id"`
	Action       string    `db:"action"`
	CreditsUsed  int64     `db:"credits_used"`
	Outcome      string    `db:"outcome"`
	Reason       string    `db:"reason"`
	FinalState   string    `db:"final_state"`
	BalanceAfter int64     `db:"balance_after"`
	LatencyMs    int64     `db:"latency_ms"`
	IpAddress    string    `db:"ip_address"`
	UserAgent    string    `db:"user_agent"`
	RequestData  string    `db:"request_data"`
	CreatedAt    time.Time `db:"created_at"`
}

// DailyUsage aggregates widget requests and credit usage for one day
type DailyUsage struct {
	Date               string `json:"date"`
	Requests           int64  `json:"requests"`
	SuccessfulRequests int64  `json:"successful_requests"`
	CreditsUsed        int64  `json:"credits_used"`
}
