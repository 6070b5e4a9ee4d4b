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

package database

const (
	// User queries
	userColumns = `id, wallet_address, plan_tier, active, created_at, updated_at, last_login_at`

	queryGetActiveUsers = `
		SELECT ` + userColumns + `
		FROM users
		WHERE active = 1
		ORDER BY created_at`

	queryInsertUser = `
		INSERT INTO users (id, wallet_address, plan_tier, active, created_at, updated_at)
		VALUES (?, ?, 'standard', 1, ?, ?)
		ON CONFLICT(wallet_address) DO NOTHING`

	queryGetUserById = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = ?`

	queryGetUserByWallet = `
		SELECT ` + userColumns + `
		FROM users
		WHERE wallet_address = ?`

	queryUpdateLastLogin = `
		UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`

	queryUpdateUserActive = `
		UPDATE users SET active = ?, updated_at = ? WHERE id = ?`

	queryUpdateUserPlanTier = `
		UPDATE users SET plan_tier = ?, updated_at = ? WHERE id = ?`

	queryUserExists = `
		SELECT 1 FROM users WHERE id = ?`

	// Balance queries
	queryGetAccountBalance = `
		SELECT balance, COALESCE(last_transaction_id, ''), version, updated_at
		FROM account_balances
		WHERE user_id = ?`

	queryInsertAccountBalance = `
		INSERT INTO account_balances (user_id, balance, version, updated_at)
		VALUES (?, ?, ?, ?)`

	queryUpdateAccountBalance = `
		UPDATE account_balances
		SET balance = ?, last_transaction_id = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`

	queryOverwriteAccountBalance = `
		UPDATE account_balances
		SET balance = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`

	// Credit transaction queries
	creditTransactionColumns = `id, user_id, type, amount, balance_before, balance_after,
		COALESCE(tx_hash, ''), COALESCE(operation_tag, ''), description, created_at, mirrored_at`

	queryCheckDuplicateTransaction = `
		SELECT id FROM credit_transactions
		WHERE operation_tag = ? AND type = ?`

	queryInsertCreditTransaction = `
		INSERT INTO credit_transactions
			(id, user_id, type, amount, balance_before, balance_after, tx_hash, operation_tag, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`

	queryGetCreditTransactionById = `
		SELECT ` + creditTransactionColumns + `
		FROM credit_transactions
		WHERE id = ?`

	queryGetCreditHistory = `
		SELECT ` + creditTransactionColumns + `
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	queryCountCreditTransactions = `
		SELECT COUNT(*) FROM credit_transactions WHERE user_id = ?`

	querySumCredits = `
		SELECT COALESCE(SUM(CASE WHEN type = 'debit' THEN -amount ELSE amount END), 0)
		FROM credit_transactions
		WHERE user_id = ?`

	queryGetUnmirroredTransactions = `
		SELECT ` + creditTransactionColumns + `
		FROM credit_transactions
		WHERE mirrored_at IS NULL
		ORDER BY rowid
		LIMIT ?`

	queryMarkTransactionMirrored = `
		UPDATE credit_transactions SET mirrored_at = ? WHERE id = ? AND mirrored_at IS NULL`

	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, transaction_id, account_type, account_id, debit_amount, credit_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	// API key queries
	apiKeyColumns = `id, user_id, name, key_hash, key_prefix, key_suffix, permissions, rate_limit,
		active, revoked_at, usage_count, last_used_at, created_at, updated_at`

	queryInsertApiKey = `
		INSERT INTO api_keys
			(id, user_id, name, key_hash, key_prefix, key_suffix, permissions, rate_limit, active, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`

	queryGetApiKeyByHash = `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE key_hash = ?`

	queryGetApiKeyById = `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE id = ?`

	queryListApiKeys = `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC`

	queryRevokeApiKey = `
		UPDATE api_keys
		SET active = 0, revoked_at = COALESCE(revoked_at, ?), updated_at = ?
		WHERE id = ? AND user_id = ?`

	queryToggleApiKey = `
		UPDATE api_keys
		SET active = NOT active, updated_at = ?
		WHERE id = ? AND user_id = ? AND revoked_at IS NULL`

	queryIncrementApiKeyUsage = `
		UPDATE api_keys
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ?`

	// Credit package queries
	packageColumns = `id, name, credits, price_usdt, active, created_at, updated_at`

	queryUpsertPackage = `
		INSERT INTO credit_packages (id, name, credits, price_usdt, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			credits = excluded.credits,
			price_usdt = excluded.price_usdt,
			active = excluded.active,
			updated_at = excluded.updated_at`

	queryGetPackage = `
		SELECT ` + packageColumns + `
		FROM credit_packages
		WHERE id = ?`

	queryGetPackageByName = `
		SELECT ` + packageColumns + `
		FROM credit_packages
		WHERE name = ?`

	queryListPackages = `
		SELECT ` + packageColumns + `
		FROM credit_packages
		ORDER BY id`

	queryListActivePackages = `
		SELECT ` + packageColumns + `
		FROM credit_packages
		WHERE active = 1
		ORDER BY id`

	// Purchase queries
	purchaseColumns = `id, COALESCE(chain_purchase_id, ''), buyer_address, user_id, package_id, usdt_amount,
		commission_usdt, operation_tag, COALESCE(tx_hash, ''), log_index, source, processed,
		COALESCE(credit_transaction_id, ''), created_at, processed_at`

	queryInsertPurchase = `
		INSERT INTO purchases
			(id, chain_purchase_id, buyer_address, user_id, package_id, usdt_amount, commission_usdt,
			 operation_tag, tx_hash, log_index, source, processed, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, 0, ?)`

	queryGetPurchaseById = `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE id = ?`

	queryGetPurchaseByTag = `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE operation_tag = ?`

	queryGetPurchaseByTxLog = `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE tx_hash = ? AND log_index = ?`

	queryMarkPurchaseProcessed = `
		UPDATE purchases
		SET processed = 1, processed_at = ?
		WHERE id = ? AND processed = 0`

	queryLinkPurchaseTransaction = `
		UPDATE purchases
		SET credit_transaction_id = ?
		WHERE id = ? AND credit_transaction_id IS NULL`

	queryListUnsettledPurchases = `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE processed = 0 AND created_at < ?
		ORDER BY created_at`

	queryListOrphanedPurchases = `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE processed = 1 AND credit_transaction_id IS NULL
		ORDER BY created_at`

	// Widget request queries
	queryInsertWidgetRequest = `
		INSERT INTO widget_requests
			(id, api_key_id, user_id, action, credits_used, outcome, reason, final_state,
			 balance_after, latency_ms, ip_address, user_agent, request_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryDailyUsage = `
		SELECT substr(created_at, 1, 10) AS day,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'ALLOWED' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(credits_used), 0)
		FROM widget_requests
		WHERE user_id = ? AND created_at >= ?`

	queryDailyUsageGroup = `
		GROUP BY day
		ORDER BY day DESC`

	// Listener cursor queries
	queryGetCursor = `
		SELECT position FROM listener_cursors WHERE source = ?`

	queryUpsertCursor = `
		INSERT INTO listener_cursors (source, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`
)
