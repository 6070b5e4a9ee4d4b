package formance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"widget-credits-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Numscript templates, one per credit transaction type. Metadata is set inside
// the script via set_tx_meta() so the Formance transaction is self-describing.
// ---------------------------------------------------------------------------

const numscriptPurchase = `vars {
  monetary $credits
  account $user_id
  string $operation_tag
  string $tx_hash
  string $description
}

send $credits (
  source = @world
  destination = @users:$user_id
)

set_tx_meta("event_type", "credit_purchase")
set_tx_meta("operation_tag", $operation_tag)
set_tx_meta("tx_hash", $tx_hash)
set_tx_meta("description", $description)
`

const numscriptDebit = `vars {
  monetary $credits
  account $user_id
  string $operation_tag
  string $description
}

send $credits (
  source = @users:$user_id allowing unbounded overdraft
  destination = @platform:revenue
)

set_tx_meta("event_type", "credit_debit")
set_tx_meta("operation_tag", $operation_tag)
set_tx_meta("description", $description)
`

const numscriptRefund = `vars {
  monetary $credits
  account $user_id
  string $operation_tag
  string $description
}

send $credits (
  source = @platform:revenue allowing unbounded overdraft
  destination = @users:$user_id
)

set_tx_meta("event_type", "credit_refund")
set_tx_meta("operation_tag", $operation_tag)
set_tx_meta("description", $description)
`

// MirrorStore is the part of the credit store the mirror job reads and marks
type MirrorStore interface {
	GetUnmirroredTransactions(ctx context.Context, limit int) ([]models.CreditTransaction, error)
	MarkTransactionMirrored(ctx context.Context, transactionId string) error
	GetUserById(ctx context.Context, userId string) (*models.User, error)
}

// MirrorTransaction posts one credit transaction. The transaction id is the
// Formance reference, so a CONFLICT means it was already mirrored.
func (s *Service) MirrorTransaction(ctx context.Context, tx models.CreditTransaction) error {
	postTx, err := buildPostTransaction(tx)
	if err != nil {
		return err
	}

	_, err = s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Info("Credit transaction already mirrored",
				zap.String("transaction_id", tx.Id))
			return nil
		}
		return fmt.Errorf("error mirroring credit transaction %s: %w", tx.Id, err)
	}

	zap.L().Debug("Credit transaction mirrored to Formance",
		zap.String("transaction_id", tx.Id),
		zap.String("user_id", tx.UserId),
		zap.String("type", tx.Type),
		zap.Int64("amount", tx.Amount))
	return nil
}

// MirrorPending exports up to batch un-mirrored transactions, oldest first,
// and stops at the first failure so ordering is preserved. New users seen in
// the batch get their account metadata synced.
func (s *Service) MirrorPending(ctx context.Context, st MirrorStore, batch int) (int, error) {
	transactions, err := st.GetUnmirroredTransactions(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list unmirrored transactions: %w", err)
	}

	mirrored := 0
	synced := make(map[string]bool)
	for _, tx := range transactions {
		if err := s.MirrorTransaction(ctx, tx); err != nil {
			return mirrored, err
		}
		if err := st.MarkTransactionMirrored(ctx, tx.Id); err != nil {
			return mirrored, fmt.Errorf("failed to mark transaction mirrored: %w", err)
		}
		mirrored++

		if tx.Type == models.TransactionTypePurchase && !synced[tx.UserId] {
			synced[tx.UserId] = true
			user, err := st.GetUserById(ctx, tx.UserId)
			if err != nil {
				zap.L().Warn("Failed to load user for metadata sync",
					zap.String("user_id", tx.UserId), zap.Error(err))
				continue
			}
			if err := s.SyncUser(ctx, *user); err != nil {
				zap.L().Warn("Failed to sync user metadata", zap.String("user_id", tx.UserId), zap.Error(err))
			}
		}
	}

	if mirrored > 0 {
		zap.L().Info("Mirrored credit transactions to Formance", zap.Int("count", mirrored))
	}
	return mirrored, nil
}

// buildPostTransaction renders the Numscript for a credit transaction
func buildPostTransaction(tx models.CreditTransaction) (shared.V2PostTransaction, error) {
	if tx.Amount <= 0 {
		return shared.V2PostTransaction{}, fmt.Errorf("credit transaction %s has non-positive amount %d", tx.Id, tx.Amount)
	}

	vars := map[string]string{
		"credits":       creditAsset + " " + strconv.FormatInt(tx.Amount, 10),
		"user_id":       tx.UserId,
		"operation_tag": tx.OperationTag,
		"description":   tx.Description,
	}

	var plain string
	switch tx.Type {
	case models.TransactionTypePurchase:
		plain = numscriptPurchase
		vars["tx_hash"] = tx.TxHash
	case models.TransactionTypeDebit:
		plain = numscriptDebit
	case models.TransactionTypeRefund:
		plain = numscriptRefund
	default:
		return shared.V2PostTransaction{}, fmt.Errorf("unknown credit transaction type %q", tx.Type)
	}

	timestamp := tx.CreatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	return shared.V2PostTransaction{
		Reference: strPtr(tx.Id),
		Timestamp: &timestamp,
		Script: &shared.V2PostTransactionScript{
			Plain: plain,
			Vars:  vars,
		},
	}, nil
}

func strPtr(s string) *string { return &s }
