package formance

import (
	"context"
	"fmt"
	"strconv"

	"widget-credits-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"go.uber.org/zap"
)

// SyncUser writes the user's wallet and plan onto its Formance account
func (s *Service) SyncUser(ctx context.Context, user models.User) error {
	addr := userAccount(user.Id)
	zap.L().Debug("Syncing user metadata to Formance", zap.String("address", addr))

	_, err := s.client.Ledger.V2.AddMetadataToAccount(ctx, operations.V2AddMetadataToAccountRequest{
		Ledger:      s.ledger,
		Address:     addr,
		RequestBody: userMetadata(user),
	})
	if err != nil {
		return fmt.Errorf("failed to sync user account: %w", err)
	}
	return nil
}

func userMetadata(user models.User) map[string]string {
	return map[string]string{
		"entity_type":    "end_user",
		"wallet_address": user.WalletAddress,
		"plan_tier":      user.PlanTier,
		"active":         strconv.FormatBool(user.Active),
	}
}
