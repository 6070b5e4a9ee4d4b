package store

import (
	"errors"
	"fmt"
	"testing"
)

// Compile-time checks that the interfaces are importable and usable.
func TestStoreInterfacesExist(t *testing.T) {
	_ = ErrDuplicateTransaction
	_ = ErrConcurrentModification
	_ = ErrUserNotFound
	_ = CreditTransactionParams{}

	var _ Store
	var _ LedgerStore
	var _ PurchaseStore
}

func TestInsufficientCreditsError(t *testing.T) {
	var err error = &InsufficientCreditsError{Required: 3, Available: 1}
	wrapped := fmt.Errorf("debit failed: %w", err)

	if !errors.Is(wrapped, ErrInsufficientCredits) {
		t.Fatalf("Expected wrapped error to match ErrInsufficientCredits")
	}

	var ice *InsufficientCreditsError
	if !errors.As(wrapped, &ice) {
		t.Fatalf("Expected errors.As to find InsufficientCreditsError")
	}
	if ice.Required != 3 || ice.Available != 1 {
		t.Errorf("Expected required=3 available=1, got required=%d available=%d", ice.Required, ice.Available)
	}
	if err.Error() != "insufficient credits: required 3, available 1" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
