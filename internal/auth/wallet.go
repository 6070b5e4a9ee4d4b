// Package auth verifies wallet logins and issues session tokens.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	issuedAtPrefix = "Issued At:"
	maxClockSkew   = time.Minute
)

var (
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature does not match wallet")
	ErrMessageExpired   = errors.New("login message expired")
	ErrMissingIssuedAt  = errors.New("login message has no Issued At line")
)

// NormalizeAddress validates a hex wallet address and returns its lowercase form
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) || !strings.HasPrefix(strings.ToLower(address), "0x") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// RecoverSigner returns the lowercase address that produced an EIP-191
// personal_sign signature over message
func RecoverSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}

	// Wallets emit v as 27/28; the recovery code must be 0/1
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// WalletVerifier checks signed login messages
type WalletVerifier struct {
	maxAge time.Duration
	now    func() time.Time
}

func NewWalletVerifier(maxAge time.Duration) *WalletVerifier {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &WalletVerifier{maxAge: maxAge, now: time.Now}
}

// Verify checks that message was signed by wallet and is fresh. It returns the
// normalized wallet address.
func (v *WalletVerifier) Verify(wallet, message, signature string) (string, error) {
	address, err := NormalizeAddress(wallet)
	if err != nil {
		return "", err
	}

	issuedAt, err := parseIssuedAt(message)
	if err != nil {
		return "", err
	}
	now := v.now()
	if issuedAt.After(now.Add(maxClockSkew)) || now.Sub(issuedAt) > v.maxAge {
		return "", fmt.Errorf("%w: issued at %s", ErrMessageExpired, issuedAt.Format(time.RFC3339))
	}

	signer, err := RecoverSigner(message, signature)
	if err != nil {
		return "", err
	}
	if signer != address {
		return "", ErrSignerMismatch
	}
	return address, nil
}

func parseIssuedAt(message string) (time.Time, error) {
	scanner := bufio.NewScanner(strings.NewReader(message))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, issuedAtPrefix) {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, issuedAtPrefix))
		issuedAt, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrMissingIssuedAt, err)
		}
		return issuedAt, nil
	}
	return time.Time{}, ErrMissingIssuedAt
}
