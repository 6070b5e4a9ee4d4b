package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signMessage(t *testing.T, message string) (wallet, signature string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	return crypto.PubkeyToAddress(key.PublicKey).Hex(), hexutil.Encode(sig)
}

func loginMessage(issuedAt time.Time) string {
	return "Sign in to Widget Credits\nIssued At: " + issuedAt.UTC().Format(time.RFC3339)
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(" 0xAbCdEf0123456789abcdef0123456789ABCDEF01 ")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", got)

	for _, bad := range []string{"", "0x123", "abcdef0123456789abcdef0123456789abcdef01", "0xzzcdef0123456789abcdef0123456789abcdef01"} {
		_, err := NormalizeAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestVerifyWalletSignature(t *testing.T) {
	verifier := NewWalletVerifier(5 * time.Minute)
	message := loginMessage(time.Now())
	wallet, signature := signMessage(t, message)

	address, err := verifier.Verify(wallet, message, signature)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(wallet), address)
}

func TestVerifyRejectsOtherSigner(t *testing.T) {
	verifier := NewWalletVerifier(5 * time.Minute)
	message := loginMessage(time.Now())
	_, signature := signMessage(t, message)
	otherWallet, _ := signMessage(t, message)

	_, err := verifier.Verify(otherWallet, message, signature)
	assert.ErrorIs(t, err, ErrSignerMismatch)
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	verifier := NewWalletVerifier(5 * time.Minute)
	message := loginMessage(time.Now())
	wallet, signature := signMessage(t, message)

	_, err := verifier.Verify(wallet, message+"\nextra", signature)
	assert.ErrorIs(t, err, ErrSignerMismatch)
}

func TestVerifyMessageAge(t *testing.T) {
	verifier := NewWalletVerifier(5 * time.Minute)

	stale := loginMessage(time.Now().Add(-10 * time.Minute))
	wallet, signature := signMessage(t, stale)
	_, err := verifier.Verify(wallet, stale, signature)
	assert.ErrorIs(t, err, ErrMessageExpired)

	future := loginMessage(time.Now().Add(10 * time.Minute))
	wallet, signature = signMessage(t, future)
	_, err = verifier.Verify(wallet, future, signature)
	assert.ErrorIs(t, err, ErrMessageExpired)

	noDate := "Sign in to Widget Credits"
	wallet, signature = signMessage(t, noDate)
	_, err = verifier.Verify(wallet, noDate, signature)
	assert.ErrorIs(t, err, ErrMissingIssuedAt)
}

func TestRecoverSignerBadInput(t *testing.T) {
	_, err := RecoverSigner("hello", "not-hex")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = RecoverSigner("hello", "0x1234")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(strings.Repeat("s", 32), "widget-credits", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := issuer.Issue("user-1", "0xabc")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "0xabc", claims.Wallet)
}

func TestSessionTokenRejected(t *testing.T) {
	issuer, err := NewTokenIssuer(strings.Repeat("s", 32), "widget-credits", time.Hour)
	require.NoError(t, err)
	other, err := NewTokenIssuer(strings.Repeat("o", 32), "widget-credits", time.Hour)
	require.NoError(t, err)

	token, _, err := other.Issue("user-1", "0xabc")
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewTokenIssuer(strings.Repeat("s", 32), "widget-credits", time.Hour)
	require.NoError(t, err)
	expired.ttl = -time.Minute
	token, _, err = expired.Issue("user-1", "0xabc")
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	assert.True(t, errors.Is(err, ErrTokenExpired))

	_, err = NewTokenIssuer("short", "widget-credits", time.Hour)
	assert.Error(t, err)
}
