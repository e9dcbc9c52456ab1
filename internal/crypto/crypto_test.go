package crypto

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// A throwaway key for test use only.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, testKeyHex, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
}

func TestEncryptKeyValidation(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	require.Error(t, err, "empty password")

	_, err = EncryptKey("not-hex", "pw")
	require.Error(t, err)

	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err, "key must be 32 bytes")
}

func TestLoadKeyRawPrecedence(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	require.Equal(t, testKeyHex, got)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err, "no source configured")
}

func TestRateAttestationRoundTrip(t *testing.T) {
	owner, err := NewOwnerKey(testKeyHex)
	require.NoError(t, err)

	att, err := owner.SignRate("sAUD", decimal.RequireFromString("100.25"), 1700000000)
	require.NoError(t, err)

	signer, err := RecoverSigner(att)
	require.NoError(t, err)
	require.Equal(t, owner.Address(), signer)

	require.NoError(t, VerifyAttestation(att, owner.Address()))

	// Tampering with any signed field must fail verification.
	tampered := att
	tampered.Rate = decimal.RequireFromString("101")
	require.Error(t, VerifyAttestation(tampered, owner.Address()))

	other, err := NewOwnerKey("8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f")
	require.NoError(t, err)
	require.Error(t, VerifyAttestation(att, other.Address()))
}

func TestAdminAuthVerify(t *testing.T) {
	auth := &AdminAuth{Key: "ops", Secret: "s3cret"}

	hdrs := auth.Headers("POST", "/admin/markets", `{"asset":"sAUD"}`)
	err := auth.Verify(
		hdrs[HeaderAdminKey],
		hdrs[HeaderAdminTimestamp],
		hdrs[HeaderAdminSignature],
		"POST", "/admin/markets", `{"asset":"sAUD"}`,
		time.Now(),
	)
	require.NoError(t, err)

	// Wrong body invalidates the signature.
	err = auth.Verify(
		hdrs[HeaderAdminKey],
		hdrs[HeaderAdminTimestamp],
		hdrs[HeaderAdminSignature],
		"POST", "/admin/markets", `{"asset":"sETH"}`,
		time.Now(),
	)
	require.Error(t, err)

	// Stale timestamp is rejected even with a valid signature.
	err = auth.Verify(
		hdrs[HeaderAdminKey],
		hdrs[HeaderAdminTimestamp],
		hdrs[HeaderAdminSignature],
		"POST", "/admin/markets", `{"asset":"sAUD"}`,
		time.Now().Add(time.Minute),
	)
	require.Error(t, err)

	err = auth.Verify("other", hdrs[HeaderAdminTimestamp], hdrs[HeaderAdminSignature],
		"POST", "/admin/markets", `{"asset":"sAUD"}`, time.Now())
	require.Error(t, err)
}
