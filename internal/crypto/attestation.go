package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// attestationPrefix domain-separates rate attestations from any other message
// signed with the same key.
const attestationPrefix = "kestrel-rate-v1"

// OwnerKey wraps the engine owner's ECDSA key. It signs rate attestations and
// authorizes market lifecycle operations.
type OwnerKey struct {
	priv    *ecdsa.PrivateKey
	address common.Address
}

// NewOwnerKey parses a hex-encoded private key (with or without 0x prefix)
// as produced by LoadKey.
func NewOwnerKey(privateKeyHex string) (*OwnerKey, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	priv, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: parsing private key: %w", err)
	}
	return &OwnerKey{
		priv:    priv,
		address: ethcrypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// Address returns the account address derived from the key.
func (k *OwnerKey) Address() common.Address {
	return k.address
}

// RateAttestation is a signed oracle rate observation. External feeders push
// these to the engine; the engine only accepts updates whose recovered signer
// matches the configured oracle address.
type RateAttestation struct {
	Key       string          `json:"key"`
	Rate      decimal.Decimal `json:"rate"`
	Timestamp int64           `json:"timestamp"` // unix seconds
	Signature string          `json:"signature"` // hex, 65 bytes
}

// attestationHash computes the keccak256 digest a feeder signs. The rate is
// rendered with its exact decimal string so signer and verifier agree on the
// representation.
func attestationHash(key string, rate decimal.Decimal, timestamp int64) []byte {
	msg := attestationPrefix + "|" + key + "|" + rate.String() + "|" + strconv.FormatInt(timestamp, 10)
	return ethcrypto.Keccak256([]byte(msg))
}

// SignRate produces an attestation for the given observation.
func (k *OwnerKey) SignRate(key string, rate decimal.Decimal, timestamp int64) (RateAttestation, error) {
	hash := attestationHash(key, rate, timestamp)
	sig, err := ethcrypto.Sign(hash, k.priv)
	if err != nil {
		return RateAttestation{}, fmt.Errorf("crypto: signing rate attestation: %w", err)
	}
	return RateAttestation{
		Key:       key,
		Rate:      rate,
		Timestamp: timestamp,
		Signature: hex.EncodeToString(sig),
	}, nil
}

// RecoverSigner returns the address that produced the attestation's
// signature.
func RecoverSigner(att RateAttestation) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(att.Signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: decoding signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto: expected 65-byte signature, got %d bytes", len(sig))
	}

	// Normalise the recovery id: signatures from other tooling may carry
	// v in {27, 28} instead of {0, 1}.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	hash := attestationHash(att.Key, att.Rate, att.Timestamp)
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recovering signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyAttestation checks that the attestation was signed by the expected
// address.
func VerifyAttestation(att RateAttestation, expected common.Address) error {
	signer, err := RecoverSigner(att)
	if err != nil {
		return err
	}
	if signer != expected {
		return errors.New("crypto: attestation signer mismatch")
	}
	return nil
}
