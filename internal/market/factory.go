package market

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// Factory constructs Market instances from a fixed template. The on-chain
// mastercopy/clone indirection collapses to plain construction here; the
// factory's job is deterministic address derivation and parameter stamping.
type Factory struct {
	nonce atomic.Uint64
}

// NewFactory creates a Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// DeriveAddress computes the deterministic address for a market created by
// owner with the given parameters and creation nonce: the low 20 bytes of
// keccak256(owner ‖ oracleKey ‖ strike ‖ maturity ‖ nonce).
func DeriveAddress(owner domain.Address, oracleKey string, strike decimal.Decimal, maturity time.Time, nonce uint64) domain.Address {
	var buf []byte
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, []byte(oracleKey)...)
	buf = append(buf, []byte(strike.String())...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(maturity.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, nonce)

	hash := ethcrypto.Keccak256(buf)
	var addr domain.Address
	copy(addr[:], hash[12:])
	return addr
}

// CreateMarket builds a new Market owned by the given manager. The registrar
// is the manager's collateral-callback surface.
func (f *Factory) CreateMarket(owner domain.Address, registrar Registrar, oracleKey string, strike decimal.Decimal, maturity, expiry time.Time, creator domain.Address, now time.Time) *Market {
	nonce := f.nonce.Add(1)
	p := Params{
		Address:      DeriveAddress(owner, oracleKey, strike, maturity, nonce),
		OracleKey:    oracleKey,
		StrikePrice:  strike,
		MaturityDate: maturity,
		ExpiryDate:   expiry,
		Creator:      creator,
		Owner:        owner,
	}
	return newMarket(p, registrar, now)
}
