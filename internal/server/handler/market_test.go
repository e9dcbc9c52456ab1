package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

type fakeMarketStore struct {
	snaps map[domain.Address]domain.MarketSnapshot
}

func (f *fakeMarketStore) GetByAddress(_ context.Context, addr domain.Address) (domain.MarketSnapshot, error) {
	snap, ok := f.snaps[addr]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeMarketStore) ListByPhase(_ context.Context, phase domain.MarketPhase, _ domain.ListOpts) ([]domain.MarketSnapshot, error) {
	var out []domain.MarketSnapshot
	for _, snap := range f.snaps {
		if snap.Phase == phase {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (f *fakeMarketStore) Count(_ context.Context) (int64, error) {
	return int64(len(f.snaps)), nil
}

func testSnapshot(addr domain.Address, phase domain.MarketPhase) domain.MarketSnapshot {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return domain.MarketSnapshot{
		Address:      addr,
		OracleKey:    "ETH",
		StrikePrice:  decimal.NewFromInt(3000),
		MaturityDate: now.Add(24 * time.Hour),
		ExpiryDate:   now.Add(48 * time.Hour),
		Creator:      common.HexToAddress("0xabc0000000000000000000000000000000000001"),
		Deposited:    decimal.NewFromInt(5000),
		LongSupply:   decimal.NewFromInt(5000),
		ShortSupply:  decimal.NewFromInt(5000),
		Result:       domain.Unresolved,
		Phase:        phase,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newMarketTestHandler(store *fakeMarketStore) *MarketHandler {
	return NewMarketHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestListMarketsByPhase(t *testing.T) {
	trading := common.HexToAddress("0x0000000000000000000000000000000000000010")
	matured := common.HexToAddress("0x0000000000000000000000000000000000000020")
	store := &fakeMarketStore{snaps: map[domain.Address]domain.MarketSnapshot{
		trading: testSnapshot(trading, domain.Trading),
		matured: testSnapshot(matured, domain.Maturity),
	}}
	h := newMarketTestHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/api/markets?phase=maturity", nil)
	rec := httptest.NewRecorder()
	h.ListMarkets(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp listMarketsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Markets, 1)
	require.Equal(t, matured.Hex(), resp.Markets[0].Address)
	require.Equal(t, int64(2), resp.Total)
}

func TestListMarketsRejectsUnknownPhase(t *testing.T) {
	h := newMarketTestHandler(&fakeMarketStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/markets?phase=limbo", nil)
	rec := httptest.NewRecorder()
	h.ListMarkets(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMarket(t *testing.T) {
	addr := common.HexToAddress("0x0000000000000000000000000000000000000030")
	store := &fakeMarketStore{snaps: map[domain.Address]domain.MarketSnapshot{
		addr: testSnapshot(addr, domain.Trading),
	}}
	h := newMarketTestHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/api/markets/"+addr.Hex(), nil)
	req.SetPathValue("address", addr.Hex())
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view marketView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, addr.Hex(), view.Address)
	require.Equal(t, "ETH", view.OracleKey)
	require.Equal(t, "unresolved", view.Result)
}

func TestGetMarketNotFound(t *testing.T) {
	h := newMarketTestHandler(&fakeMarketStore{})

	addr := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	req := httptest.NewRequest(http.MethodGet, "/api/markets/"+addr.Hex(), nil)
	req.SetPathValue("address", addr.Hex())
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMarketBadAddress(t *testing.T) {
	h := newMarketTestHandler(&fakeMarketStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/markets/nonsense", nil)
	req.SetPathValue("address", "nonsense")
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
