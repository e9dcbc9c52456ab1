package oracle

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRateStaleness(t *testing.T) {
	f := NewFeed(30*time.Minute, nil, slog.Default())
	now := time.Now()

	require.True(t, f.RateIsStale("sAUD", now), "unknown key is stale")

	f.UpdateRate(context.Background(), "sAUD", decimal.NewFromInt(100), now)
	require.False(t, f.RateIsStale("sAUD", now))
	require.False(t, f.RateIsStale("sAUD", now.Add(29*time.Minute)))
	require.True(t, f.RateIsStale("sAUD", now.Add(31*time.Minute)))

	rate := f.RateForCurrency("sAUD")
	require.True(t, rate.Rate.Equal(decimal.NewFromInt(100)))
}

func TestUpdateOverwrites(t *testing.T) {
	f := NewFeed(time.Hour, nil, slog.Default())
	now := time.Now()

	f.UpdateRate(context.Background(), "sETH", decimal.NewFromInt(2000), now)
	f.UpdateRate(context.Background(), "sETH", decimal.NewFromInt(2100), now.Add(time.Minute))

	rate := f.RateForCurrency("sETH")
	require.True(t, rate.Rate.Equal(decimal.NewFromInt(2100)))
	require.Equal(t, now.Add(time.Minute), rate.UpdatedAt)
}
