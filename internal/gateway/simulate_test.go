package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sentinel/internal/domain"
	"github.com/vadiminshakov/sentinel/internal/storage/simstate"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestSimulateGateway_PnLAndClose(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	gw := NewSimulateGateway(zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()
	since := clock.now.Add(-time.Hour)

	first := gw.Open("BTCUSDT", domain.PositionSideLong, decimal.NewFromInt(1))
	second := gw.Open("ETHUSDT", domain.PositionSideShort, decimal.NewFromInt(2))
	require.NoError(t, gw.SetProfit(first.ID, decimal.NewFromInt(-300)))
	require.NoError(t, gw.SetProfit(second.ID, decimal.NewFromInt(-100)))

	pnl, err := gw.GetDailyPnL(ctx, since)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-400)), "got %s", pnl)

	positions, err := gw.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PositionID{first.ID, second.ID}, domain.PositionIDs(positions))

	// closing books the floating loss as realized, daily pnl is unchanged
	require.NoError(t, gw.ClosePosition(ctx, first.ID))
	pnl, err = gw.GetDailyPnL(ctx, since)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-400)), "got %s", pnl)

	// realized pnl before the reset moment does not count
	pnl, err = gw.GetDailyPnL(ctx, clock.now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-100)), "got %s", pnl)

	err = gw.ClosePosition(ctx, first.ID)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.True(t, IsAlreadyClosed(err))
}

func TestSimulateGateway_SymbolFilter(t *testing.T) {
	gw := NewSimulateGateway(zap.NewNop(), WithSymbolFilter("XAUUSD"))
	ctx := context.Background()

	gold := gw.Open("XAUUSD", domain.PositionSideLong, decimal.NewFromInt(1))
	btc := gw.Open("BTCUSDT", domain.PositionSideLong, decimal.NewFromInt(1))
	require.NoError(t, gw.SetProfit(gold.ID, decimal.NewFromInt(-10)))
	require.NoError(t, gw.SetProfit(btc.ID, decimal.NewFromInt(-1000)))

	positions, err := gw.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PositionID{gold.ID}, domain.PositionIDs(positions))

	pnl, err := gw.GetDailyPnL(ctx, time.Time{})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-10)))
}

func TestSimulateGateway_FailuresAndConnectivity(t *testing.T) {
	gw := NewSimulateGateway(nil)
	ctx := context.Background()
	pos := gw.Open("BTCUSDT", domain.PositionSideLong, decimal.NewFromInt(1))

	boom := errors.New("requote")
	gw.FailNextClose(pos.ID, boom)
	assert.ErrorIs(t, gw.ClosePosition(ctx, pos.ID), boom)
	assert.NoError(t, gw.ClosePosition(ctx, pos.ID))

	gw.SetConnected(false)
	assert.False(t, gw.IsConnected(ctx))
	_, err := gw.ListOpenPositions(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
	_, err = gw.GetDailyPnL(ctx, time.Time{})
	assert.ErrorIs(t, err, ErrDisconnected)

	gw.SetConnected(true)
	assert.True(t, gw.IsConnected(ctx))
}

func TestSimulateGateway_PersistsState(t *testing.T) {
	dir := t.TempDir()
	store, err := simstate.NewStore(dir, "account")
	require.NoError(t, err)

	gw := NewSimulateGateway(zap.NewNop(), WithStateStore(store))
	pos := gw.Open("BTCUSDT", domain.PositionSideShort, decimal.RequireFromString("0.5"))
	require.NoError(t, gw.SetProfit(pos.ID, decimal.NewFromInt(-25)))
	gw.Realize(decimal.NewFromInt(-75))

	restored := NewSimulateGateway(zap.NewNop(), WithStateStore(store))
	positions, err := restored.ListOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, pos.ID, positions[0].ID)
	assert.True(t, positions[0].Volume.Equal(decimal.RequireFromString("0.5")))

	pnl, err := restored.GetDailyPnL(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-100)), "got %s", pnl)

	// ids keep increasing after restart
	next := restored.Open("BTCUSDT", domain.PositionSideLong, decimal.NewFromInt(1))
	assert.NotEqual(t, pos.ID, next.ID)
}
