package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

const (
	// slippage used to emulate a market close with an IOC limit order
	hyperliquidCloseSlippage = 0.05
	// userFillsByTime returns at most this many fills per call
	hyperliquidFillsPageSize = 2000
)

// HyperliquidGateway guards a Hyperliquid perp account.
// Daily PnL is closed PnL minus fees of the fills since the reset plus unrealized PnL,
// so transfers and restarts do not move it.
type HyperliquidGateway struct {
	ex          *hyperliquid.Exchange
	info        *hyperliquid.Info
	accountAddr string
	coin        string
}

// NewHyperliquidGateway creates a gateway. An empty coin watches every coin.
func NewHyperliquidGateway(ex *hyperliquid.Exchange, accountAddr, coin string) *HyperliquidGateway {
	return &HyperliquidGateway{
		ex:          ex,
		info:        ex.Info(),
		accountAddr: accountAddr,
		coin:        coin,
	}
}

func (g *HyperliquidGateway) GetDailyPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	total, err := g.realizedSince(ctx, since)
	if err != nil {
		return decimal.Zero, err
	}

	positions, err := g.ListOpenPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range positions {
		total = total.Add(p.Profit)
	}
	return total, nil
}

// realizedSince pages through fills by time. A page boundary may split fills that share
// a millisecond, so the next page starts at the last time seen and known trade ids are skipped.
func (g *HyperliquidGateway) realizedSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	start := since.UnixMilli()
	seen := make(map[int64]struct{})

	for {
		fills, err := g.info.UserFillsByTime(ctx, g.accountAddr, start, nil, nil)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "get user fills")
		}

		fresh := 0
		for _, f := range fills {
			if f.Time > start {
				start = f.Time
			}
			if _, ok := seen[f.Tid]; ok {
				continue
			}
			seen[f.Tid] = struct{}{}
			fresh++

			if g.coin != "" && !strings.EqualFold(f.Coin, g.coin) {
				continue
			}
			closed, err := parseHyperliquidAmount(f.ClosedPnl)
			if err != nil {
				return decimal.Zero, errors.Wrapf(err, "parse closed pnl of fill %d", f.Tid)
			}
			fee, err := parseHyperliquidAmount(f.Fee)
			if err != nil {
				return decimal.Zero, errors.Wrapf(err, "parse fee of fill %d", f.Tid)
			}
			total = total.Add(closed).Sub(fee)
		}

		if len(fills) < hyperliquidFillsPageSize || fresh == 0 {
			return total, nil
		}
	}
}

func parseHyperliquidAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func (g *HyperliquidGateway) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	st, err := g.info.UserState(ctx, g.accountAddr)
	if err != nil {
		return nil, errors.Wrap(err, "get user state")
	}

	var positions []domain.Position
	for _, ap := range st.AssetPositions {
		if g.coin != "" && !strings.EqualFold(ap.Position.Coin, g.coin) {
			continue
		}
		size, err := decimal.NewFromString(strings.TrimSpace(ap.Position.Szi))
		if err != nil || size.IsZero() {
			continue
		}
		profit, err := decimal.NewFromString(ap.Position.UnrealizedPnl)
		if err != nil {
			profit = decimal.Zero
		}
		side := domain.PositionSideLong
		if size.IsNegative() {
			side = domain.PositionSideShort
		}
		positions = append(positions, domain.Position{
			ID:     domain.PositionID(ap.Position.Coin),
			Symbol: ap.Position.Coin,
			Side:   side,
			Volume: size.Abs(),
			Profit: profit,
		})
	}
	return positions, nil
}

func (g *HyperliquidGateway) ClosePosition(ctx context.Context, id domain.PositionID) error {
	positions, err := g.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	var target *domain.Position
	for i := range positions {
		if positions[i].ID == id {
			target = &positions[i]
			break
		}
	}
	if target == nil {
		return ErrPositionNotFound
	}

	// long closes with a sell, short with a buy
	isBuy := target.Side == domain.PositionSideShort
	px, err := g.ex.SlippagePrice(ctx, target.Symbol, isBuy, hyperliquidCloseSlippage, nil)
	if err != nil {
		return errors.Wrap(err, "slippage price")
	}
	size, _ := target.Volume.Round(8).Float64()

	req := hyperliquid.CreateOrderRequest{
		Coin:       target.Symbol,
		IsBuy:      isBuy,
		Price:      px,
		Size:       size,
		ReduceOnly: true,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
		},
	}
	if _, err := g.ex.Order(ctx, req, nil); err != nil {
		return errors.Wrapf(err, "failed to close hyperliquid position %s", id)
	}
	return nil
}

func (g *HyperliquidGateway) IsConnected(ctx context.Context) bool {
	_, err := g.info.UserState(ctx, g.accountAddr)
	return err == nil
}
