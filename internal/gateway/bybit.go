package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

const (
	bybitSettleCoin = "USDT"
	// largest page the v5 closed-pnl endpoint serves
	bybitClosedPnLPageSize = 100
	bybitPositionPageSize  = 200
)

// retCodes that no retry can fix
var bybitRejectCodes = map[int]struct{}{
	10003: {}, // invalid api key
	10004: {}, // signature error
	10005: {}, // permission denied
	10010: {}, // ip not whitelisted
}

// reduce-only order rejected because the position is already flat
const bybitReduceOnlyRejected = 110017

// BybitGateway guards a Bybit unified linear (USDT perpetual) account in one-way mode.
type BybitGateway struct {
	client *bybit.Client
	symbol string
}

// NewBybitGateway creates a gateway. An empty symbol watches every USDT-settled symbol.
func NewBybitGateway(client *bybit.Client, symbol string) *BybitGateway {
	return &BybitGateway{client: client, symbol: symbol}
}

func (g *BybitGateway) GetDailyPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	start := since.UnixMilli()
	limit := bybitClosedPnLPageSize
	param := bybit.V5GetClosedPnLParam{
		Category:  bybit.CategoryV5Linear,
		StartTime: &start,
		Limit:     &limit,
	}
	if g.symbol != "" {
		symbol := bybit.SymbolV5(g.symbol)
		param.Symbol = &symbol
	}

	total := decimal.Zero
	for {
		res, err := callWithContext(ctx, func() (*bybit.V5GetClosedPnLResponse, error) {
			return g.client.V5().Position().GetClosedPnL(param)
		})
		if err != nil {
			return decimal.Zero, errors.Wrap(bybitError(err), "failed to get bybit closed pnl")
		}

		for _, item := range res.Result.List {
			amount, err := decimal.NewFromString(item.ClosedPnl)
			if err != nil {
				return decimal.Zero, errors.Wrapf(err, "failed to parse closed pnl %q", item.ClosedPnl)
			}
			total = total.Add(amount)
		}

		next := res.Result.NextPageCursor
		if next == "" || len(res.Result.List) == 0 || (param.Cursor != nil && *param.Cursor == next) {
			break
		}
		param.Cursor = &next
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

func (g *BybitGateway) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	items, err := g.positionInfo(ctx, g.symbol)
	if err != nil {
		return nil, err
	}

	positions := make([]domain.Position, 0, len(items))
	for _, item := range items {
		size, err := decimal.NewFromString(item.Size)
		if err != nil || size.IsZero() {
			continue
		}
		profit, err := decimal.NewFromString(item.UnrealisedPnl)
		if err != nil {
			profit = decimal.Zero
		}
		side := domain.PositionSideLong
		if item.Side == bybit.SideSell {
			side = domain.PositionSideShort
		}
		positions = append(positions, domain.Position{
			ID:     bybitPositionID(string(item.Symbol), side),
			Symbol: string(item.Symbol),
			Side:   side,
			Volume: size,
			Profit: profit,
		})
	}
	return positions, nil
}

func (g *BybitGateway) ClosePosition(ctx context.Context, id domain.PositionID) error {
	symbol, _, ok := strings.Cut(string(id), ":")
	if !ok || symbol == "" {
		return fmt.Errorf("invalid bybit position id %q", id)
	}

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

	side := bybit.SideSell
	if target.Side == domain.PositionSideShort {
		side = bybit.SideBuy
	}
	reduceOnly := true

	_, err = callWithContext(ctx, func() (*bybit.V5CreateOrderResponse, error) {
		return g.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
			Category:   bybit.CategoryV5Linear,
			Symbol:     bybit.SymbolV5(symbol),
			Side:       side,
			OrderType:  bybit.OrderTypeMarket,
			Qty:        target.Volume.String(),
			ReduceOnly: &reduceOnly,
		})
	})
	if err != nil {
		var apiErr *bybit.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.RetCode == bybitReduceOnlyRejected {
			return ErrPositionNotFound
		}
		return errors.Wrapf(bybitError(err), "failed to close bybit position %s", id)
	}
	return nil
}

func (g *BybitGateway) IsConnected(ctx context.Context) bool {
	symbol := bybit.SymbolV5(g.symbol)
	if g.symbol == "" {
		symbol = bybit.SymbolV5("BTC" + bybitSettleCoin)
	}
	_, err := callWithContext(ctx, func() (*bybit.V5GetTickersResponse, error) {
		return g.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
			Category: bybit.CategoryV5Linear,
			Symbol:   &symbol,
		})
	})
	return err == nil
}

func (g *BybitGateway) positionInfo(ctx context.Context, symbol string) ([]bybit.V5GetPositionInfoItem, error) {
	limit := bybitPositionPageSize
	param := bybit.V5GetPositionInfoParam{Category: bybit.CategoryV5Linear, Limit: &limit}
	if symbol != "" {
		s := bybit.SymbolV5(symbol)
		param.Symbol = &s
	} else {
		coin := bybit.Coin(bybitSettleCoin)
		param.SettleCoin = &coin
	}

	var items []bybit.V5GetPositionInfoItem
	for {
		res, err := callWithContext(ctx, func() (*bybit.V5GetPositionInfoResponse, error) {
			return g.client.V5().Position().GetPositionInfo(param)
		})
		if err != nil {
			return nil, errors.Wrap(bybitError(err), "failed to get bybit positions")
		}
		items = append(items, res.Result.List...)

		next := res.Result.NextPageCursor
		if next == "" || len(res.Result.List) == 0 || (param.Cursor != nil && *param.Cursor == next) {
			return items, nil
		}
		param.Cursor = &next
	}
}

// bybitError marks credential and permission failures as permanent.
func bybitError(err error) error {
	var apiErr *bybit.ErrorResponse
	if errors.As(err, &apiErr) {
		if _, ok := bybitRejectCodes[apiErr.RetCode]; ok {
			return errors.Wrap(ErrRejected, apiErr.Error())
		}
	}
	return err
}

// callWithContext bounds a blocking SDK call that does not accept a context.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.value, r.err
	}
}

func bybitPositionID(symbol string, side domain.PositionSide) domain.PositionID {
	return domain.PositionID(symbol + ":" + string(side))
}
