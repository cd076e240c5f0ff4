package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

const (
	// binance error returned when a reduce-only order would not reduce anything
	binanceReduceOnlyRejected = -2022
	// largest page of /fapi/v1/income
	binanceIncomePageSize = 1000
)

// api error codes that no retry can fix
var binanceRejectCodes = map[int64]struct{}{
	-1002: {}, // unauthorized
	-2014: {}, // api key format invalid
	-2015: {}, // invalid api key, ip or permissions
}

// income types that contribute to the daily result
var binanceDailyIncomeTypes = map[string]struct{}{
	"REALIZED_PNL": {},
	"COMMISSION":   {},
	"FUNDING_FEE":  {},
}

// BinanceGateway guards a Binance USDⓈ-M futures account.
type BinanceGateway struct {
	client *futures.Client
	symbol string
}

// NewBinanceGateway creates a gateway. An empty symbol watches every symbol.
func NewBinanceGateway(client *futures.Client, symbol string) *BinanceGateway {
	return &BinanceGateway{client: client, symbol: symbol}
}

func (g *BinanceGateway) GetDailyPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	total, err := g.incomeSince(ctx, since)
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

// incomeSince pages forward from since. The next page starts at the last time seen, so
// entries sharing that millisecond are skipped by transaction id.
func (g *BinanceGateway) incomeSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	start := since.UnixMilli()
	seen := make(map[string]struct{})

	for {
		svc := g.client.NewGetIncomeHistoryService().StartTime(start).Limit(binanceIncomePageSize)
		if g.symbol != "" {
			svc = svc.Symbol(g.symbol)
		}
		incomes, err := svc.Do(ctx)
		if err != nil {
			return decimal.Zero, errors.Wrap(binanceError(err), "failed to get binance income history")
		}

		fresh := 0
		for _, income := range incomes {
			if income.Time > start {
				start = income.Time
			}
			key := fmt.Sprintf("%d:%s", income.TranID, income.IncomeType)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			fresh++

			if _, ok := binanceDailyIncomeTypes[income.IncomeType]; !ok {
				continue
			}
			amount, err := decimal.NewFromString(income.Income)
			if err != nil {
				return decimal.Zero, errors.Wrapf(err, "failed to parse income %q", income.Income)
			}
			total = total.Add(amount)
		}

		if len(incomes) < binanceIncomePageSize || fresh == 0 {
			return total, nil
		}
	}
}

func (g *BinanceGateway) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	risks, err := g.positionRisk(ctx, g.symbol)
	if err != nil {
		return nil, err
	}

	positions := make([]domain.Position, 0, len(risks))
	for _, r := range risks {
		amount, err := decimal.NewFromString(r.PositionAmt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse position amount for %s", r.Symbol)
		}
		if amount.IsZero() {
			continue
		}
		profit, err := decimal.NewFromString(r.UnRealizedProfit)
		if err != nil {
			profit = decimal.Zero
		}
		side := domain.PositionSideLong
		if amount.IsNegative() {
			side = domain.PositionSideShort
		}
		positions = append(positions, domain.Position{
			ID:     binancePositionID(r.Symbol, r.PositionSide),
			Symbol: r.Symbol,
			Side:   side,
			Volume: amount.Abs(),
			Profit: profit,
		})
	}
	return positions, nil
}

func (g *BinanceGateway) ClosePosition(ctx context.Context, id domain.PositionID) error {
	symbol, positionSide, err := parseBinancePositionID(id)
	if err != nil {
		return err
	}

	risks, err := g.positionRisk(ctx, symbol)
	if err != nil {
		return err
	}

	var amount decimal.Decimal
	for _, r := range risks {
		if r.Symbol != symbol || r.PositionSide != positionSide {
			continue
		}
		amount, err = decimal.NewFromString(r.PositionAmt)
		if err != nil {
			return errors.Wrapf(err, "failed to parse position amount for %s", id)
		}
	}
	if amount.IsZero() {
		return ErrPositionNotFound
	}

	side := futures.SideTypeSell
	if amount.IsNegative() {
		side = futures.SideTypeBuy
	}

	svc := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(amount.Abs().String())
	if futures.PositionSideType(positionSide) == futures.PositionSideTypeBoth {
		svc = svc.ReduceOnly(true)
	} else {
		// hedge mode rejects reduceOnly, the position side closes instead
		svc = svc.PositionSide(futures.PositionSideType(positionSide))
	}

	if _, err := svc.Do(ctx); err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceReduceOnlyRejected {
			return ErrPositionNotFound
		}
		return errors.Wrapf(binanceError(err), "failed to close binance position %s", id)
	}
	return nil
}

func (g *BinanceGateway) IsConnected(ctx context.Context) bool {
	return g.client.NewPingService().Do(ctx) == nil
}

func (g *BinanceGateway) positionRisk(ctx context.Context, symbol string) ([]*futures.PositionRisk, error) {
	svc := g.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(binanceError(err), "failed to get binance position risk")
	}
	return risks, nil
}

// binanceError marks credential and permission failures as permanent.
func binanceError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if _, ok := binanceRejectCodes[apiErr.Code]; ok {
			return errors.Wrap(ErrRejected, apiErr.Error())
		}
	}
	return err
}

func binancePositionID(symbol, positionSide string) domain.PositionID {
	if positionSide == "" {
		positionSide = string(futures.PositionSideTypeBoth)
	}
	return domain.PositionID(fmt.Sprintf("%s:%s", symbol, positionSide))
}

func parseBinancePositionID(id domain.PositionID) (symbol, positionSide string, _ error) {
	symbol, positionSide, ok := strings.Cut(string(id), ":")
	if !ok || symbol == "" || positionSide == "" {
		return "", "", fmt.Errorf("invalid binance position id %q", id)
	}
	return symbol, positionSide, nil
}
