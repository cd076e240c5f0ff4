package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sentinel/internal/domain"
	"github.com/vadiminshakov/sentinel/internal/storage/simstate"
)

type realizedPnL struct {
	at     time.Time
	amount decimal.Decimal
}

// SimulateGateway is an in-memory account used in test mode. Positions are opened
// by hand (or by tests) and closing one books its floating profit as realized.
type SimulateGateway struct {
	mu            sync.RWMutex
	logger        *zap.Logger
	symbol        string
	now           func() time.Time
	positions     map[domain.PositionID]domain.Position
	realized      []realizedPnL
	connected     bool
	closeFailures map[domain.PositionID][]error
	nextID        int
	stateStore    *simstate.Store
}

// SimulateOption configures SimulateGateway.
type SimulateOption func(*SimulateGateway)

// WithSymbolFilter limits the account view to a single symbol.
func WithSymbolFilter(symbol string) SimulateOption {
	return func(g *SimulateGateway) {
		g.symbol = symbol
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SimulateOption {
	return func(g *SimulateGateway) {
		g.now = now
	}
}

// WithStateStore persists the account between restarts.
func WithStateStore(store *simstate.Store) SimulateOption {
	return func(g *SimulateGateway) {
		g.stateStore = store
	}
}

// NewSimulateGateway creates a connected, empty simulated account.
func NewSimulateGateway(logger *zap.Logger, opts ...SimulateOption) *SimulateGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &SimulateGateway{
		logger:        logger,
		now:           time.Now,
		positions:     make(map[domain.PositionID]domain.Position),
		connected:     true,
		closeFailures: make(map[domain.PositionID][]error),
		nextID:        1,
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.restoreState(); err != nil {
		logger.Warn("failed to restore simulate state", zap.Error(err))
	}
	logger.Info("simulate gateway init",
		zap.String("symbol", g.symbol),
		zap.Int("positions", len(g.positions)))
	return g
}

func (g *SimulateGateway) GetDailyPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.connected {
		return decimal.Zero, ErrDisconnected
	}

	total := decimal.Zero
	for _, r := range g.realized {
		if !r.at.Before(since) {
			total = total.Add(r.amount)
		}
	}
	for _, p := range g.positions {
		if g.matches(p) {
			total = total.Add(p.Profit)
		}
	}
	return total, nil
}

func (g *SimulateGateway) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.connected {
		return nil, ErrDisconnected
	}

	positions := make([]domain.Position, 0, len(g.positions))
	for _, p := range g.positions {
		if g.matches(p) {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenedAt.Equal(positions[j].OpenedAt) {
			return positions[i].ID < positions[j].ID
		}
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
	return positions, nil
}

func (g *SimulateGateway) ClosePosition(ctx context.Context, id domain.PositionID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrDisconnected
	}
	if queue := g.closeFailures[id]; len(queue) > 0 {
		err := queue[0]
		if len(queue) == 1 {
			delete(g.closeFailures, id)
		} else {
			g.closeFailures[id] = queue[1:]
		}
		return err
	}

	pos, ok := g.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	delete(g.positions, id)
	g.realized = append(g.realized, realizedPnL{at: g.now(), amount: pos.Profit})
	g.logger.Info("simulate close",
		zap.String("id", string(id)),
		zap.String("symbol", pos.Symbol),
		zap.String("profit", pos.Profit.String()))
	g.saveState()
	return nil
}

func (g *SimulateGateway) IsConnected(ctx context.Context) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connected
}

// Open opens a simulated position and returns it.
func (g *SimulateGateway) Open(symbol string, side domain.PositionSide, volume decimal.Decimal) domain.Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos := domain.Position{
		ID:       domain.PositionID(fmt.Sprintf("sim-%d", g.nextID)),
		Symbol:   symbol,
		Side:     side,
		Volume:   volume,
		Profit:   decimal.Zero,
		OpenedAt: g.now(),
	}
	g.nextID++
	g.positions[pos.ID] = pos
	g.saveState()
	return pos
}

// SetProfit sets the floating profit of an open position.
func (g *SimulateGateway) SetProfit(id domain.PositionID, profit decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos, ok := g.positions[id]
	if !ok {
		return errors.Wrapf(ErrPositionNotFound, "set profit for %s", id)
	}
	pos.Profit = profit
	g.positions[id] = pos
	g.saveState()
	return nil
}

// Realize books a realized PnL amount at the current time.
func (g *SimulateGateway) Realize(amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.realized = append(g.realized, realizedPnL{at: g.now(), amount: amount})
	g.saveState()
}

// SetConnected toggles connectivity.
func (g *SimulateGateway) SetConnected(connected bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = connected
}

// FailNextClose makes the next len(errs) close calls for id fail with the given errors.
func (g *SimulateGateway) FailNextClose(id domain.PositionID, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeFailures[id] = append(g.closeFailures[id], errs...)
}

func (g *SimulateGateway) matches(p domain.Position) bool {
	return g.symbol == "" || p.Symbol == g.symbol
}

// saveState must be called with mu held.
func (g *SimulateGateway) saveState() {
	if g.stateStore == nil {
		return
	}

	state := simstate.State{NextID: g.nextID}
	for _, p := range g.positions {
		state.Positions = append(state.Positions, simstate.NewStoredPosition(p))
	}
	sort.Slice(state.Positions, func(i, j int) bool { return state.Positions[i].ID < state.Positions[j].ID })
	for _, r := range g.realized {
		state.Realized = append(state.Realized, simstate.StoredRealized{At: r.at, Amount: r.amount.String()})
	}

	if err := g.stateStore.Save(state); err != nil {
		g.logger.Warn("failed to persist simulate state", zap.Error(err))
	}
}

func (g *SimulateGateway) restoreState() error {
	if g.stateStore == nil {
		return nil
	}
	state, err := g.stateStore.Load()
	if err != nil {
		return errors.Wrap(err, "load simulate state")
	}
	if state == nil {
		return nil
	}

	for _, sp := range state.Positions {
		pos, err := sp.ToPosition()
		if err != nil {
			return errors.Wrapf(err, "restore position %s", sp.ID)
		}
		g.positions[pos.ID] = pos
	}
	for _, sr := range state.Realized {
		amount, err := sr.ToAmount()
		if err != nil {
			return err
		}
		g.realized = append(g.realized, realizedPnL{at: sr.At, amount: amount})
	}
	if state.NextID > g.nextID {
		g.nextID = state.NextID
	}
	return nil
}
