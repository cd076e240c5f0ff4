// Package guardian implements the risk guardian state machine and the loop that drives it.
package guardian

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sentinel/config"
	"github.com/vadiminshakov/sentinel/internal/domain"
	"github.com/vadiminshakov/sentinel/internal/gateway"
	"github.com/vadiminshakov/sentinel/pkg/retrier"
)

const defaultCloseRetryInterval = 100 * time.Millisecond

// AuditSink receives guardian decisions. Append must not block.
type AuditSink interface {
	Append(entry domain.AuditEntry)
}

// Observer is notified about tick results. Implementations must be fast.
type Observer interface {
	ObserveTick(snap domain.Snapshot, took time.Duration)
	ObserveClose(action domain.AuditAction, success bool)
}

type nopSink struct{}

func (nopSink) Append(domain.AuditEntry) {}

type nopObserver struct{}

func (nopObserver) ObserveTick(domain.Snapshot, time.Duration) {}
func (nopObserver) ObserveClose(domain.AuditAction, bool) {}

// Settings are the immutable parameters of a guardian run.
type Settings struct {
	Threshold          decimal.Decimal
	Reset              ResetClock
	NormalInterval     time.Duration
	BlockInterval      time.Duration
	CloseRetries       int
	CloseRetryInterval time.Duration
	// ReadTimeout bounds the read phase of a tick as a whole. Zero disables it.
	ReadTimeout time.Duration
}

// SettingsFromConfig maps the loaded configuration.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Threshold:          cfg.DailyLossThreshold,
		Reset:              ResetClock{Hour: cfg.ResetHour, Minute: cfg.ResetMinute, Location: cfg.Location},
		NormalInterval:     cfg.NormalInterval,
		BlockInterval:      cfg.BlockInterval,
		CloseRetries:       cfg.CloseRetries,
		CloseRetryInterval: defaultCloseRetryInterval,
		ReadTimeout:        cfg.GatewayTimeout,
	}
}

// Option configures Guardian.
type Option func(*Guardian)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guardian) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithAuditSink sets where audit entries go.
func WithAuditSink(sink AuditSink) Option {
	return func(g *Guardian) {
		if sink != nil {
			g.sink = sink
		}
	}
}

// WithObserver registers a tick observer.
func WithObserver(o Observer) Option {
	return func(g *Guardian) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithClock overrides time.Now for outcome timestamps and the startup reset anchor.
func WithClock(now func() time.Time) Option {
	return func(g *Guardian) {
		g.now = now
	}
}

type pendingClose struct {
	origin domain.AuditAction
	since  time.Time
}

// Guardian owns GuardianState. Tick must not be called concurrently; Snapshot may be
// called from any goroutine.
type Guardian struct {
	gw       gateway.Gateway
	settings Settings
	logger   *zap.Logger
	sink     AuditSink
	observer Observer
	now      func() time.Time

	state     domain.GuardianState
	previous  domain.PositionSet
	pending   map[domain.PositionID]pendingClose
	connected bool
	open      int
	ticks     uint64
	lastErr   string

	snapshot atomic.Pointer[domain.Snapshot]
	// unix nanos of the last observed progress inside a tick
	heartbeat atomic.Int64
}

// New creates a guardian in Normal mode anchored to the most recent reset boundary.
func New(gw gateway.Gateway, settings Settings, opts ...Option) *Guardian {
	g := &Guardian{
		gw:        gw,
		settings:  settings,
		logger:    zap.NewNop(),
		sink:      nopSink{},
		observer:  nopObserver{},
		now:       time.Now,
		pending:   make(map[domain.PositionID]pendingClose),
		connected: true,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.state = domain.GuardianState{
		Mode:               domain.ModeNormal,
		DailyLossThreshold: settings.Threshold,
		LastResetAt:        settings.Reset.LastBoundary(g.now()),
	}
	g.publish(time.Time{})

	return g
}

// Snapshot returns the state published by the last completed tick, plus the heartbeat
// of the tick in progress.
func (g *Guardian) Snapshot() domain.Snapshot {
	snap := *g.snapshot.Load()
	if hb := g.heartbeat.Load(); hb != 0 {
		snap.Heartbeat = time.Unix(0, hb).UTC()
	}
	return snap
}

// Interval returns the wait before the next tick, chosen by the current mode.
func (g *Guardian) Interval() time.Duration {
	return g.snapshot.Load().Mode.PollInterval(g.settings.NormalInterval, g.settings.BlockInterval)
}

// Start records the beginning of a guardian run.
func (g *Guardian) Start(now time.Time, reason string) {
	entry := domain.NewAuditEntry(now, domain.AuditActionStart, g.state.Mode, g.state.Mode, reason)
	entry.PnL = g.state.LastPnL
	g.sink.Append(entry)
}

// Stop records the end of a guardian run.
func (g *Guardian) Stop(now time.Time, reason string) {
	entry := domain.NewAuditEntry(now, domain.AuditActionStop, g.state.Mode, g.state.Mode, reason)
	entry.PnL = g.state.LastPnL
	g.sink.Append(entry)
}

// Tick runs one evaluation. The reset check always runs first. Gateway failures skip the
// rest of the tick without touching the mode. Closures are finished even when ctx is
// cancelled mid-batch.
func (g *Guardian) Tick(ctx context.Context, now time.Time) {
	started := g.now()
	g.heartbeat.Store(now.UnixNano())
	g.ticks++
	defer func() {
		g.publish(now)
		g.observer.ObserveTick(g.Snapshot(), g.now().Sub(started))
	}()

	if g.settings.Reset.Due(g.state.LastResetAt, now) {
		g.reset(now)
	}

	pnl, positions, ok := g.read(ctx)
	if !ok {
		return
	}
	if !g.connected {
		g.logger.Info("gateway reachable again, evaluation resumed")
	}
	g.connected = true
	g.lastErr = ""

	g.state.LastPnL = pnl
	g.state.LastEvaluatedAt = now

	closeCtx := context.WithoutCancel(ctx)
	current := domain.NewPositionSet(positions)
	closed := g.retryPending(closeCtx, now, pnl, current)

	switch g.state.Mode {
	case domain.ModeNormal:
		if g.state.Breached(pnl) {
			closed = append(closed, g.trigger(closeCtx, now, pnl, positions)...)
		}
	case domain.ModeTriggered:
		// a previous run stopped in the middle of a closure batch
		closed = append(closed, g.completeTrigger(closeCtx, now, pnl, positions, "resume interrupted closure batch")...)
	case domain.ModeActiveBlock:
		closed = append(closed, g.enforce(closeCtx, now, pnl, g.previous.Unseen(positions))...)
	}

	for _, id := range closed {
		delete(current, id)
	}
	g.previous = current
	g.open = len(current)
}

// read fetches connectivity, pnl and positions under one deadline so a slow gateway
// cannot stretch a tick to several per-call timeouts.
func (g *Guardian) read(ctx context.Context) (decimal.Decimal, []domain.Position, bool) {
	if g.settings.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.settings.ReadTimeout)
		defer cancel()
	}

	connected := g.gw.IsConnected(ctx)
	g.beat()
	if !connected {
		err := gateway.ErrDisconnected
		if ctx.Err() != nil {
			err = errors.Wrap(ctx.Err(), err.Error())
		}
		g.degraded("gateway disconnected", err)
		return decimal.Zero, nil, false
	}

	pnl, err := g.gw.GetDailyPnL(ctx, g.state.LastResetAt)
	g.beat()
	if err != nil {
		g.degraded("get daily pnl", err)
		return decimal.Zero, nil, false
	}
	positions, err := g.gw.ListOpenPositions(ctx)
	g.beat()
	if err != nil {
		g.degraded("list open positions", err)
		return decimal.Zero, nil, false
	}
	return pnl, positions, true
}

func (g *Guardian) beat() {
	g.heartbeat.Store(g.now().UnixNano())
}

func (g *Guardian) reset(now time.Time) {
	from := g.state.Mode
	g.state.Reset(now)

	dropped := len(g.pending)
	g.pending = make(map[domain.PositionID]pendingClose)

	entry := domain.NewAuditEntry(now, domain.AuditActionDailyReset, from, domain.ModeNormal,
		fmt.Sprintf("daily reset at %s", g.settings.Reset))
	entry.PnL = g.state.LastPnL
	g.sink.Append(entry)

	g.logger.Info("daily reset",
		zap.String("from", from.String()),
		zap.Time("reset_at", now),
		zap.Int("dropped_pending_closes", dropped))
}

func (g *Guardian) degraded(op string, err error) {
	g.lastErr = fmt.Sprintf("%s: %v", op, err)
	if g.connected {
		g.logger.Warn("degraded evaluation, tick skipped",
			zap.String("mode", g.state.Mode.String()),
			zap.String("op", op),
			zap.Error(err))
	} else {
		g.logger.Debug("degraded evaluation, tick skipped", zap.String("op", op), zap.Error(err))
	}
	g.connected = false
}

// trigger moves Normal to ActiveBlock through Triggered within a single tick.
func (g *Guardian) trigger(ctx context.Context, now time.Time, pnl decimal.Decimal, positions []domain.Position) []domain.PositionID {
	g.state.Mode = domain.ModeTriggered
	g.state.TriggerCount++
	g.state.TriggeredAt = now

	entry := domain.NewAuditEntry(now, domain.AuditActionThresholdExceeded, domain.ModeNormal, domain.ModeTriggered,
		fmt.Sprintf("daily pnl %s reached loss limit -%s", pnl.StringFixed(2), g.state.DailyLossThreshold.StringFixed(2)))
	entry.PnL = pnl
	entry.Positions = domain.PositionIDs(positions)
	g.sink.Append(entry)

	g.logger.Warn("daily loss limit breached",
		zap.String("pnl", pnl.String()),
		zap.String("threshold", g.state.DailyLossThreshold.String()),
		zap.Int("positions", len(positions)))

	return g.completeTrigger(ctx, now, pnl, positions, "")
}

func (g *Guardian) completeTrigger(ctx context.Context, now time.Time, pnl decimal.Decimal, positions []domain.Position, reason string) []domain.PositionID {
	ids := domain.PositionIDs(positions)
	var (
		outcomes []domain.CloseOutcome
		closed   []domain.PositionID
	)
	for _, id := range ids {
		attempts, ok := g.closePosition(ctx, id, domain.AuditActionActiveBlock)
		outcomes = append(outcomes, attempts...)
		if ok {
			closed = append(closed, id)
			continue
		}
		g.pending[id] = pendingClose{origin: domain.AuditActionActiveBlock, since: now}
	}

	g.state.PositionsClosedToday += len(closed)
	g.state.Mode = domain.ModeActiveBlock

	if reason == "" {
		reason = fmt.Sprintf("closed %d of %d positions, blocking new positions until %s", len(closed), len(ids), g.settings.Reset)
	}
	entry := domain.NewAuditEntry(g.now(), domain.AuditActionActiveBlock, domain.ModeTriggered, domain.ModeActiveBlock, reason)
	entry.PnL = pnl
	entry.Positions = ids
	entry.Outcomes = outcomes
	g.sink.Append(entry)

	g.logger.Warn("active block engaged",
		zap.Int("closed", len(closed)),
		zap.Int("failed", len(ids)-len(closed)),
		zap.Int("trigger_count", g.state.TriggerCount))

	return closed
}

// enforce closes positions that appeared since the previous tick.
func (g *Guardian) enforce(ctx context.Context, now time.Time, pnl decimal.Decimal, fresh []domain.Position) []domain.PositionID {
	var closed []domain.PositionID
	for _, p := range fresh {
		outcomes, ok := g.closePosition(ctx, p.ID, domain.AuditActionBlocked)

		entry := domain.NewAuditEntry(now, domain.AuditActionBlocked, domain.ModeActiveBlock, domain.ModeActiveBlock,
			fmt.Sprintf("position opened during active block: %s %s %s", p.Symbol, p.Side, p.Volume))
		entry.PnL = pnl
		entry.Positions = []domain.PositionID{p.ID}
		entry.Outcomes = outcomes
		g.sink.Append(entry)

		if ok {
			g.state.BlockedPositions++
			closed = append(closed, p.ID)
			g.logger.Warn("blocked new position", zap.String("id", string(p.ID)), zap.String("symbol", p.Symbol))
			continue
		}
		g.pending[p.ID] = pendingClose{origin: domain.AuditActionBlocked, since: now}
		g.logger.Error("failed to close new position", zap.String("id", string(p.ID)), zap.String("symbol", p.Symbol))
	}
	return closed
}

// retryPending retries closes that failed on earlier ticks. Positions that are gone are
// treated as closed.
func (g *Guardian) retryPending(ctx context.Context, now time.Time, pnl decimal.Decimal, current domain.PositionSet) []domain.PositionID {
	if len(g.pending) == 0 {
		return nil
	}

	ids := make([]domain.PositionID, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var closed []domain.PositionID
	for _, id := range ids {
		p := g.pending[id]
		if !current.Contains(id) {
			delete(g.pending, id)
			g.countClosed(p.origin)
			continue
		}

		outcomes, ok := g.closePosition(ctx, id, domain.AuditActionRetryClose)
		entry := domain.NewAuditEntry(now, domain.AuditActionRetryClose, g.state.Mode, g.state.Mode,
			fmt.Sprintf("retry close pending since %s", p.since.Format(time.RFC3339)))
		entry.PnL = pnl
		entry.Positions = []domain.PositionID{id}
		entry.Outcomes = outcomes
		g.sink.Append(entry)

		if ok {
			delete(g.pending, id)
			g.countClosed(p.origin)
			closed = append(closed, id)
		}
	}
	return closed
}

func (g *Guardian) countClosed(origin domain.AuditAction) {
	if origin == domain.AuditActionBlocked {
		g.state.BlockedPositions++
		return
	}
	g.state.PositionsClosedToday++
}

// closePosition closes id with the in-tick retry budget and returns every attempt.
func (g *Guardian) closePosition(ctx context.Context, id domain.PositionID, action domain.AuditAction) ([]domain.CloseOutcome, bool) {
	var outcomes []domain.CloseOutcome
	r := retrier.New(
		retrier.WithMaxRetries(g.settings.CloseRetries),
		retrier.WithInitialInterval(g.settings.CloseRetryInterval),
		retrier.WithMaxInterval(4*g.settings.CloseRetryInterval),
		retrier.WithMultiplier(2),
		retrier.WithJitter(0),
		retrier.WithRetryIf(gateway.IsRetryable),
		retrier.WithOnFailure(func(attempt int, err error) {
			outcomes = append(outcomes, domain.CloseOutcome{
				PositionID: id,
				Attempt:    attempt,
				Error:      err.Error(),
				At:         g.now(),
			})
			g.logger.Warn("close attempt failed",
				zap.String("id", string(id)),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}),
	)

	err := r.Do(ctx, func(ctx context.Context) error {
		err := g.gw.ClosePosition(ctx, id)
		g.beat()
		if gateway.IsAlreadyClosed(err) {
			return nil
		}
		return err
	})
	g.observer.ObserveClose(action, err == nil)
	if err != nil {
		return outcomes, false
	}

	outcomes = append(outcomes, domain.CloseOutcome{
		PositionID: id,
		Attempt:    len(outcomes) + 1,
		Success:    true,
		At:         g.now(),
	})
	return outcomes, true
}

func (g *Guardian) publish(now time.Time) {
	snap := domain.NewSnapshot(g.state)
	snap.GatewayConnected = g.connected
	snap.OpenPositions = g.open
	snap.LastTickAt = now
	snap.Interval = g.state.Mode.PollInterval(g.settings.NormalInterval, g.settings.BlockInterval)
	snap.Ticks = g.ticks
	snap.LastError = g.lastErr
	if len(g.pending) > 0 {
		snap.PendingCloses = make([]domain.PositionID, 0, len(g.pending))
		for id := range g.pending {
			snap.PendingCloses = append(snap.PendingCloses, id)
		}
		sort.Slice(snap.PendingCloses, func(i, j int) bool { return snap.PendingCloses[i] < snap.PendingCloses[j] })
	}
	g.snapshot.Store(&snap)
}
