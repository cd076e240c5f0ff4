// Package gateway adapts trading accounts to the capability the guardian consumes.
package gateway

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

var (
	// ErrDisconnected is returned when the account cannot be reached.
	ErrDisconnected = errors.New("gateway disconnected")
	// ErrPositionNotFound is returned by ClosePosition when the position is already gone.
	// Callers treat it as a successful close.
	ErrPositionNotFound = errors.New("position not found")
	// ErrUnsupportedPlatform is returned by New for unknown platforms.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrRejected marks a request the platform refused for a reason a retry cannot fix,
	// such as a revoked key or a missing trade permission.
	ErrRejected = errors.New("rejected by platform")
)

// Gateway is the trading account capability used by the guardian.
type Gateway interface {
	// GetDailyPnL returns realized plus floating PnL accumulated since the given reset moment.
	GetDailyPnL(ctx context.Context, since time.Time) (decimal.Decimal, error)
	ListOpenPositions(ctx context.Context) ([]domain.Position, error)
	// ClosePosition closes the whole position. Closing an already closed position is not an error.
	ClosePosition(ctx context.Context, id domain.PositionID) error
	IsConnected(ctx context.Context) bool
}

// IsAlreadyClosed reports whether a close error means the position no longer exists.
func IsAlreadyClosed(err error) bool {
	return errors.Is(err, ErrPositionNotFound)
}

// IsRetryable reports whether repeating the failed call may succeed.
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrRejected)
}

// Bounded applies a per-call timeout to every gateway operation.
type Bounded struct {
	next    Gateway
	timeout time.Duration
}

// NewBounded wraps gw so no call outlives timeout.
func NewBounded(gw Gateway, timeout time.Duration) *Bounded {
	return &Bounded{next: gw, timeout: timeout}
}

func (b *Bounded) GetDailyPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	pnl, err := b.next.GetDailyPnL(ctx, since)
	return pnl, b.wrap(ctx, err, "get daily pnl")
}

func (b *Bounded) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	positions, err := b.next.ListOpenPositions(ctx)
	return positions, b.wrap(ctx, err, "list open positions")
}

func (b *Bounded) ClosePosition(ctx context.Context, id domain.PositionID) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	err := b.next.ClosePosition(ctx, id)
	if IsAlreadyClosed(err) {
		return nil
	}
	return b.wrap(ctx, err, "close position "+string(id))
}

func (b *Bounded) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.IsConnected(ctx)
}

func (b *Bounded) wrap(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(err, "%s: timed out after %s", op, b.timeout)
	}
	return errors.Wrap(err, op)
}
