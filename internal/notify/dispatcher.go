package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

const sendTimeout = 10 * time.Second

// Dispatcher turns audit entries into alerts. Enforcement alerts are rate limited so a
// 0.5s block loop cannot flood the channel; transitions are always delivered.
type Dispatcher struct {
	notifiers  []Notifier
	limiter    *rate.Limiter
	logger     *zap.Logger
	suppressed int
}

// NewDispatcher creates a dispatcher allowing one rate limited alert per minInterval.
func NewDispatcher(logger *zap.Logger, minInterval time.Duration, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Dispatcher{
		notifiers: notifiers,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// Enabled reports whether any channel is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.notifiers) > 0
}

// Run delivers entries from ch until it is closed or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.AuditEntry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-ch:
			if !ok {
				return nil
			}
			d.Handle(ctx, entry)
		}
	}
}

// Handle sends one entry, subject to the rate limit.
func (d *Dispatcher) Handle(ctx context.Context, entry domain.AuditEntry) {
	if !d.Enabled() {
		return
	}
	if limited(entry.Action) && !d.limiter.Allow() {
		d.suppressed++
		return
	}

	msg := FromEntry(entry)
	if d.suppressed > 0 {
		msg.Text += fmt.Sprintf("\n(+%d alerts suppressed)", d.suppressed)
		d.suppressed = 0
	}
	d.Send(ctx, msg)
}

// Send delivers msg to every channel. Failures are logged.
func (d *Dispatcher) Send(ctx context.Context, msg Message) {
	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := n.Send(sendCtx, msg)
		cancel()
		if err != nil {
			d.logger.Warn("notification failed", zap.String("channel", n.Name()), zap.Error(err))
		}
	}
}

func limited(action domain.AuditAction) bool {
	return action == domain.AuditActionBlocked || action == domain.AuditActionRetryClose
}
