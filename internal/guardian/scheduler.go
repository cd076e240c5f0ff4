package guardian

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives Guardian ticks. The wait before each tick is picked from the mode the
// guardian is in when the tick is scheduled, so entering ActiveBlock switches to the fast
// cadence at the next wake-up.
type Scheduler struct {
	guardian *Guardian
	logger   *zap.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler for g.
func NewScheduler(g *Guardian, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{guardian: g, logger: logger, now: time.Now}
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting guardian loop",
		zap.Duration("normal_interval", s.guardian.settings.NormalInterval),
		zap.Duration("block_interval", s.guardian.settings.BlockInterval),
		zap.String("reset_at", s.guardian.settings.Reset.String()))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context done, stopping guardian loop")
			return ctx.Err()
		case <-timer.C:
		}

		started := s.now()
		s.guardian.Tick(ctx, started)

		interval := s.guardian.Interval()
		wait := interval - s.now().Sub(started)
		if wait < 0 {
			s.logger.Debug("tick overran interval", zap.Duration("interval", interval), zap.Duration("overrun", -wait))
			wait = 0
		}
		timer.Reset(wait)
	}
}
