// Package supervisor keeps the guardian loop running. It recovers panics, restarts the loop
// after a cooldown and gives up into safe mode once the restart budget is spent.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

const (
	DefaultMaxRestarts = 5
	DefaultCooldown    = 60 * time.Second
)

type auditSink interface {
	Append(entry domain.AuditEntry)
}

type metrics interface {
	IncRestarts()
	SetSafeMode(on bool)
}

type snapshotReader interface {
	Snapshot() domain.Snapshot
}

// Option configures Supervisor.
type Option func(*Supervisor)

// WithMaxRestarts sets how many restarts are attempted before safe mode.
func WithMaxRestarts(n int) Option {
	return func(s *Supervisor) { s.maxRestarts = n }
}

// WithCooldown sets the pause before each restart.
func WithCooldown(d time.Duration) Option {
	return func(s *Supervisor) { s.cooldown = d }
}

// WithAuditSink records the SAFE_MODE entry.
func WithAuditSink(sink auditSink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithMetrics exports restarts and safe mode.
func WithMetrics(m metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithGuardian lets the SAFE_MODE entry carry the last known mode and pnl.
func WithGuardian(g snapshotReader) Option {
	return func(s *Supervisor) { s.guardian = g }
}

// Supervisor runs one loop function and restarts it on failure.
type Supervisor struct {
	logger      *zap.Logger
	maxRestarts int
	cooldown    time.Duration
	sink        auditSink
	metrics     metrics
	guardian    snapshotReader
	now         func() time.Time

	mu       sync.RWMutex
	restarts int
	safeMode bool
	reason   string
}

// New creates a supervisor.
func New(logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		logger:      logger,
		maxRestarts: DefaultMaxRestarts,
		cooldown:    DefaultCooldown,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SafeMode reports whether the supervisor gave up and why.
func (s *Supervisor) SafeMode() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safeMode, s.reason
}

// Restarts returns how many times the loop was restarted.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// Run calls fn until ctx is cancelled. A panic or an error returned while ctx is still
// alive counts as a crash. After maxRestarts restarts the supervisor enters safe mode and
// waits for ctx without running fn again, so the process stays up and reports itself unhealthy.
func (s *Supervisor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := s.call(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("loop exited unexpectedly")
		}

		s.mu.Lock()
		exhausted := s.restarts >= s.maxRestarts
		if !exhausted {
			s.restarts++
		}
		attempt := s.restarts
		s.mu.Unlock()

		if exhausted {
			s.enterSafeMode(err)
			<-ctx.Done()
			return nil
		}

		s.logger.Error("guardian loop crashed, restarting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_restarts", s.maxRestarts),
			zap.Duration("cooldown", s.cooldown))
		if s.metrics != nil {
			s.metrics.IncRestarts()
		}

		timer := time.NewTimer(s.cooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("guardian loop panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) enterSafeMode(cause error) {
	reason := fmt.Sprintf("loop failed after %d restarts: %v", s.maxRestarts, cause)

	s.mu.Lock()
	s.safeMode = true
	s.reason = reason
	s.mu.Unlock()

	s.logger.Error("entering safe mode", zap.String("reason", reason))
	if s.metrics != nil {
		s.metrics.SetSafeMode(true)
	}
	if s.sink == nil {
		return
	}

	entry := domain.NewAuditEntry(s.now(), domain.AuditActionSafeMode, domain.ModeNormal, domain.ModeNormal, reason)
	if s.guardian != nil {
		snap := s.guardian.Snapshot()
		entry.From, entry.To = snap.Mode, snap.Mode
		entry.PnL = snap.LastPnL
	}
	s.sink.Append(entry)
}
