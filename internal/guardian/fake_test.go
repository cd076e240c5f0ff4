package guardian

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/sentinel/internal/domain"
	"github.com/vadiminshakov/sentinel/internal/gateway"
)

// fakeGateway is a scriptable account.
type fakeGateway struct {
	mu         sync.Mutex
	pnl        decimal.Decimal
	pnlErr     error
	positions  []domain.Position
	connected  bool
	closeErrs  map[domain.PositionID][]error
	closeCalls []domain.PositionID
	sinceSeen  []time.Time
	// delay is applied to every call, cut short by the context
	delay time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{connected: true, closeErrs: make(map[domain.PositionID][]error)}
}

func (f *fakeGateway) GetDailyPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	if err := f.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceSeen = append(f.sinceSeen, since)
	return f.pnl, f.pnlErr
}

func (f *fakeGateway) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeGateway) ClosePosition(ctx context.Context, id domain.PositionID) error {
	waitErr := f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls = append(f.closeCalls, id)
	if waitErr != nil {
		return waitErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if queue := f.closeErrs[id]; len(queue) > 0 {
		f.closeErrs[id] = queue[1:]
		return queue[0]
	}
	for i, p := range f.positions {
		if p.ID == id {
			f.positions = append(f.positions[:i], f.positions[i+1:]...)
			return nil
		}
	}
	return gateway.ErrPositionNotFound
}

func (f *fakeGateway) IsConnected(ctx context.Context) bool {
	if f.wait(ctx) != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeGateway) wait(ctx context.Context) error {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (f *fakeGateway) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeGateway) setPnL(v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pnl = decimal.NewFromInt(v)
}

func (f *fakeGateway) open(ids ...domain.PositionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.positions = append(f.positions, domain.Position{
			ID:     id,
			Symbol: "XAUUSD",
			Side:   domain.PositionSideLong,
			Volume: decimal.NewFromInt(1),
		})
	}
}

func (f *fakeGateway) failClose(id domain.PositionID, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeErrs[id] = append(f.closeErrs[id], errs...)
}

func (f *fakeGateway) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeGateway) openIDs() []domain.PositionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.PositionIDs(f.positions)
}

func (f *fakeGateway) closes() []domain.PositionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PositionID, len(f.closeCalls))
	copy(out, f.closeCalls)
	return out
}

// recordingSink keeps appended entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *recordingSink) Append(e domain.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) all() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *recordingSink) actions() []domain.AuditAction {
	var out []domain.AuditAction
	for _, e := range s.all() {
		out = append(out, e.Action)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
