package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GuardianState is the mutable state of the guardian. It is owned by a single tick loop;
// everybody else works with a Snapshot.
type GuardianState struct {
	Mode               Mode
	DailyLossThreshold decimal.Decimal
	LastResetAt        time.Time
	LastEvaluatedAt    time.Time
	LastPnL            decimal.Decimal
	TriggerCount       int
	// TriggeredAt is the moment the last breach moved the guardian into ActiveBlock.
	TriggeredAt          time.Time
	PositionsClosedToday int
	BlockedPositions     int
}

// Reset starts a new trading day.
func (s *GuardianState) Reset(now time.Time) {
	s.Mode = ModeNormal
	s.LastResetAt = now
	s.TriggerCount = 0
	s.TriggeredAt = time.Time{}
	s.PositionsClosedToday = 0
	s.BlockedPositions = 0
}

// Breached reports whether pnl hits the daily loss limit.
func (s *GuardianState) Breached(pnl decimal.Decimal) bool {
	return pnl.LessThanOrEqual(s.DailyLossThreshold.Neg())
}

// Snapshot is an immutable copy of the guardian state published after every tick.
type Snapshot struct {
	Mode                 Mode            `json:"mode"`
	DailyLossThreshold   decimal.Decimal `json:"dailyLossThreshold"`
	LastPnL              decimal.Decimal `json:"lastPnL"`
	LastEvaluatedAt      time.Time       `json:"lastEvaluatedAt"`
	LastResetAt          time.Time       `json:"lastResetAt"`
	TriggerCount         int             `json:"triggerCount"`
	TriggeredAt          time.Time       `json:"triggeredAt,omitempty"`
	PositionsClosedToday int             `json:"positionsClosedToday"`
	BlockedPositions     int             `json:"blockedPositions"`
	GatewayConnected     bool            `json:"gatewayConnected"`
	OpenPositions        int             `json:"openPositions"`
	PendingCloses        []PositionID    `json:"pendingCloses,omitempty"`
	// LastTickAt is set on every tick, including skipped ones; health checks use it.
	LastTickAt time.Time `json:"lastTickAt"`
	// Heartbeat advances while a tick is still running, after every gateway call.
	Heartbeat time.Time     `json:"heartbeat,omitempty"`
	Interval  time.Duration `json:"interval"`
	Ticks     uint64        `json:"ticks"`
	LastError string        `json:"lastError,omitempty"`
}

// NewSnapshot copies state into a snapshot.
func NewSnapshot(s GuardianState) Snapshot {
	return Snapshot{
		Mode:                 s.Mode,
		DailyLossThreshold:   s.DailyLossThreshold,
		LastPnL:              s.LastPnL,
		LastEvaluatedAt:      s.LastEvaluatedAt,
		LastResetAt:          s.LastResetAt,
		TriggerCount:         s.TriggerCount,
		TriggeredAt:          s.TriggeredAt,
		PositionsClosedToday: s.PositionsClosedToday,
		BlockedPositions:     s.BlockedPositions,
	}
}

// LastSeen is the later of the last finished tick and the in-tick heartbeat.
func (s Snapshot) LastSeen() time.Time {
	if s.Heartbeat.After(s.LastTickAt) {
		return s.Heartbeat
	}
	return s.LastTickAt
}

// Fresh reports whether the scheduler showed progress within twice the current interval.
// A slow tick that keeps completing gateway calls stays fresh.
func (s Snapshot) Fresh(now time.Time) bool {
	seen := s.LastSeen()
	if seen.IsZero() || s.Interval <= 0 {
		return false
	}
	return now.Sub(seen) <= 2*s.Interval
}
