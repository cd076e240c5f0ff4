package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

func TestMetrics_ObserveTick(t *testing.T) {
	m := New()
	m.ObserveTick(domain.Snapshot{
		Mode:               domain.ModeActiveBlock,
		LastPnL:            decimal.RequireFromString("-520.5"),
		DailyLossThreshold: decimal.NewFromInt(500),
		TriggerCount:       1,
		OpenPositions:      2,
		PendingCloses:      []domain.PositionID{"p1"},
		GatewayConnected:   true,
	}, 30*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.mode))
	assert.Equal(t, -520.5, testutil.ToFloat64(m.pnl))
	assert.Equal(t, float64(500), testutil.ToFloat64(m.threshold))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pendingCloses))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.gatewayConnected))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ticks))
}

func TestMetrics_ClosesAndSafeMode(t *testing.T) {
	m := New()
	m.ObserveClose(domain.AuditActionBlocked, true)
	m.ObserveClose(domain.AuditActionBlocked, false)
	m.ObserveClose(domain.AuditActionBlocked, true)
	m.SetSafeMode(true)
	m.IncRestarts()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.closes.WithLabelValues("BLOCKED", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.closes.WithLabelValues("BLOCKED", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.safeMode))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.restarts))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveTick(domain.Snapshot{Mode: domain.ModeNormal}, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sentinel_ticks_total 1")
	assert.Contains(t, string(body), "sentinel_mode 0")
}
