package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/sentinel/internal/audit"
	"github.com/vadiminshakov/sentinel/internal/domain"
)

type staticSnapshot struct {
	snap domain.Snapshot
}

func (s staticSnapshot) Snapshot() domain.Snapshot { return s.snap }

type staticSafeMode struct {
	on     bool
	reason string
}

func (s staticSafeMode) SafeMode() (bool, string) { return s.on, s.reason }

type memAudit struct {
	records []domain.AuditRecord
}

func (m memAudit) EntriesAfter(index uint64) ([]domain.AuditRecord, error) {
	var out []domain.AuditRecord
	for _, r := range m.records {
		if r.Index > index {
			out = append(out, r)
		}
	}
	return out, nil
}

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func freshSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Mode:               domain.ModeActiveBlock,
		DailyLossThreshold: decimal.NewFromInt(500),
		LastPnL:            decimal.NewFromInt(-520),
		LastTickAt:         now.Add(-400 * time.Millisecond),
		Interval:           500 * time.Millisecond,
		GatewayConnected:   true,
		TriggerCount:       1,
	}
}

func newTestServer(snap domain.Snapshot, opts ...Option) *Server {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewServer(":0", staticSnapshot{snap: snap}, opts...)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	stale := freshSnapshot()
	stale.LastTickAt = now.Add(-2 * time.Second)
	slowTick := stale
	slowTick.Heartbeat = now.Add(-300 * time.Millisecond)

	tests := []struct {
		name       string
		snap       domain.Snapshot
		safeMode   staticSafeMode
		wantStatus int
		wantReason string
	}{
		{name: "fresh", snap: freshSnapshot(), wantStatus: http.StatusOK},
		{name: "stale", snap: stale, wantStatus: http.StatusServiceUnavailable, wantReason: "no progress for"},
		{name: "slow tick still making calls", snap: slowTick, wantStatus: http.StatusOK},
		{name: "never ticked", snap: domain.Snapshot{}, wantStatus: http.StatusServiceUnavailable, wantReason: "no tick yet"},
		{
			name:       "safe mode",
			snap:       freshSnapshot(),
			safeMode:   staticSafeMode{on: true, reason: "5 restarts"},
			wantStatus: http.StatusServiceUnavailable,
			wantReason: "safe mode: 5 restarts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(tt.snap, WithSafeMode(tt.safeMode))
			rec := get(t, srv.Handler(), "/health")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus == http.StatusOK, resp.OK)
			assert.Contains(t, resp.Reason, tt.wantReason)
		})
	}
}

func TestStatus(t *testing.T) {
	srv := newTestServer(freshSnapshot(),
		WithAuditStats(func() audit.Stats { return audit.Stats{Written: 3, Dropped: 1} }),
		WithResetAt("04:00"),
	)
	rec := get(t, srv.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "active_block", resp["mode"])
	assert.Equal(t, "-520", resp["lastPnL"])
	assert.Equal(t, true, resp["healthy"])
	assert.Equal(t, false, resp["safeMode"])
	assert.Equal(t, true, resp["gatewayConnected"])

	stats, ok := resp["audit"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, stats["written"])
	assert.Equal(t, "04:00", resp["resetAt"])

	components, ok := resp["components"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "connected", components["gateway"])
	assert.Equal(t, "degraded", components["audit"])
	assert.Equal(t, "running", components["loop"])
}

func TestReadOnly(t *testing.T) {
	srv := newTestServer(freshSnapshot())
	for _, path := range []string{"/health", "/status", "/audit/stream"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
		assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sentinel_ticks_total 7\n"))
	})

	rec := get(t, newTestServer(freshSnapshot(), WithMetrics(metrics)).Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sentinel_ticks_total 7")

	rec = get(t, newTestServer(freshSnapshot()).Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditStream(t *testing.T) {
	entry := domain.NewAuditEntry(now, domain.AuditActionThresholdExceeded, domain.ModeNormal, domain.ModeTriggered, "daily pnl -520 <= -500")
	store := memAudit{records: []domain.AuditRecord{
		{Index: 1, Entry: domain.NewAuditEntry(now, domain.AuditActionStart, domain.ModeNormal, domain.ModeNormal, "startup")},
		{Index: 2, Entry: entry},
	}}

	srv := newTestServer(freshSnapshot(), WithAuditStore(store))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/audit/stream?after=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimSpace(line))
	}
	assert.Equal(t, "id: 2", lines[0])
	assert.Equal(t, "event: audit", lines[1])
	assert.Contains(t, lines[2], `"action":"THRESHOLD_EXCEEDED"`)
	assert.Contains(t, lines[2], entry.ID)
}

func TestAuditStreamBadRequest(t *testing.T) {
	srv := newTestServer(freshSnapshot(), WithAuditStore(memAudit{}))
	rec := get(t, srv.Handler(), "/audit/stream?after=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, newTestServer(freshSnapshot()).Handler(), "/audit/stream")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartWithAutoTLSRequiresDomains(t *testing.T) {
	err := newTestServer(freshSnapshot()).StartWithAutoTLS(context.Background(), nil, "")
	require.Error(t, err)
}
