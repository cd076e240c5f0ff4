package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bybitServer serves closed pnl in two pages and a single open position.
type bybitServer struct {
	mu          sync.Mutex
	cursors     []string
	orderRet    int
	orderRetMsg string
}

func (s *bybitServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/v5/position/closed-pnl":
		cursor := r.URL.Query().Get("cursor")
		s.mu.Lock()
		s.cursors = append(s.cursors, cursor)
		s.mu.Unlock()
		if cursor == "" {
			fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","nextPageCursor":"page2",`+
				`"list":[{"symbol":"BTCUSDT","closedPnl":"-300.5"},{"symbol":"ETHUSDT","closedPnl":"40"}]}}`)
			return
		}
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","nextPageCursor":"",`+
			`"list":[{"symbol":"BTCUSDT","closedPnl":"-290"}]}}`)
	case "/v5/position/list":
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","nextPageCursor":"",`+
			`"list":[{"symbol":"BTCUSDT","side":"Buy","size":"0.1","unrealisedPnl":"-10"}]}}`)
	case "/v5/order/create":
		s.mu.Lock()
		ret, msg := s.orderRet, s.orderRetMsg
		s.mu.Unlock()
		if ret != 0 {
			fmt.Fprintf(w, `{"retCode":%d,"retMsg":%q,"result":{}}`, ret, msg)
			return
		}
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"1","orderLinkId":""}}`)
	default:
		http.NotFound(w, r)
	}
}

func newBybitTestGateway(t *testing.T, srv *bybitServer) *BybitGateway {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	client := bybit.NewClient().WithAuth("key", "secret").WithBaseURL(ts.URL)
	return NewBybitGateway(client, "")
}

func TestBybitGateway_DailyPnLFollowsCursor(t *testing.T) {
	srv := &bybitServer{}
	gw := newBybitTestGateway(t, srv)

	pnl, err := gw.GetDailyPnL(context.Background(), time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	// both closed pnl pages plus the floating loss
	assert.True(t, decimal.RequireFromString("-560.5").Equal(pnl), "got %s", pnl)
	assert.Equal(t, []string{"", "page2"}, srv.cursors)
}

func TestBybitGateway_CloseErrors(t *testing.T) {
	tests := []struct {
		name        string
		ret         int
		msg         string
		alreadyGone bool
		retryable   bool
	}{
		{name: "accepted"},
		{name: "position already flat", ret: 110017, msg: "reduce-only rule not satisfied", alreadyGone: true},
		{name: "permission denied", ret: 10005, msg: "Permission denied", retryable: false},
		{name: "busy", ret: 10016, msg: "service busy", retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newBybitTestGateway(t, &bybitServer{orderRet: tt.ret, orderRetMsg: tt.msg})
			err := gw.ClosePosition(context.Background(), "BTCUSDT:long")
			switch {
			case tt.ret == 0:
				assert.NoError(t, err)
			case tt.alreadyGone:
				assert.True(t, IsAlreadyClosed(err), "got %v", err)
			default:
				require.Error(t, err)
				assert.Equal(t, tt.retryable, IsRetryable(err))
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}
