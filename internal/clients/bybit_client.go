package clients

import (
	"net/http"
	"time"

	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient creates an authenticated v5 client. The bybit client takes no context, so
// timeout on the HTTP client is what ends a hung request.
func NewBybitClient(apiKey, apiSecret string, timeout time.Duration) *bybit.Client {
	return bybit.NewClient().
		WithHTTPClient(&http.Client{Timeout: timeout}).
		WithAuth(apiKey, apiSecret)
}
