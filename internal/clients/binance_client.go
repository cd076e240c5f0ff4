package clients

import (
	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
)

// NewBinanceFuturesClient creates a USDⓈ-M futures client.
func NewBinanceFuturesClient(apiKey, apiSecret string) *futures.Client {
	return binance.NewFuturesClient(apiKey, apiSecret)
}
