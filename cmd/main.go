// Command sentinel runs the risk guardian for a futures trading account.
// It enforces a daily loss limit: once the limit is breached every open position
// is closed and new positions are closed until the daily reset.
//
// Usage:
//
//	sentinel --config sentinel.yaml
//	sentinel setup
//	sentinel check --config sentinel.yaml
//
// Required environment variables:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
//	For Hyperliquid: HYPERLIQUID_PRIVATE_KEY
package main

import "github.com/vadiminshakov/sentinel/internal/cli"

func main() {
	cli.Execute()
}
