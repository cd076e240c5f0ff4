package gateway

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sentinel/config"
	"github.com/vadiminshakov/sentinel/internal/clients"
	"github.com/vadiminshakov/sentinel/internal/storage/simstate"
)

// New builds the platform gateway described by cfg, wrapped with the per-call timeout.
// This is the single point of truth for dispatching to platform-specific implementations.
func New(cfg config.Config, logger *zap.Logger) (*Bounded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var gw Gateway
	switch cfg.Platform {
	case config.PlatformSimulate:
		store, err := simstate.NewStore(cfg.SimStateDir, scopeFor(cfg.Symbol))
		if err != nil {
			return nil, errors.Wrap(err, "init simulate state store")
		}
		gw = NewSimulateGateway(logger.Named("simulate"), WithSymbolFilter(cfg.Symbol), WithStateStore(store))
	case config.PlatformBinance:
		client := clients.NewBinanceFuturesClient(cfg.Credentials.BinanceAPIKey, cfg.Credentials.BinanceAPISecret)
		gw = NewBinanceGateway(client, cfg.Symbol)
	case config.PlatformBybit:
		client := clients.NewBybitClient(cfg.Credentials.BybitAPIKey, cfg.Credentials.BybitAPISecret, cfg.GatewayTimeout)
		gw = NewBybitGateway(client, cfg.Symbol)
	case config.PlatformHyperliquid:
		client, err := clients.NewHyperliquidClient(cfg.Credentials.HyperliquidPrivateKey, cfg.Credentials.HyperliquidBaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create hyperliquid client")
		}
		gw = NewHyperliquidGateway(client.Exchange(), client.AccountAddress(), cfg.Symbol)
	default:
		return nil, errors.Wrap(ErrUnsupportedPlatform, cfg.Platform)
	}

	logger.Info("gateway ready",
		zap.String("platform", cfg.Platform),
		zap.String("symbol", cfg.Symbol),
		zap.Duration("timeout", cfg.GatewayTimeout))

	return NewBounded(gw, cfg.GatewayTimeout), nil
}

// Unwrap returns the wrapped gateway.
func (b *Bounded) Unwrap() Gateway {
	return b.next
}

func scopeFor(symbol string) string {
	if symbol == "" {
		return "account"
	}
	return fmt.Sprintf("account_%s", strings.ToLower(symbol))
}
