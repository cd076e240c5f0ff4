package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overlays the environment on top of the yaml values.
func applyEnv(c *ConfigTmp) {
	c.Platform = getEnv("SENTINEL_PLATFORM", c.Platform)
	c.Symbol = getEnv("SYMBOL", c.Symbol)
	c.TestMode = getEnvBool("SENTINEL_TEST_MODE", c.TestMode)
	c.MaxDailyLoss = getEnv("MAX_LOSS_PRODUCTION", c.MaxDailyLoss)
	c.Timezone = getEnv("SENTINEL_TIMEZONE", c.Timezone)

	if hour := os.Getenv("RESET_HOUR"); hour != "" {
		minute := getEnv("RESET_MINUTE", "0")
		c.ResetTime = hour + ":" + minute
	} else if minute := os.Getenv("RESET_MINUTE"); minute != "" {
		hour := "4"
		if c.ResetTime != "" {
			hour = strings.Split(c.ResetTime, ":")[0]
		}
		c.ResetTime = hour + ":" + minute
	}

	c.NormalInterval = getEnvSeconds("NORMAL_CHECK_INTERVAL", c.NormalInterval)
	c.BlockInterval = getEnvSeconds("BLOCK_CHECK_INTERVAL", c.BlockInterval)
	c.HealthAddr = getEnv("SENTINEL_HEALTH_ADDR", c.HealthAddr)
	c.HyperliquidURL = getEnv("HYPERLIQUID_BASE_URL", c.HyperliquidURL)

	c.Notify.DiscordWebhookURL = getEnv("DISCORD_WEBHOOK_URL", c.Notify.DiscordWebhookURL)
	c.Notify.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramToken)
	if id, err := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64); err == nil {
		c.Notify.TelegramChatID = id
	}
}

func credentialsFromEnv(hyperliquidURL string) Credentials {
	return Credentials{
		BinanceAPIKey:         os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:      os.Getenv("BINANCE_API_SECRET"),
		BybitAPIKey:           os.Getenv("BYBIT_API_KEY"),
		BybitAPISecret:        os.Getenv("BYBIT_API_SECRET"),
		HyperliquidPrivateKey: os.Getenv("HYPERLIQUID_PRIVATE_KEY"),
		HyperliquidBaseURL:    hyperliquidURL,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvSeconds reads a float number of seconds, the format legacy .env files use.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || secs <= 0 {
		return defaultValue
	}
	return time.Duration(secs * float64(time.Second))
}
