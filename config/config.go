package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// supported platforms
const (
	PlatformSimulate    = "simulate"
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"
)

const (
	DefaultNormalInterval = 5 * time.Second
	DefaultBlockInterval  = 500 * time.Millisecond
	DefaultGatewayTimeout = 2 * time.Second
	DefaultResetHour      = 4
	DefaultHealthAddr     = ":8765"
	DefaultWALDir         = "./wal/audit"
	DefaultCSVDir         = "./logs"
	DefaultSimStateDir    = "./wal/simulate"

	// MaxGatewayTimeout bounds every gateway call so a slow exchange cannot stretch the tick.
	MaxGatewayTimeout = 2 * time.Second
)

// ErrInvalidConfig is returned when the configuration must not be used to start the guardian.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the validated, immutable guardian configuration.
type Config struct {
	Platform string
	Symbol   string
	TestMode bool

	DailyLossThreshold decimal.Decimal
	ResetHour          int
	ResetMinute        int
	Location           *time.Location

	NormalInterval time.Duration
	BlockInterval  time.Duration
	GatewayTimeout time.Duration
	CloseRetries   int

	Credentials Credentials
	SimStateDir string

	HealthAddr   string
	TLSDomains   []string
	CertCacheDir string

	Audit      AuditConfig
	Notify     NotifyConfig
	Log        LogConfig
	Supervisor SupervisorConfig
}

// Credentials holds exchange secrets. They only come from the environment.
type Credentials struct {
	BinanceAPIKey         string
	BinanceAPISecret      string
	BybitAPIKey           string
	BybitAPISecret        string
	HyperliquidPrivateKey string
	HyperliquidBaseURL    string
}

// AuditConfig configures audit persistence.
type AuditConfig struct {
	WALDir     string
	CSVDir     string
	SQLitePath string
	QueueSize  int
}

// NotifyConfig configures alert channels.
type NotifyConfig struct {
	DiscordWebhookURL string
	TelegramToken     string
	TelegramChatID    int64
	MinInterval       time.Duration
}

// LogConfig configures the zap logger and optional file rotation.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SupervisorConfig controls restarts of the guardian loop.
type SupervisorConfig struct {
	MaxRestarts int
	Cooldown    time.Duration
}

// ConfigTmp is the on-disk yaml representation.
type ConfigTmp struct {
	Platform       string        `yaml:"platform"`
	Symbol         string        `yaml:"symbol,omitempty"`
	TestMode       bool          `yaml:"test_mode,omitempty"`
	MaxDailyLoss   string        `yaml:"max_daily_loss"`
	ResetTime      string        `yaml:"reset_time,omitempty"`
	Timezone       string        `yaml:"timezone,omitempty"`
	NormalInterval time.Duration `yaml:"normal_interval,omitempty"`
	BlockInterval  time.Duration `yaml:"block_interval,omitempty"`
	GatewayTimeout time.Duration `yaml:"gateway_timeout,omitempty"`
	CloseRetries   *int          `yaml:"close_retries,omitempty"`
	SimStateDir    string        `yaml:"sim_state_dir,omitempty"`
	HealthAddr     string        `yaml:"health_addr,omitempty"`
	TLSDomains     []string      `yaml:"tls_domains,omitempty"`
	CertCacheDir   string        `yaml:"cert_cache_dir,omitempty"`
	HyperliquidURL string        `yaml:"hyperliquid_url,omitempty"`
	Audit          AuditTmp      `yaml:"audit,omitempty"`
	Notify         NotifyTmp     `yaml:"notify,omitempty"`
	Log            LogTmp        `yaml:"log,omitempty"`
	Supervisor     SupervisorTmp `yaml:"supervisor,omitempty"`
}

type AuditTmp struct {
	WALDir     string `yaml:"wal_dir,omitempty"`
	CSVDir     string `yaml:"csv_dir,omitempty"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
	QueueSize  int    `yaml:"queue_size,omitempty"`
}

type NotifyTmp struct {
	DiscordWebhookURL string        `yaml:"discord_webhook_url,omitempty"`
	TelegramToken     string        `yaml:"telegram_token,omitempty"`
	TelegramChatID    int64         `yaml:"telegram_chat_id,omitempty"`
	MinInterval       time.Duration `yaml:"min_interval,omitempty"`
}

type LogTmp struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

type SupervisorTmp struct {
	MaxRestarts int           `yaml:"max_restarts,omitempty"`
	Cooldown    time.Duration `yaml:"cooldown,omitempty"`
}

// Load reads the yaml file (optional), overlays the .env file and process environment, and validates.
func Load(path, envPath string) (Config, error) {
	var tmp ConfigTmp
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	// missing .env is fine, the environment may be set by the service manager
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}
	applyEnv(&tmp)

	cfg, err := tmp.Build()
	if err != nil {
		return Config{}, err
	}
	cfg.Credentials = credentialsFromEnv(cfg.Credentials.HyperliquidBaseURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Build converts the raw representation into a Config with defaults applied. It does not validate.
func (c ConfigTmp) Build() (Config, error) {
	cfg := Config{
		Platform:       strings.ToLower(strings.TrimSpace(c.Platform)),
		Symbol:         strings.ToUpper(strings.TrimSpace(c.Symbol)),
		TestMode:       c.TestMode,
		ResetHour:      DefaultResetHour,
		NormalInterval: orDuration(c.NormalInterval, DefaultNormalInterval),
		BlockInterval:  orDuration(c.BlockInterval, DefaultBlockInterval),
		GatewayTimeout: orDuration(c.GatewayTimeout, DefaultGatewayTimeout),
		CloseRetries:   2,
		SimStateDir:    orString(c.SimStateDir, DefaultSimStateDir),
		HealthAddr:     orString(c.HealthAddr, DefaultHealthAddr),
		TLSDomains:     c.TLSDomains,
		CertCacheDir:   orString(c.CertCacheDir, "cert-cache"),
		Credentials:    Credentials{HyperliquidBaseURL: c.HyperliquidURL},
		Audit: AuditConfig{
			WALDir:     orString(c.Audit.WALDir, DefaultWALDir),
			CSVDir:     orString(c.Audit.CSVDir, DefaultCSVDir),
			SQLitePath: c.Audit.SQLitePath,
			QueueSize:  orInt(c.Audit.QueueSize, 1024),
		},
		Notify: NotifyConfig{
			DiscordWebhookURL: c.Notify.DiscordWebhookURL,
			TelegramToken:     c.Notify.TelegramToken,
			TelegramChatID:    c.Notify.TelegramChatID,
			MinInterval:       orDuration(c.Notify.MinInterval, 2*time.Second),
		},
		Log: LogConfig{
			Level:      orString(c.Log.Level, "info"),
			File:       c.Log.File,
			MaxSizeMB:  orInt(c.Log.MaxSizeMB, 50),
			MaxBackups: orInt(c.Log.MaxBackups, 7),
			MaxAgeDays: orInt(c.Log.MaxAgeDays, 30),
		},
		Supervisor: SupervisorConfig{
			MaxRestarts: orInt(c.Supervisor.MaxRestarts, 5),
			Cooldown:    orDuration(c.Supervisor.Cooldown, 60*time.Second),
		},
	}
	if c.CloseRetries != nil {
		cfg.CloseRetries = *c.CloseRetries
	}
	if cfg.TestMode {
		cfg.Platform = PlatformSimulate
	}

	if c.MaxDailyLoss != "" {
		limit, err := decimal.NewFromString(strings.TrimSpace(c.MaxDailyLoss))
		if err != nil {
			return Config{}, errors.Wrapf(ErrInvalidConfig, "incorrect 'max_daily_loss' param %q (must be a decimal)", c.MaxDailyLoss)
		}
		// MAX_LOSS_PRODUCTION stores the limit as a negative number
		cfg.DailyLossThreshold = limit.Abs()
	}

	if c.ResetTime != "" {
		hour, minute, err := ParseResetTime(c.ResetTime)
		if err != nil {
			return Config{}, errors.Wrapf(ErrInvalidConfig, "incorrect 'reset_time' param: %v", err)
		}
		cfg.ResetHour, cfg.ResetMinute = hour, minute
	}

	cfg.Location = time.Local
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return Config{}, errors.Wrapf(ErrInvalidConfig, "incorrect 'timezone' param %q: %v", c.Timezone, err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

// Validate fails fast on any configuration the guardian must not run with.
func (c Config) Validate() error {
	var problems []string

	if c.DailyLossThreshold.LessThanOrEqual(decimal.Zero) {
		problems = append(problems, "max daily loss must be greater than zero")
	}
	if c.ResetHour < 0 || c.ResetHour > 23 {
		problems = append(problems, fmt.Sprintf("reset hour %d out of range 0-23", c.ResetHour))
	}
	if c.ResetMinute < 0 || c.ResetMinute > 59 {
		problems = append(problems, fmt.Sprintf("reset minute %d out of range 0-59", c.ResetMinute))
	}
	if c.NormalInterval <= 0 || c.BlockInterval <= 0 {
		problems = append(problems, "poll intervals must be positive")
	} else if c.BlockInterval > c.NormalInterval {
		problems = append(problems, "block interval must not exceed normal interval")
	}
	if c.GatewayTimeout <= 0 || c.GatewayTimeout > MaxGatewayTimeout {
		problems = append(problems, fmt.Sprintf("gateway timeout must be in (0, %s]", MaxGatewayTimeout))
	} else if c.NormalInterval > 0 && c.GatewayTimeout >= c.NormalInterval {
		problems = append(problems, "gateway timeout must be shorter than the normal interval")
	}
	if c.CloseRetries < 0 {
		problems = append(problems, "close retries must not be negative")
	}
	if c.Location == nil {
		problems = append(problems, "timezone is not resolved")
	}

	switch c.Platform {
	case PlatformSimulate:
	case PlatformBinance:
		if c.Credentials.BinanceAPIKey == "" || c.Credentials.BinanceAPISecret == "" {
			problems = append(problems, "BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
	case PlatformBybit:
		if c.Credentials.BybitAPIKey == "" || c.Credentials.BybitAPISecret == "" {
			problems = append(problems, "BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
		}
	case PlatformHyperliquid:
		if c.Credentials.HyperliquidPrivateKey == "" {
			problems = append(problems, "HYPERLIQUID_PRIVATE_KEY environment variable must be set")
		}
	case "":
		problems = append(problems, "platform is required")
	default:
		problems = append(problems, fmt.Sprintf("unsupported platform: %s", c.Platform))
	}

	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == 0 {
		problems = append(problems, "telegram chat id is required when telegram token is set")
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ParseResetTime parses "HH:MM" or "HH".
func ParseResetTime(s string) (hour, minute int, _ error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("invalid reset time %q, expected HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid reset hour in %q", s)
	}
	if len(parts) == 2 {
		minute, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid reset minute in %q", s)
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("reset time %q out of range", s)
	}
	return hour, minute, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
