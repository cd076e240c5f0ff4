package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vadiminshakov/sentinel/config"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath, opts.EnvPath)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

// printConfig writes the effective configuration without secrets.
func printConfig(w io.Writer, cfg config.Config) {
	symbol := cfg.Symbol
	if symbol == "" {
		symbol = "(all)"
	}
	fmt.Fprintf(w, "platform:        %s\n", cfg.Platform)
	fmt.Fprintf(w, "symbol:          %s\n", symbol)
	fmt.Fprintf(w, "test mode:       %t\n", cfg.TestMode)
	fmt.Fprintf(w, "max daily loss:  %s\n", cfg.DailyLossThreshold.String())
	fmt.Fprintf(w, "reset:           %02d:%02d %s\n", cfg.ResetHour, cfg.ResetMinute, cfg.Location)
	fmt.Fprintf(w, "intervals:       %s normal, %s block\n", cfg.NormalInterval, cfg.BlockInterval)
	fmt.Fprintf(w, "gateway timeout: %s\n", cfg.GatewayTimeout)
	fmt.Fprintf(w, "close retries:   %d\n", cfg.CloseRetries)
	fmt.Fprintf(w, "health addr:     %s\n", cfg.HealthAddr)
	if len(cfg.TLSDomains) > 0 {
		fmt.Fprintf(w, "tls domains:     %s\n", strings.Join(cfg.TLSDomains, ","))
	}
	fmt.Fprintf(w, "audit:           wal=%s csv=%s sqlite=%s\n", cfg.Audit.WALDir, cfg.Audit.CSVDir, orNone(cfg.Audit.SQLitePath))

	var channels []string
	if cfg.Notify.DiscordWebhookURL != "" {
		channels = append(channels, "discord")
	}
	if cfg.Notify.TelegramToken != "" {
		channels = append(channels, "telegram")
	}
	fmt.Fprintf(w, "notify:          %s\n", orNone(strings.Join(channels, ",")))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
