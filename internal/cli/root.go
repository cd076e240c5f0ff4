// Package cli holds the sentinel command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	EnvPath    string
}

// NewRootCmd builds the command tree. Running without a subcommand starts the guardian.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Risk guardian that enforces a daily loss limit on an exchange account",
		Long: `Sentinel watches the realized and unrealized PnL of a trading account.
When the daily loss limit is breached it closes every open position and keeps
closing new ones until the daily reset.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuardian(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to yaml config (optional, environment overrides it)")
	cmd.PersistentFlags().StringVar(&opts.EnvPath, "env", "", "Path to .env file (default ./.env)")

	cmd.AddCommand(
		newRunCmd(opts),
		newSetupCmd(),
		newCheckCmd(opts),
	)

	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the guardian loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuardian(cmd.Context(), opts)
		},
	}
}
