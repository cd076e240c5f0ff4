package cli

import (
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/sentinel/internal/setup"
)

func newSetupCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive wizard that writes a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunTUI(out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", setup.DefaultPath, "Where to write the config")
	return cmd
}
