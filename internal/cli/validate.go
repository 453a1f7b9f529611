package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aaronromeo/dmarcpat/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer d.close(commandContext(cmd))

		fmt.Fprintln(cmd.OutOrStdout(), config.Summary(d.cfg, d.env))
		return nil
	},
}
