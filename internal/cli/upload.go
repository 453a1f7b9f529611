package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aaronromeo/dmarcpat/internal/ingest"
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Load report files from disk",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		defer d.close(ctx)

		st, err := d.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		driver := d.newDriver(st)
		results := make([]ingest.Result, 0, len(args))
		for _, path := range args {
			res := driver.ProcessFile(ctx, path, "")
			printResult(cmd.OutOrStdout(), res)
			results = append(results, res)
		}

		if _, failed := ingest.Tally(results); failed > 0 {
			return fmt.Errorf("%d of %d reports were not loaded", failed, len(results))
		}
		return nil
	},
}
