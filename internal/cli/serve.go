package cli

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aaronromeo/dmarcpat/internal/handler/reports"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the report upload API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		defer d.close(ctx)

		listen, err := cmd.Flags().GetString("listen")
		if err != nil {
			return err
		}
		if strings.TrimSpace(listen) == "" {
			listen = d.cfg.Server.Listen
		}

		st, err := d.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		app := reports.NewApp(reports.New(d.newDriver(st), st, d.logger))
		go func() {
			<-ctx.Done()
			if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
				d.logger.Error("server shutdown failed", slog.Any("error", err))
			}
		}()

		d.logger.InfoContext(ctx, "serving report uploads", slog.String("listen", listen))
		return app.Listen(listen)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (defaults to server.listen)")
}
