package cli

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/aaronromeo/dmarcpat/internal/credential"
	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/ingest"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Fetch reports on the configured schedule until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		defer d.close(ctx)

		runNow, err := cmd.Flags().GetBool("run-now")
		if err != nil {
			return err
		}

		st, err := d.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		resolver := credential.NewResolver(keyringOpener)
		job := func() { runScheduledFetch(ctx, d, st, resolver) }

		logger := cronLogger{logger: d.logger}
		scheduler := cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		)
		if _, err := scheduler.AddFunc(d.cfg.Schedule, job); err != nil {
			return errs.Configf("invalid schedule %q: %v", d.cfg.Schedule, err)
		}

		if runNow {
			job()
		}
		scheduler.Start()
		d.logger.InfoContext(ctx, "daemon started", slog.String("schedule", d.cfg.Schedule))

		<-ctx.Done()
		<-scheduler.Stop().Done()
		d.logger.Info("daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("run-now", false, "Fetch once immediately before waiting for the schedule")
}

// runScheduledFetch runs one fetch with its own run id. Results are only
// logged.
func runScheduledFetch(ctx context.Context, d *deps, st *store.Store, resolver *credential.Resolver) {
	if ctx.Err() != nil {
		return
	}
	driver := d.newDriver(st)
	reports, err := runFetch(ctx, d, driver, resolver, "")
	if err != nil {
		d.logger.ErrorContext(ctx, "scheduled fetch failed", slog.Any("error", err))
		return
	}
	for _, rep := range reports {
		if rep.Error != nil {
			d.logger.ErrorContext(ctx, "source failed",
				slog.String("kind", rep.Kind),
				slog.String("name", rep.Name),
				slog.String("message", rep.Error.Message),
			)
			continue
		}
		loaded, failed := ingest.Tally(rep.Results)
		d.logger.InfoContext(ctx, "source fetched",
			slog.String("kind", rep.Kind),
			slog.String("name", rep.Name),
			slog.Int("loaded", loaded),
			slog.Int("failed", failed),
		)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
