package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aaronromeo/dmarcpat/internal/credential"
	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/ingest"
	"github.com/aaronromeo/dmarcpat/internal/mailbox"
	"github.com/aaronromeo/dmarcpat/internal/remotefs"
)

// sourceReport is the outcome of one configured source.
type sourceReport struct {
	Kind    string          `json:"kind"`
	Name    string          `json:"name"`
	Error   *errs.Result    `json:"error,omitempty"`
	Results []ingest.Result `json:"results"`
}

func newSourceReport(kind, name string, results []ingest.Result, err error) sourceReport {
	rep := sourceReport{Kind: kind, Name: name, Results: results}
	if rep.Results == nil {
		rep.Results = []ingest.Result{}
	}
	if err != nil {
		res := errs.ResultOf(err, "")
		rep.Error = &res
	}
	return rep
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Load reports from every configured mailbox, directory and bucket once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		defer d.close(ctx)

		source, err := cmd.Flags().GetString("source")
		if err != nil {
			return err
		}
		dryRun, err := cmd.Flags().GetBool("dry-run")
		if err != nil {
			return err
		}
		asJSON, err := cmd.Flags().GetBool("json")
		if err != nil {
			return err
		}

		st, err := d.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var opts []ingest.Option
		if dryRun {
			opts = append(opts, ingest.WithDryRun())
		}
		reports, err := runFetch(ctx, d, d.newDriver(st, opts...), credential.NewResolver(keyringOpener), source)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		}
		return printFetch(cmd.OutOrStdout(), reports)
	},
}

func init() {
	fetchCmd.Flags().String("source", "", "Only fetch from the source with this name")
	fetchCmd.Flags().Bool("dry-run", false, "Load reports without applying when_done/when_failed actions")
	fetchCmd.Flags().Bool("json", false, "Print results as JSON")
}

// runFetch processes every configured source, or only the one named only.
// A failing source does not stop the others.
func runFetch(ctx context.Context, d *deps, driver *ingest.Driver, resolver *credential.Resolver, only string) ([]sourceReport, error) {
	cfg := d.cfg
	var reports []sourceReport
	matched := false

	for _, mb := range cfg.Mailboxes {
		if only != "" && mb.Name != only {
			continue
		}
		matched = true
		done, failed := cfg.MailboxActions(mb)
		boxCfg, err := mb.MailboxConfig(resolver)
		if err != nil {
			reports = append(reports, newSourceReport("mailbox", mb.Name, nil, err))
			continue
		}
		results, err := driver.ProcessMailbox(ctx, ingest.MailboxJob{
			Name:       mb.Name,
			Box:        mailbox.New(boxCfg, mailbox.WithLogger(d.logger)),
			Limit:      cfg.Fetcher.Mailboxes.MessagesMaximum,
			WhenDone:   done,
			WhenFailed: failed,
		})
		reports = append(reports, newSourceReport("mailbox", mb.Name, results, err))
	}

	for _, dir := range cfg.Directories {
		if only != "" && dir.Name != only {
			continue
		}
		matched = true
		done, failed := cfg.DirectoryActions(dir)
		results, err := driver.ProcessDirectory(ctx, ingest.DirectoryJob{
			Name:       dir.Name,
			Location:   dir.Location,
			Limit:      cfg.Fetcher.Directories.FilesMaximum,
			WhenDone:   done,
			WhenFailed: failed,
		})
		reports = append(reports, newSourceReport("directory", dir.Name, results, err))
	}

	for _, rfs := range cfg.RemoteFilesystems {
		if only != "" && rfs.Name != only {
			continue
		}
		matched = true
		fs, err := remotefs.NewS3(rfs.RemoteConfig(d.env))
		if err != nil {
			reports = append(reports, newSourceReport("remote", rfs.Name, nil, err))
			continue
		}
		done, failed := cfg.RemoteActions(rfs)
		results, err := driver.ProcessRemote(ctx, ingest.RemoteJob{
			Name:       rfs.Name,
			FS:         fs,
			Limit:      cfg.Fetcher.Directories.FilesMaximum,
			WhenDone:   done,
			WhenFailed: failed,
		})
		reports = append(reports, newSourceReport("remote", rfs.Name, results, err))
	}

	if only != "" && !matched {
		return nil, errs.Configf("no source named %q", only)
	}
	d.logger.InfoContext(ctx, "fetch finished", slog.Int("sources", len(reports)), slog.String("run_id", driver.RunID()))
	return reports, nil
}

func printFetch(w io.Writer, reports []sourceReport) error {
	if len(reports) == 0 {
		fmt.Fprintln(w, "no sources configured")
		return nil
	}
	failedSources := 0
	for _, rep := range reports {
		if rep.Error != nil {
			failedSources++
			fmt.Fprintf(w, "%s %q: %s\n", rep.Kind, rep.Name, rep.Error.Message)
			continue
		}
		loaded, failed := ingest.Tally(rep.Results)
		fmt.Fprintf(w, "%s %q: %d loaded, %d failed\n", rep.Kind, rep.Name, loaded, failed)
		for _, res := range rep.Results {
			printResult(w, res)
		}
	}
	if failedSources > 0 {
		return fmt.Errorf("%d of %d sources could not be read", failedSources, len(reports))
	}
	return nil
}
