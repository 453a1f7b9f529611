package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aaronromeo/dmarcpat/internal/config"
	"github.com/aaronromeo/dmarcpat/internal/credential"
	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/mailbox"
)

type mailboxCheck struct {
	Name string `json:"name"`
	errs.Result
	Status *mailbox.Status `json:"status,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Connect to every configured mailbox and report its message counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		defer d.close(ctx)

		resolver := credential.NewResolver(keyringOpener)
		checks := make([]mailboxCheck, 0, len(d.cfg.Mailboxes))
		failed := 0
		for _, mb := range d.cfg.Mailboxes {
			check := mailboxCheck{Name: mb.Name}
			status, err := checkMailbox(ctx, d, resolver, mb)
			check.Result = errs.ResultOf(err, "ok")
			if err == nil {
				check.Status = &status
			} else {
				failed++
			}
			checks = append(checks, check)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(checks); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d mailboxes failed the check", failed, len(checks))
		}
		return nil
	},
}

func checkMailbox(ctx context.Context, d *deps, resolver *credential.Resolver, mb config.Mailbox) (mailbox.Status, error) {
	boxCfg, err := mb.MailboxConfig(resolver)
	if err != nil {
		return mailbox.Status{}, err
	}
	box := mailbox.New(boxCfg, mailbox.WithLogger(d.logger))
	defer box.Cleanup(ctx)
	return box.Check(ctx)
}
