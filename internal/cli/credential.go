package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aaronromeo/dmarcpat/internal/credential"
	"github.com/aaronromeo/dmarcpat/internal/errs"
)

// keyringOpener is swapped in tests; nil selects the system keyring.
var keyringOpener credential.Opener

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage secrets referenced as keyring:KEY in the configuration",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set KEY",
	Short: "Store a secret read from stdin under KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && value == "" {
			return errs.Config("no secret given on stdin")
		}
		value = strings.TrimRight(value, "\r\n")
		if value == "" {
			return errs.Config("no secret given on stdin")
		}

		key := args[0]
		if err := credential.NewResolver(keyringOpener).Store(key, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored credential %q; reference it as keyring:%s\n", key, key)
		return nil
	},
}

func init() {
	credentialCmd.AddCommand(credentialSetCmd)
}
