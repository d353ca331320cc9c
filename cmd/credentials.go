package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"stagegate/internal/credentials"
	"stagegate/internal/ui"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage secrets referenced from stagegate.yaml",
		Long: `Secrets are kept in the OS keyring, or in an encrypted file under the state
directory on hosts without one. Reference a stored secret from the config as
keyring:<name>, e.g. password: keyring:warehouse.`,
	}

	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret under name",
		Args:  cobra.ExactArgs(1),
		RunE:  runCredentialsSet,
	}
	set.Flags().Bool("stdin", false, "read the secret from standard input instead of prompting")

	cmd.AddCommand(set)
	return cmd
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	name := args[0]

	var secret string
	if fromStdin, _ := cmd.Flags().GetBool("stdin"); fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		secret = strings.TrimRight(string(data), "\r\n")
	} else {
		secret, err = ui.Password(fmt.Sprintf("Secret for %q:", name))
		if err != nil {
			return err
		}
	}
	if secret == "" {
		return fmt.Errorf("empty secret for %q", name)
	}

	store, err := credentials.NewStore(credentialsDir(cfg))
	if err != nil {
		return err
	}
	if err := store.Set(name, secret); err != nil {
		return err
	}
	ui.ShowSuccess(fmt.Sprintf("stored %q; reference it as %s%s", name, credentials.ReferencePrefix, name))
	return nil
}
