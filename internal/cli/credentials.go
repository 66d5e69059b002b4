package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/vault"
	"github.com/switchboard-ai/switchboard/pkg/cli"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage stored provider credentials on a running gateway",
	}
	cmd.AddCommand(newCredentialsAddCmd())
	cmd.AddCommand(newCredentialsListCmd())
	cmd.AddCommand(newCredentialsRemoveCmd())
	return cmd
}

func newCredentialsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a provider API key in the gateway vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}

			p := cli.DefaultPrompter()
			providerKey, _ := cmd.Flags().GetString("provider")
			if providerKey == "" {
				providerKey = p.Ask("Provider key", "anthropic")
			}
			// The secret is prompted without echo and sent straight to the
			// gateway; it is never written to disk here.
			secret := p.AskPassword("API key")
			if secret == "" {
				return fmt.Errorf("no API key entered")
			}

			var resp struct {
				ID string `json:"id"`
			}
			body := map[string]string{"provider_key": providerKey, "secret": secret}
			if err := client.do("POST", "/v1/credentials", body, &resp); err != nil {
				return err
			}
			fmt.Printf("Stored credential %s (%s)\n", resp.ID, providerKey)
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().String("provider", "", "provider key (e.g. anthropic)")
	return cmd
}

func newCredentialsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}

			var metas []vault.Metadata
			if err := client.do("GET", "/v1/credentials", nil, &metas); err != nil {
				return err
			}
			if len(metas) == 0 {
				fmt.Println("No stored credentials.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tCREATED")
			for _, m := range metas {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.ProviderKey, m.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newCredentialsRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <credential-id>",
		Short: "Delete a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			if err := client.do("DELETE", "/v1/credentials/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Deleted credential %s\n", args[0])
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}
