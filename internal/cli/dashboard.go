package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/tui/dashboard"
)

func newDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Open the terminal dashboard for a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			if server == "" {
				server = os.Getenv("SWITCHBOARD_SERVER")
			}
			if server == "" {
				server = "http://localhost:8420"
			}
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = os.Getenv("SWITCHBOARD_AUTH_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("no API token: pass --token or set SWITCHBOARD_AUTH_TOKEN")
			}
			return dashboard.Run(server, token)
		},
	}
	addClientFlags(cmd)
	return cmd
}
