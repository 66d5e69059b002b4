package cli

import (
	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/wizard"
	"github.com/switchboard-ai/switchboard/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			return wizard.New(cli.DefaultPrompter()).Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./switchboard.json)")
	return cmd
}
