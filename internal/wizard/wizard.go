// Package wizard provides an interactive setup wizard for the Switchboard
// gateway.
package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/pkg/cli"
)

// Wizard drives the interactive gateway config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run executes the interactive wizard and writes the config file.
func (w *Wizard) Run(outputPath string) error {
	fmt.Fprintln(w.p.Out)
	fmt.Fprintln(w.p.Out, "  Switchboard — Configuration Wizard")
	fmt.Fprintln(w.p.Out, strings.Repeat("─", 40))
	fmt.Fprintln(w.p.Out)

	cfg := &config.Config{}

	fmt.Fprintln(w.p.Out, "Server")
	cfg.Server.Addr = w.p.Ask("  Listen address", ":8420")
	origins := w.p.Ask("  Allowed CORS origins (comma-separated, * for any)", "*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
		}
	}
	fmt.Fprintln(w.p.Out)

	fmt.Fprintln(w.p.Out, "Authentication")
	generated, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	cfg.Auth.Mode = "static"
	if w.p.Confirm("  Generate a random API token?", true) {
		cfg.Auth.Token = generated
		fmt.Fprintf(w.p.Out, "  Token: %s\n", generated)
	} else {
		cfg.Auth.Token = w.p.AskPassword("  API token")
	}
	fmt.Fprintln(w.p.Out)

	fmt.Fprintln(w.p.Out, "Storage")
	cfg.Storage.Driver = w.p.Choose("  Database driver", []string{"sqlite", "postgres"}, 0)
	if cfg.Storage.Driver == "postgres" {
		cfg.Storage.DSN = w.p.Ask("  Postgres DSN", "postgres://localhost/switchboard")
	}
	cfg.DataDir = w.p.Ask("  Data directory", "./switchboard-data")
	fmt.Fprintln(w.p.Out)

	fmt.Fprintln(w.p.Out, "Credential Vault")
	if w.p.Confirm("  Enable the encrypted credential vault?", false) {
		key := w.p.AskPassword("  Vault master key (leave empty to generate)")
		if key == "" {
			key, err = config.GenerateRandomSecret()
			if err != nil {
				return fmt.Errorf("generate master key: %w", err)
			}
			fmt.Fprintf(w.p.Out, "  Master key: %s\n", key)
		}
		cfg.CredentialMasterKey = key
	}
	fmt.Fprintln(w.p.Out)

	cfg.Hosted = w.p.Confirm("Hosted mode (restrict interactive agent logins)?", false)

	fmt.Fprintln(w.p.Out)
	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", "./switchboard.json")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(outputPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(w.p.Out, "\n  Config written to %s\n", outputPath)
	fmt.Fprintln(w.p.Out)
	fmt.Fprintln(w.p.Out, "  Next steps:")
	fmt.Fprintf(w.p.Out, "    switchboard run %s\n\n", outputPath)

	return nil
}
