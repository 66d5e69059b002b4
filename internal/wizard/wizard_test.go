package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/pkg/cli"
)

func runWizard(t *testing.T, input string) (config.Config, string) {
	t.Helper()
	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "switchboard.json")
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	return cfg, out.String()
}

func TestWizardManualToken(t *testing.T) {
	input := strings.Join([]string{
		":9000",                   // listen address
		"https://app.example.com", // CORS origins
		"n",                       // generate token: no
		"my-token-123",            // manual token
		"",                        // driver: sqlite (default)
		"/tmp/sb-data",            // data dir
		"y",                       // enable vault
		"vault-master-key",        // master key
		"",                        // hosted: no
	}, "\n") + "\n"

	cfg, _ := runWizard(t, input)

	if cfg.Server.Addr != ":9000" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9000")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("allowed_origins = %v, want [https://app.example.com]", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.Mode != "static" || cfg.Auth.Token != "my-token-123" {
		t.Errorf("auth = %+v, want static/my-token-123", cfg.Auth)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.DataDir != "/tmp/sb-data" {
		t.Errorf("data_dir = %q, want /tmp/sb-data", cfg.DataDir)
	}
	if cfg.CredentialMasterKey != "vault-master-key" {
		t.Error("expected the entered vault master key")
	}
	if cfg.Hosted {
		t.Error("expected hosted false")
	}
}

func TestWizardGeneratedToken(t *testing.T) {
	input := strings.Join([]string{
		"",  // listen address (default)
		"",  // origins (default *)
		"",  // generate token: yes (default)
		"",  // driver: sqlite
		"",  // data dir (default)
		"",  // vault: no (default)
		"y", // hosted: yes
	}, "\n") + "\n"

	cfg, out := runWizard(t, input)

	if len(cfg.Auth.Token) != 64 {
		t.Errorf("expected a 64-char generated token, got %d chars", len(cfg.Auth.Token))
	}
	if !strings.Contains(out, cfg.Auth.Token) {
		t.Error("expected the generated token to be printed")
	}
	if cfg.CredentialMasterKey != "" {
		t.Error("expected vault disabled")
	}
	if !cfg.Hosted {
		t.Error("expected hosted true")
	}
}

func TestWizardFilePermissions(t *testing.T) {
	input := strings.Repeat("\n", 7)
	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "switchboard.json")
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0600 {
		t.Errorf("expected mode 0600, got %o", got)
	}
}
