package gateway

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           "127.0.0.1:0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1 << 20,
		},
		Auth: config.AuthConfig{Mode: "static", Token: "test-token-0123456789abcdef"},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(dir, "test.db"),
		},
		Session: config.SessionConfig{
			MaxSessions: 5,
			RPCTimeout:  config.Duration{Duration: time.Second},
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
		DataDir:   dir,
	}
}

func TestNewGateway(t *testing.T) {
	g, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.vault.Enabled() {
		t.Error("expected vault disabled without a master key")
	}
	if err := g.store.Close(); err != nil {
		t.Errorf("close store: %v", err)
	}
}

func TestNewGatewayWithVault(t *testing.T) {
	cfg := testConfig(t)
	cfg.CredentialMasterKey = "test-master-key"
	g, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.store.Close()
	if !g.vault.Enabled() {
		t.Error("expected vault enabled with a master key")
	}
}

func TestGatewayRunShutdown(t *testing.T) {
	g, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()

	// Let the listener come up, then shut down.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down in time")
	}
}
