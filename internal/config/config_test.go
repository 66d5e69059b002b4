package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8420" {
		t.Errorf("expected default addr :8420, got %s", cfg.Server.Addr)
	}
	if cfg.Auth.Mode != "static" {
		t.Errorf("expected default auth mode static, got %s", cfg.Auth.Mode)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected default driver sqlite, got %s", cfg.Storage.Driver)
	}
	if cfg.Session.MaxSessions != 50 {
		t.Errorf("expected default max sessions 50, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.IdleTimeout.Duration != 30*time.Minute {
		t.Errorf("expected default idle timeout 30m, got %v", cfg.Session.IdleTimeout)
	}
	if cfg.Session.RPCTimeout.Duration != 60*time.Second {
		t.Errorf("expected default rpc timeout 60s, got %v", cfg.Session.RPCTimeout)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Backends.DiscoverBinaries == nil || !*cfg.Backends.DiscoverBinaries {
		t.Error("expected binary discovery enabled by default")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("unexpected default origins: %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":9000", "allowed_origins": ["https://app.example.com"]},
		"auth": {"mode": "static", "token": "a-sufficiently-long-token"},
		"session": {"idle_timeout": "5m", "rpc_timeout": 45, "max_sessions": 3},
		"storage": {"dsn": "/tmp/sb.db"},
		"hosted": true
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("expected addr :9000, got %s", cfg.Server.Addr)
	}
	if cfg.Session.IdleTimeout.Duration != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %v", cfg.Session.IdleTimeout)
	}
	if cfg.Session.RPCTimeout.Duration != 45*time.Second {
		t.Errorf("expected rpc timeout 45s from bare seconds, got %v", cfg.Session.RPCTimeout)
	}
	if cfg.Session.MaxSessions != 3 {
		t.Errorf("expected max sessions 3, got %d", cfg.Session.MaxSessions)
	}
	if !cfg.Hosted {
		t.Error("expected hosted mode")
	}
	if cfg.Storage.DSN != "/tmp/sb.db" {
		t.Errorf("unexpected dsn %s", cfg.Storage.DSN)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"server": {"addr": ":9000"}, "session": {"max_sessions": 3}}`)
	t.Setenv("SWITCHBOARD_ADDR", ":7777")
	t.Setenv("SWITCHBOARD_MAX_SESSIONS", "7")
	t.Setenv("SWITCHBOARD_IDLE_TIMEOUT", "90s")
	t.Setenv("SWITCHBOARD_HOSTED", "true")
	t.Setenv("SWITCHBOARD_DISCOVER_BINARIES", "false")
	t.Setenv("SWITCHBOARD_RATE_RPS", "2.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("expected env addr to win, got %s", cfg.Server.Addr)
	}
	if cfg.Session.MaxSessions != 7 {
		t.Errorf("expected env max sessions 7, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.IdleTimeout.Duration != 90*time.Second {
		t.Errorf("expected idle timeout 90s, got %v", cfg.Session.IdleTimeout)
	}
	if !cfg.Hosted {
		t.Error("expected hosted from env")
	}
	if *cfg.Backends.DiscoverBinaries {
		t.Error("expected binary discovery disabled via env")
	}
	if cfg.RateLimit.RequestsPerSecond != 2.5 {
		t.Errorf("expected rate 2.5, got %v", cfg.RateLimit.RequestsPerSecond)
	}
}

func TestEnvDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("SWITCHBOARD_RPC_TIMEOUT", "120")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.RPCTimeout.Duration != 120*time.Second {
		t.Errorf("expected 120s, got %v", cfg.Session.RPCTimeout)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown auth mode",
			content: `{"auth": {"mode": "basic"}}`,
			wantErr: "auth.mode",
		},
		{
			name:    "jwt without secret",
			content: `{"auth": {"mode": "jwt"}}`,
			wantErr: "jwt_secret is required",
		},
		{
			name:    "jwt short secret",
			content: `{"auth": {"mode": "jwt", "jwt_secret": "short"}}`,
			wantErr: "at least 32 characters",
		},
		{
			name:    "jwt weak secret",
			content: `{"auth": {"mode": "jwt", "jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
			wantErr: "weak secret",
		},
		{
			name:    "oidc without jwks",
			content: `{"auth": {"mode": "oidc"}}`,
			wantErr: "jwks_url is required",
		},
		{
			name:    "unknown storage driver",
			content: `{"storage": {"driver": "oracle"}}`,
			wantErr: "storage.driver",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{90 * time.Second}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"1m30s"` {
		t.Fatalf("expected \"1m30s\", got %s", b)
	}
	var back Duration
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Duration != 90*time.Second {
		t.Fatalf("expected 90s, got %v", back.Duration)
	}
	if err := json.Unmarshal([]byte("true"), &back); err == nil {
		t.Fatal("expected error for boolean duration")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64-char secret, got %d", len(a))
	}
	if a == b {
		t.Fatal("expected distinct secrets")
	}
}

func TestWeakAuthToken(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Mode: "static"}}
	if !cfg.WeakAuthToken() {
		t.Error("expected empty token to be weak")
	}
	cfg.Auth.Token = "changeme"
	if !cfg.WeakAuthToken() {
		t.Error("expected blocklisted token to be weak")
	}
	cfg.Auth.Token = "a-sufficiently-long-token"
	if cfg.WeakAuthToken() {
		t.Error("expected long token to pass")
	}
	cfg.Auth.Mode = "jwt"
	cfg.Auth.Token = ""
	if cfg.WeakAuthToken() {
		t.Error("expected jwt mode to skip the static token check")
	}
}

func TestSanitizedEnviron(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("SWITCHBOARD_TEST_PLAIN", "ok")

	env := SanitizedEnviron()
	for _, kv := range env {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") || strings.HasPrefix(kv, "GOOGLE_CLOUD_PROJECT=") {
			t.Fatalf("expected provider secret to be stripped, found %s", kv)
		}
	}
	found := false
	for _, kv := range env {
		if kv == "SWITCHBOARD_TEST_PLAIN=ok" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected plain variable to survive sanitisation")
	}
}
