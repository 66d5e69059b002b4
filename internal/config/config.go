// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/switchboard-ai/switchboard/internal/policy"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in
// production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a bearer token or JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Backends  BackendsConfig  `json:"backends,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// DataDir holds the credential vault, cloned repositories, and
	// session worktrees.
	DataDir string `json:"data_dir,omitempty"`

	// Hosted restricts interactive auth modes on session creation.
	Hosted bool `json:"hosted,omitempty"`

	// CredentialMasterKey unlocks the encrypted credential vault. Empty
	// disables stored-key auth.
	CredentialMasterKey string `json:"credential_master_key,omitempty"`
}

// ServerConfig defines the gateway's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8420"
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines API authentication settings.
type AuthConfig struct {
	Mode      string   `json:"mode,omitempty"` // "static" (default), "jwt", or "oidc"
	Token     string   `json:"token,omitempty"`
	JWTSecret string   `json:"jwt_secret,omitempty"`
	JWKSURL   string   `json:"jwks_url,omitempty"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver,omitempty"`    // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn,omitempty"`       // e.g. "switchboard.db"
	Retention Duration `json:"retention,omitempty"` // transcript/event retention
}

// SessionConfig defines session runtime behavior.
type SessionConfig struct {
	MaxSessions     int      `json:"max_sessions,omitempty"`
	IdleTimeout     Duration `json:"idle_timeout,omitempty"`
	RPCTimeout      Duration `json:"rpc_timeout,omitempty"`
	KillGrace       Duration `json:"kill_grace,omitempty"`
	MaxMessageBytes int      `json:"max_message_bytes,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"` // per-subscriber event queue
}

// BackendsConfig defines how agent backends are located.
type BackendsConfig struct {
	// DiscoverBinaries scans PATH for known agent executables at startup
	// and reports them through /readyz.
	DiscoverBinaries *bool `json:"discover_binaries,omitempty"`

	// ACPCommand overrides the subprocess agent command line.
	ACPCommand []string `json:"acp_command,omitempty"`

	// ClaudeCommand overrides the claude CLI binary for SDK sessions.
	ClaudeCommand string `json:"claude_command,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s"
// or bare seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads the optional config file, applies SWITCHBOARD_* environment
// overrides, and validates the result. An empty path loads from the
// environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays SWITCHBOARD_* variables; the environment wins over
// the file.
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv("SWITCHBOARD_" + key); ok {
			*dst = v
		}
	}
	var envErr error
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv("SWITCHBOARD_" + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			envErr = fmt.Errorf("SWITCHBOARD_%s: %w", key, err)
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v, ok := os.LookupEnv("SWITCHBOARD_" + key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			envErr = fmt.Errorf("SWITCHBOARD_%s: %w", key, err)
			return
		}
		*dst = b
	}
	setFloat := func(key string, dst *float64) {
		v, ok := os.LookupEnv("SWITCHBOARD_" + key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			envErr = fmt.Errorf("SWITCHBOARD_%s: %w", key, err)
			return
		}
		*dst = f
	}
	setDuration := func(key string, dst *Duration) {
		v, ok := os.LookupEnv("SWITCHBOARD_" + key)
		if !ok {
			return
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			if secs, serr := strconv.Atoi(v); serr == nil {
				dst.Duration = time.Duration(secs) * time.Second
				return
			}
			envErr = fmt.Errorf("SWITCHBOARD_%s: %w", key, err)
			return
		}
		dst.Duration = dur
	}

	setString("ADDR", &c.Server.Addr)
	setString("AUTH_TOKEN", &c.Auth.Token)
	setString("AUTH_MODE", &c.Auth.Mode)
	setBool("HOSTED", &c.Hosted)
	setString("CREDENTIAL_MASTER_KEY", &c.CredentialMasterKey)
	setDuration("IDLE_TIMEOUT", &c.Session.IdleTimeout)
	setDuration("RPC_TIMEOUT", &c.Session.RPCTimeout)
	setInt("MAX_SESSIONS", &c.Session.MaxSessions)
	setInt("MAX_MESSAGE_BYTES", &c.Session.MaxMessageBytes)
	setFloat("RATE_RPS", &c.RateLimit.RequestsPerSecond)
	setInt("RATE_BURST", &c.RateLimit.Burst)
	setString("STORAGE_DRIVER", &c.Storage.Driver)
	setString("STORAGE_DSN", &c.Storage.DSN)
	setString("DATA_DIR", &c.DataDir)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)

	if v, ok := os.LookupEnv("SWITCHBOARD_DISCOVER_BINARIES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SWITCHBOARD_DISCOVER_BINARIES: %w", err)
		}
		c.Backends.DiscoverBinaries = &b
	}
	return envErr
}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case "static", "jwt", "oidc":
	default:
		return fmt.Errorf("auth.mode must be static, jwt, or oidc")
	}
	if c.Auth.Mode == "jwt" {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required for jwt auth")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a well-known weak secret; generate a new one")
		}
	}
	if c.Auth.Mode == "oidc" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required for oidc auth")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8420"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "static"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.DataDir == "" {
		c.DataDir = "./switchboard-data"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = c.DataDir + "/switchboard.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 50
	}
	if c.Session.IdleTimeout.Duration == 0 {
		c.Session.IdleTimeout.Duration = 30 * time.Minute
	}
	if c.Session.RPCTimeout.Duration == 0 {
		c.Session.RPCTimeout.Duration = 60 * time.Second
	}
	if c.Session.KillGrace.Duration == 0 {
		c.Session.KillGrace.Duration = 5 * time.Second
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.Session.QueueSize == 0 {
		c.Session.QueueSize = 256
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Backends.DiscoverBinaries == nil {
		b := true
		c.Backends.DiscoverBinaries = &b
	}
}

// WeakAuthToken reports whether the static bearer token is missing or on
// the weak-secret blocklist. The gateway warns at startup but still runs.
func (c *Config) WeakAuthToken() bool {
	if c.Auth.Mode != "static" {
		return false
	}
	return c.Auth.Token == "" || len(c.Auth.Token) < 16 || knownWeakSecrets[c.Auth.Token]
}

// SanitizedEnviron returns the process environment with model-provider
// credential variables removed. Backend children inherit this snapshot;
// provider keys only reach them through explicit session auth.
func SanitizedEnviron() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if ok && policy.IsSecretEnvVar(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
