package policy

import (
	"strings"
	"testing"

	"github.com/switchboard-ai/switchboard/internal/session"
)

func TestValidateCreate(t *testing.T) {
	tests := []struct {
		name     string
		hosted   bool
		agent    session.Kind
		authMode string
		env      map[string]string
		wantErr  string
	}{
		{
			name:     "none mode plain env",
			agent:    session.KindSubprocess,
			authMode: session.AuthNone,
			env:      map[string]string{"EDITOR": "vim", "TERM": "xterm"},
		},
		{
			name:  "empty mode defaults to none",
			agent: session.KindSDK,
		},
		{
			name:     "unknown auth mode",
			agent:    session.KindSDK,
			authMode: "oauth2",
			wantErr:  `unknown auth mode "oauth2"`,
		},
		{
			name:     "api key env rejected under none",
			agent:    session.KindSubprocess,
			authMode: session.AuthNone,
			env:      map[string]string{"ANTHROPIC_API_KEY": "sk-ant"},
			wantErr:  "not permitted",
		},
		{
			name:     "api key env allowed under inline-key",
			agent:    session.KindSubprocess,
			authMode: session.AuthInlineKey,
			env:      map[string]string{"OPENAI_API_KEY": "sk-oa"},
		},
		{
			name:     "api key env rejected under stored-key",
			agent:    session.KindSDK,
			authMode: session.AuthStoredKey,
			env:      map[string]string{"GEMINI_API_KEY": "g-key"},
			wantErr:  "not permitted",
		},
		{
			name:     "google application credentials rejected",
			agent:    session.KindSubprocess,
			authMode: session.AuthNone,
			env:      map[string]string{"GOOGLE_APPLICATION_CREDENTIALS": "/tmp/sa.json"},
			wantErr:  "GOOGLE_APPLICATION_CREDENTIALS",
		},
		{
			name:     "google cloud family rejected",
			agent:    session.KindSubprocess,
			authMode: session.AuthNone,
			env:      map[string]string{"GOOGLE_CLOUD_PROJECT": "proj"},
			wantErr:  "not permitted",
		},
		{
			name:     "cloudsdk family rejected",
			agent:    session.KindSubprocess,
			authMode: session.AuthNone,
			env:      map[string]string{"CLOUDSDK_AUTH_ACCESS_TOKEN": "tok"},
			wantErr:  "not permitted",
		},
		{
			name:     "lowercase secret name still caught",
			agent:    session.KindSubprocess,
			authMode: session.AuthNone,
			env:      map[string]string{"anthropic_api_key": "sk"},
			wantErr:  "not permitted",
		},
		{
			name:     "hosted blocks interactive sdk",
			hosted:   true,
			agent:    session.KindSDK,
			authMode: session.AuthInteractive,
			wantErr:  "hosted mode",
		},
		{
			name:     "hosted allows interactive subprocess",
			hosted:   true,
			agent:    session.KindSubprocess,
			authMode: session.AuthInteractive,
		},
		{
			name:     "self-hosted allows interactive sdk",
			agent:    session.KindSDK,
			authMode: session.AuthInteractive,
		},
		{
			name:     "hosted allows stored-key sdk",
			hosted:   true,
			agent:    session.KindSDK,
			authMode: session.AuthStoredKey,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := New(tc.hosted).ValidateCreate(tc.agent, tc.authMode, tc.env)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestIsSecretEnvVar(t *testing.T) {
	secret := []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "MY_CUSTOM_API_KEY",
		"GOOGLE_APPLICATION_CREDENTIALS", "GOOGLE_CLOUD_PROJECT",
		"CLOUDSDK_CORE_PROJECT",
	}
	for _, name := range secret {
		if !IsSecretEnvVar(name) {
			t.Errorf("expected %s to be treated as a secret", name)
		}
	}
	plain := []string{"PATH", "HOME", "API_KEYRING", "GOOGLE_MAPS_URL", "TERM"}
	for _, name := range plain {
		if IsSecretEnvVar(name) {
			t.Errorf("expected %s not to be treated as a secret", name)
		}
	}
}
