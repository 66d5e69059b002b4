// Package policy vets session-creation requests before the manager
// commits any resources to them.
package policy

import (
	"fmt"
	"strings"

	"github.com/switchboard-ai/switchboard/internal/session"
)

// Policy enforces hosted-auth rules on session creation. The zero value
// allows everything a self-hosted deployment allows.
type Policy struct {
	// Hosted restricts auth modes that require an interactive login on
	// the gateway host.
	Hosted bool
}

// New returns a policy for the given deployment mode.
func New(hosted bool) *Policy {
	return &Policy{Hosted: hosted}
}

// ValidateCreate checks the agent kind, auth mode, and caller-supplied
// environment of a creation request.
func (p *Policy) ValidateCreate(agent session.Kind, authMode string, env map[string]string) error {
	if authMode == "" {
		authMode = session.AuthNone
	}
	switch authMode {
	case session.AuthNone, session.AuthInlineKey, session.AuthStoredKey, session.AuthInteractive:
	default:
		return fmt.Errorf("unknown auth mode %q", authMode)
	}

	if p.Hosted && authMode == session.AuthInteractive && agent == session.KindSDK {
		return fmt.Errorf("interactive login is not available in hosted mode; use inline-key or stored-key auth")
	}

	for name := range env {
		if !IsSecretEnvVar(name) {
			continue
		}
		if authorizesEnvSecrets(authMode) {
			continue
		}
		return fmt.Errorf("environment variable %s is not permitted with auth mode %q", name, authMode)
	}
	return nil
}

// authorizesEnvSecrets reports whether an auth mode lets callers carry
// provider secrets in the agent environment. Only the modes where the
// caller already supplies key material directly qualify.
func authorizesEnvSecrets(authMode string) bool {
	return authMode == session.AuthInlineKey
}

// IsSecretEnvVar matches provider credential variables: any *_API_KEY
// plus the Google Cloud credential family. The config loader uses the
// same rule to strip secrets from the environment inherited by backend
// children.
func IsSecretEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	if strings.HasSuffix(upper, "_API_KEY") {
		return true
	}
	if upper == "GOOGLE_APPLICATION_CREDENTIALS" {
		return true
	}
	if strings.HasPrefix(upper, "GOOGLE_CLOUD_") || strings.HasPrefix(upper, "CLOUDSDK_") {
		return true
	}
	return false
}
