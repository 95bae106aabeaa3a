package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JaimeStill/go-agents/pkg/agent"
	gaconfig "github.com/JaimeStill/go-agents/pkg/config"
)

// ErrNoCredentials indicates that no tier produced a usable secret.
var ErrNoCredentials = errors.New("no credentials available")

// validatePrompt is the minimal round-trip payload. The content is
// irrelevant; only whether the backend accepts the credential matters.
const validatePrompt = "ping"

// Validate confirms the credentials against the configured backend with a
// minimal chat round-trip. An auth rejection reports invalid (false, nil);
// any other failure is indeterminate and returned to the caller to decide
// retry versus fail.
func (r *Resolver) Validate(ctx context.Context, creds *Credentials, cfg *gaconfig.AgentConfig) (bool, error) {
	if creds == nil || creds.Empty() {
		return false, ErrNoCredentials
	}

	probe, err := ApplyTo(creds, cfg)
	if err != nil {
		return false, err
	}

	a, err := agent.New(probe)
	if err != nil {
		return false, fmt.Errorf("create validation agent: %w", err)
	}

	if _, err := a.Chat(ctx, validatePrompt); err != nil {
		if IsAuthRejection(err) {
			r.logger.Warn("credential validation rejected", "source", creds.Source)
			return false, nil
		}
		return false, fmt.Errorf("validate credentials: %w", err)
	}

	return true, nil
}

// ApplyTo returns a copy of the agent configuration with the credential for
// the configured provider injected. The input configuration is not mutated.
func ApplyTo(creds *Credentials, cfg *gaconfig.AgentConfig) (*gaconfig.AgentConfig, error) {
	if cfg == nil || cfg.Provider == nil {
		return nil, fmt.Errorf("agent configuration missing provider")
	}

	secret, ok := creds.Provider(cfg.Provider.Name)
	if !ok {
		return nil, fmt.Errorf("%w: no secret for provider %s", ErrNoCredentials, cfg.Provider.Name)
	}

	out := *cfg
	provider := *cfg.Provider
	provider.Options = make(map[string]any, len(cfg.Provider.Options)+1)
	for k, v := range cfg.Provider.Options {
		provider.Options[k] = v
	}
	provider.Options["token"] = secret
	out.Provider = &provider

	return &out, nil
}

// authRejectionMarkers are backend error fragments that identify a credential
// rejection rather than a transient failure.
var authRejectionMarkers = []string{
	"401",
	"403",
	"unauthorized",
	"forbidden",
	"invalid api key",
	"authentication",
}

// IsAuthRejection reports whether err looks like the backend rejecting the
// credential. Everything else is treated as indeterminate by callers.
func IsAuthRejection(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authRejectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
