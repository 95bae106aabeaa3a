// Package credentials discovers and validates the authentication material a
// run needs. Discovery walks a fixed priority order of tiers and the first
// populated tier wins. Secret values live in process memory only: they are
// never persisted and never logged; logging is restricted to the chosen tier
// and which providers are populated.
package credentials

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/oauth2"
)

// Source identifies the tier that produced the credentials.
type Source string

// Discovery tiers in priority order.
const (
	SourceExplicitEnv Source = "explicit-env"
	SourceHostOAuth   Source = "host-oauth"
	SourceLocalFile   Source = "local-file"
	SourceNone        Source = "none"
)

// Environment variables for the explicit tier. EnvAgentToken is set directly
// by an operator; EnvHostToken is propagated by a hosting environment to its
// children.
const (
	EnvAgentToken = "PRISM_AGENT_TOKEN"
	EnvHostToken  = "PRISM_HOST_TOKEN"
)

// hostCredentialsFile is the host product's on-disk OAuth record, relative to
// the user config dir.
var hostCredentialsFile = filepath.Join("prism-host", "credentials.json")

// Credentials is the discovered authentication material. Process-memory only.
type Credentials struct {
	Source       Source
	Expiry       time.Time
	Refresh      string
	DiscoveredAt time.Time

	secrets map[string]string
}

// Provider returns the secret for a provider id.
func (c *Credentials) Provider(id string) (string, bool) {
	secret, ok := c.secrets[id]
	return secret, ok
}

// Providers returns the populated provider ids, sorted. Safe to log.
func (c *Credentials) Providers() []string {
	ids := make([]string, 0, len(c.secrets))
	for id := range c.secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Empty reports whether no tier produced a secret.
func (c *Credentials) Empty() bool {
	return len(c.secrets) == 0
}

// Expired reports whether the credentials carry an expiry in the past.
// Zero expiry means the tier does not expire.
func (c *Credentials) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// Resolver discovers credentials for a workspace. Ambient process state
// (environment variables, user config dir) is captured at construction
// through injectable hooks rather than read ad hoc.
type Resolver struct {
	secretsPath     string
	defaultProvider string
	logger          *slog.Logger

	lookupEnv     func(string) (string, bool)
	userConfigDir func() (string, error)
	now           func() time.Time
}

// NewResolver creates a resolver. secretsPath is the project-local secret
// file; defaultProvider names the provider that bare environment tokens
// belong to.
func NewResolver(secretsPath, defaultProvider string, logger *slog.Logger) *Resolver {
	return &Resolver{
		secretsPath:     secretsPath,
		defaultProvider: defaultProvider,
		logger:          logger.With("system", "credentials"),
		lookupEnv:       os.LookupEnv,
		userConfigDir:   os.UserConfigDir,
		now:             time.Now,
	}
}

// Discover walks the tiers in priority order and returns the first match.
// It never fails: when no tier is populated the result has SourceNone.
func (r *Resolver) Discover() *Credentials {
	creds := r.fromEnv()
	if creds == nil {
		creds = r.fromHostOAuth()
	}
	if creds == nil {
		creds = r.fromLocalFile()
	}
	if creds == nil {
		creds = &Credentials{Source: SourceNone}
	}

	creds.DiscoveredAt = r.now().UTC()

	r.logger.Info(
		"credentials discovered",
		"source", creds.Source,
		"providers", creds.Providers(),
	)
	return creds
}

// fromEnv covers tier 1: a secret inherited through the process environment,
// either set explicitly or auto-propagated by a hosting environment.
func (r *Resolver) fromEnv() *Credentials {
	token, ok := r.lookupEnv(EnvAgentToken)
	if !ok || token == "" {
		token, ok = r.lookupEnv(EnvHostToken)
	}
	if !ok || token == "" {
		return nil
	}

	return &Credentials{
		Source:  SourceExplicitEnv,
		secrets: map[string]string{r.defaultProvider: token},
	}
}

// hostTokenRecord is the on-disk shape of the host OAuth file: provider id to
// OAuth token with expiry and refresh metadata.
type hostTokenRecord map[string]oauth2.Token

// fromHostOAuth covers tier 2: the host product's OAuth record on disk.
func (r *Resolver) fromHostOAuth() *Credentials {
	dir, err := r.userConfigDir()
	if err != nil {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(dir, hostCredentialsFile))
	if err != nil {
		return nil
	}

	var record hostTokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		r.logger.Warn("host credential record unreadable", "error", err)
		return nil
	}
	if len(record) == 0 {
		return nil
	}

	creds := &Credentials{
		Source:  SourceHostOAuth,
		secrets: make(map[string]string, len(record)),
	}
	for id, token := range record {
		if token.AccessToken == "" {
			continue
		}
		creds.secrets[id] = token.AccessToken
		if creds.Refresh == "" {
			creds.Refresh = token.RefreshToken
		}
		if !token.Expiry.IsZero() && (creds.Expiry.IsZero() || token.Expiry.Before(creds.Expiry)) {
			creds.Expiry = token.Expiry
		}
	}

	if len(creds.secrets) == 0 {
		return nil
	}
	return creds
}

// secretsFile is the project-local declarative secret file shape.
type secretsFile struct {
	Providers map[string]string `toml:"providers"`
}

// fromLocalFile covers tier 3: a declarative secret file inside the
// workspace control directory.
func (r *Resolver) fromLocalFile() *Credentials {
	data, err := os.ReadFile(r.secretsPath)
	if err != nil {
		return nil
	}

	var file secretsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		r.logger.Warn("project secret file unreadable", "error", err)
		return nil
	}

	secrets := make(map[string]string, len(file.Providers))
	for id, secret := range file.Providers {
		if secret != "" {
			secrets[id] = secret
		}
	}
	if len(secrets) == 0 {
		return nil
	}

	return &Credentials{
		Source:  SourceLocalFile,
		secrets: secrets,
	}
}
