// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the tool server configuration model and its
// YAML persistence. The configuration file holds an ordered list of
// ServerConfig records; ids are immutable after creation and everything
// else may be edited.
package config

import "time"

// OriginKind discriminates where a server configuration came from.
type OriginKind string

const (
	// OriginOfficial marks entries installed from the authoritative catalog.
	OriginOfficial OriginKind = "official"
	// OriginCommunity marks entries installed from a community catalog.
	OriginCommunity OriginKind = "community"
	// OriginManual marks entries entered by hand.
	OriginManual OriginKind = "manual"
)

// Origin records the provenance of a server configuration.
type Origin struct {
	Kind OriginKind `yaml:"kind"`

	// Registry is the catalog identifier for catalog origins.
	Registry string `yaml:"registry,omitempty"`

	// CatalogID is the server's identifier within its catalog.
	CatalogID string `yaml:"catalog_id,omitempty"`
}

// PackageKind identifies how a tool server is distributed.
type PackageKind string

const (
	// PackageNPM is an npm package launched via npx.
	PackageNPM PackageKind = "npm"
	// PackagePyPI is a Python package launched via uvx.
	PackagePyPI PackageKind = "pypi"
	// PackageBinary is a plain executable on disk.
	PackageBinary PackageKind = "binary"
)

// Package describes the installable artifact for a tool server.
type Package struct {
	Kind       PackageKind `yaml:"kind"`
	Identifier string      `yaml:"identifier"`

	// Runtime overrides the default launcher for the package kind
	// (e.g., "bunx" instead of "npx").
	Runtime string `yaml:"runtime,omitempty"`
}

// TransportKind identifies how the host communicates with a server.
type TransportKind string

const (
	// TransportStdio runs the server as a child process over standard streams.
	TransportStdio TransportKind = "stdio"
	// TransportNetwork connects to an already-running server over the
	// network. Declared for the outer application; not spawnable here.
	TransportNetwork TransportKind = "network"
)

// AuthMethod discriminates how a server authenticates.
type AuthMethod string

const (
	// AuthNone requires no credentials.
	AuthNone AuthMethod = "none"
	// AuthSecret injects stored secret values as environment variables.
	AuthSecret AuthMethod = "secret"
	// AuthKeyFile reads the secret from a file on disk.
	AuthKeyFile AuthMethod = "keyfile"
	// AuthOAuth uses a delegated-authorization token obtained via the
	// browser flow.
	AuthOAuth AuthMethod = "oauth"
)

// OAuthEndpoint holds the provider endpoints for the delegated
// authorization flow. The client secret is optional for PKCE providers.
type OAuthEndpoint struct {
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
	UsePKCE      bool     `yaml:"use_pkce,omitempty"`

	// TokenVar is the environment variable the access token is injected
	// as when the server starts (default: API_TOKEN).
	TokenVar string `yaml:"token_var,omitempty"`
}

// Auth describes a server's authentication requirements.
// Fields other than Method are only valid for the matching method.
type Auth struct {
	Method AuthMethod `yaml:"method"`

	// KeyFile is the path to a key file. Only valid for AuthKeyFile.
	KeyFile string `yaml:"key_file,omitempty"`

	// KeyFileVar is the environment variable the key file content is
	// injected as (default: API_KEY). Only valid for AuthKeyFile.
	KeyFileVar string `yaml:"key_file_var,omitempty"`

	// OAuth holds provider endpoints. Only valid for AuthOAuth.
	OAuth *OAuthEndpoint `yaml:"oauth,omitempty"`
}

// EnvVar declares an environment variable a server needs at launch.
// Secret variables are resolved through the credential store; non-secret
// ones take their value from Value or the parent environment.
type EnvVar struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required,omitempty"`
	Secret   bool   `yaml:"secret,omitempty"`
	Value    string `yaml:"value,omitempty"`
}

// Argument is a validated command-line argument for a tool server.
// Flag arguments render as a flag token followed by a value token;
// comma-separated values expand into repeated flag/value pairs.
// Arguments without a flag are appended as positionals, verbatim.
type Argument struct {
	Flag     string `yaml:"flag,omitempty"`
	Value    string `yaml:"value,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// ServerConfig is one tool server entry.
type ServerConfig struct {
	// ID uniquely identifies this entry. Immutable after creation.
	ID string `yaml:"id"`

	// Name is the display name, also used as the capability prefix.
	Name string `yaml:"name"`

	Enabled   bool          `yaml:"enabled"`
	Origin    Origin        `yaml:"origin"`
	Package   Package       `yaml:"package"`
	Transport TransportKind `yaml:"transport"`
	Auth      Auth          `yaml:"auth"`
	Env       []EnvVar      `yaml:"env,omitempty"`
	Args      []Argument    `yaml:"args,omitempty"`

	// Tools restricts the exposed capabilities to names matching these
	// glob patterns. Empty means expose everything.
	Tools []string `yaml:"tools,omitempty"`

	// Settings carries free-form server-specific configuration.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Defaults provides default lifecycle values for all servers.
type Defaults struct {
	// TimeoutSeconds is the default per-call timeout (default: 30).
	TimeoutSeconds int `yaml:"timeout,omitempty"`

	// MaxRestartAttempts limits crash restarts before an instance is
	// marked permanently failed (default: 3).
	MaxRestartAttempts int `yaml:"max_restart_attempts,omitempty"`

	// IdleTimeoutMinutes stops servers unused for this long (default: 30).
	IdleTimeoutMinutes int `yaml:"idle_timeout,omitempty"`

	// HealthIntervalSeconds is the period between health pings (default: 60).
	HealthIntervalSeconds int `yaml:"health_interval,omitempty"`
}

// File is the on-disk configuration document.
type File struct {
	Servers  []*ServerConfig `yaml:"servers,omitempty"`
	Defaults Defaults        `yaml:"defaults,omitempty"`
}

// DefaultDefaults returns the default lifecycle values.
func DefaultDefaults() Defaults {
	return Defaults{
		TimeoutSeconds:        30,
		MaxRestartAttempts:    3,
		IdleTimeoutMinutes:    30,
		HealthIntervalSeconds: 60,
	}
}

// CallTimeout returns the default per-call timeout as a duration.
func (d Defaults) CallTimeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// IdleTimeout returns the idle eviction threshold as a duration.
func (d Defaults) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutMinutes) * time.Minute
}

// HealthInterval returns the health check period as a duration.
func (d Defaults) HealthInterval() time.Duration {
	return time.Duration(d.HealthIntervalSeconds) * time.Second
}

// Find returns the server entry with the given id, or nil.
func (f *File) Find(id string) *ServerConfig {
	for _, s := range f.Servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// FindByName returns the server entry with the given display name, or nil.
func (f *File) FindByName(name string) *ServerConfig {
	for _, s := range f.Servers {
		if s.Name == name {
			return s
		}
	}
	return nil
}
