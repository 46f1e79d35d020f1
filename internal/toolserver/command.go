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

package toolserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tombee/concierge/internal/config"
	"github.com/tombee/concierge/internal/credential"
)

// nowFunc is swapped out in tests.
var nowFunc = time.Now

// BuiltCommand is a ready-to-spawn command: an executable, discrete
// argument tokens (never a shell string), and "KEY=value" environment
// entries to overlay on the parent environment.
type BuiltCommand struct {
	Path string
	Args []string
	Env  []string
}

// CredentialSource resolves secret material at spawn time. The manager
// supplies an implementation backed by the credential store, wrapped
// with token refresh for delegated-authorization servers.
type CredentialSource interface {
	// Secret returns the stored secret for (instanceID, name).
	Secret(ctx context.Context, instanceID, name string) (string, error)

	// AccessToken returns a usable access token for a server configured
	// with delegated authorization.
	AccessToken(ctx context.Context, cfg *config.ServerConfig) (string, error)
}

// StoreCredentials adapts a credential.Store into a CredentialSource.
// AccessToken returns the stored token as-is and rejects stale ones;
// refresh is layered on by the oauth package.
type StoreCredentials struct {
	Store *credential.Store
}

// Secret returns the stored secret for (instanceID, name).
func (s StoreCredentials) Secret(ctx context.Context, instanceID, name string) (string, error) {
	return s.Store.Get(ctx, instanceID, name)
}

// AccessToken returns the stored access token, failing if it is stale.
func (s StoreCredentials) AccessToken(ctx context.Context, cfg *config.ServerConfig) (string, error) {
	record, err := s.Store.GetToken(ctx, cfg.ID)
	if err != nil {
		return "", err
	}
	if record.Expired(nowFunc()) {
		return "", fmt.Errorf("stored token for %q has expired", cfg.Name)
	}
	return record.AccessToken, nil
}

// defaultKeyFileVar is the variable a key-file secret is injected as
// when the configuration does not name one.
const defaultKeyFileVar = "API_KEY"

// defaultTokenVar is the variable a delegated-authorization access
// token is injected as when the configuration does not name one.
const defaultTokenVar = "API_TOKEN"

// BuildCommand turns a server configuration into spawnable argv tokens.
// Flag arguments render as a flag token followed by a value token;
// comma-separated values expand into repeated flag/value pairs with
// empty segments dropped. Arguments without a flag are appended as
// positionals. Fails before any spawn if a required argument has no
// value.
func BuildCommand(cfg *config.ServerConfig) (BuiltCommand, error) {
	if cfg.Transport != config.TransportStdio {
		return BuiltCommand{}, NewError(ErrorCodeValidation,
			fmt.Sprintf("tool server '%s' uses transport %q and cannot be spawned", cfg.Name, cfg.Transport))
	}

	var cmd BuiltCommand
	switch cfg.Package.Kind {
	case config.PackageNPM:
		cmd.Path = "npx"
		cmd.Args = []string{"-y", cfg.Package.Identifier}
	case config.PackagePyPI:
		cmd.Path = "uvx"
		cmd.Args = []string{cfg.Package.Identifier}
	case config.PackageBinary:
		cmd.Path = cfg.Package.Identifier
	default:
		return BuiltCommand{}, NewError(ErrorCodeValidation,
			fmt.Sprintf("unknown package kind %q", cfg.Package.Kind))
	}
	if cfg.Package.Runtime != "" {
		cmd.Path = cfg.Package.Runtime
	}

	for _, arg := range cfg.Args {
		if arg.Required && strings.TrimSpace(arg.Value) == "" {
			return BuiltCommand{}, NewError(ErrorCodeValidation,
				fmt.Sprintf("tool server '%s' is missing a value for required argument %q", cfg.Name, argLabel(arg))).
				WithSuggestions(fmt.Sprintf("Edit the server configuration: concierge server add %s", cfg.Name))
		}
		if arg.Value == "" && arg.Flag == "" {
			continue
		}
		if arg.Flag == "" {
			cmd.Args = append(cmd.Args, arg.Value)
			continue
		}
		// Comma-separated values expand into repeated flag/value pairs.
		for _, segment := range strings.Split(arg.Value, ",") {
			if segment == "" {
				continue
			}
			cmd.Args = append(cmd.Args, arg.Flag, segment)
		}
	}

	return cmd, nil
}

func argLabel(a config.Argument) string {
	if a.Flag != "" {
		return a.Flag
	}
	return "positional"
}

// BuildEnv resolves the environment entries a server declares. Secret
// variables come from the credential source; non-secret ones take their
// configured value or the parent environment. Key-file and
// delegated-authorization credentials are injected under their
// configured variable names. Only declared entries appear in the
// result; the parent environment overlay happens at spawn.
func BuildEnv(ctx context.Context, cfg *config.ServerConfig, creds CredentialSource) (map[string]string, error) {
	env := make(map[string]string, len(cfg.Env)+1)

	for _, ev := range cfg.Env {
		if ev.Secret {
			value, err := creds.Secret(ctx, cfg.ID, ev.Name)
			if err != nil {
				if ev.Required {
					if errors.Is(err, credential.ErrSecretNotFound) {
						return nil, ErrMissingCredential(cfg.Name, ev.Name)
					}
					return nil, NewError(ErrorCodeCredential,
						fmt.Sprintf("failed to resolve credential %s for '%s'", ev.Name, cfg.Name)).WithCause(err)
				}
				continue
			}
			env[ev.Name] = value
			continue
		}

		value := ev.Value
		if value == "" {
			value = os.Getenv(ev.Name)
		}
		if value == "" {
			if ev.Required {
				return nil, NewError(ErrorCodeValidation,
					fmt.Sprintf("tool server '%s' requires environment variable %s", cfg.Name, ev.Name))
			}
			continue
		}
		env[ev.Name] = value
	}

	switch cfg.Auth.Method {
	case config.AuthKeyFile:
		key, err := credential.ReadKeyFile(cfg.Auth.KeyFile)
		if err != nil {
			return nil, NewError(ErrorCodeCredential,
				fmt.Sprintf("failed to read key file for '%s'", cfg.Name)).
				WithDetail(cfg.Auth.KeyFile).
				WithCause(err)
		}
		name := cfg.Auth.KeyFileVar
		if name == "" {
			name = defaultKeyFileVar
		}
		env[name] = key

	case config.AuthOAuth:
		token, err := creds.AccessToken(ctx, cfg)
		if err != nil {
			if errors.Is(err, credential.ErrSecretNotFound) {
				return nil, NewError(ErrorCodeCredential,
					fmt.Sprintf("tool server '%s' is not connected", cfg.Name)).
					WithSuggestions(fmt.Sprintf("Authorize access: concierge auth %s", cfg.Name))
			}
			return nil, NewError(ErrorCodeCredential,
				fmt.Sprintf("failed to obtain access token for '%s'", cfg.Name)).WithCause(err)
		}
		name := defaultTokenVar
		if cfg.Auth.OAuth != nil && cfg.Auth.OAuth.TokenVar != "" {
			name = cfg.Auth.OAuth.TokenVar
		}
		env[name] = token
	}

	return env, nil
}

// EnvList renders an environment map as sorted "KEY=value" entries.
func EnvList(env map[string]string) []string {
	entries := make([]string, 0, len(env))
	for k, v := range env {
		entries = append(entries, k+"="+v)
	}
	sort.Strings(entries)
	return entries
}
