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

package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ServerNameRegex validates tool server display names.
// Names must start with a letter and contain only letters, numbers, hyphens,
// underscores, and spaces. Maximum length is 64 characters.
var ServerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_ -]{0,63}$`)

// Validate checks the whole configuration document: each entry must be
// individually valid and ids must be globally unique.
func Validate(f *File) error {
	seen := make(map[string]string, len(f.Servers))
	for _, s := range f.Servers {
		if err := ValidateServer(s); err != nil {
			return err
		}
		if prev, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate server id %q (used by %q and %q)", s.ID, prev, s.Name)
		}
		seen[s.ID] = s.Name
	}
	return nil
}

// ValidateServer checks a single server entry for structural validity.
// Argument-level validation (required values present) happens at spawn
// time so that an incomplete entry can be saved and finished later.
func ValidateServer(s *ServerConfig) error {
	if s.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if strings.ContainsRune(s.ID, '/') {
		return fmt.Errorf("server %q: id must not contain '/'", s.ID)
	}
	if !ServerNameRegex.MatchString(s.Name) {
		return fmt.Errorf("server %q: invalid name %q (must start with a letter; letters, numbers, hyphens, underscores, and spaces only; max 64 characters)", s.ID, s.Name)
	}

	switch s.Origin.Kind {
	case OriginOfficial, OriginCommunity:
		if s.Origin.CatalogID == "" {
			return fmt.Errorf("server %q: catalog origin requires catalog_id", s.Name)
		}
	case OriginManual:
	default:
		return fmt.Errorf("server %q: unknown origin kind %q", s.Name, s.Origin.Kind)
	}

	switch s.Package.Kind {
	case PackageNPM, PackagePyPI, PackageBinary:
		if s.Package.Identifier == "" {
			return fmt.Errorf("server %q: package identifier is required", s.Name)
		}
	default:
		return fmt.Errorf("server %q: unknown package kind %q", s.Name, s.Package.Kind)
	}

	switch s.Transport {
	case TransportStdio, TransportNetwork:
	default:
		return fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
	}

	if err := validateAuth(s); err != nil {
		return err
	}

	for _, ev := range s.Env {
		if ev.Name == "" {
			return fmt.Errorf("server %q: environment variable with empty name", s.Name)
		}
		if strings.ContainsRune(ev.Name, '=') {
			return fmt.Errorf("server %q: invalid environment variable name %q", s.Name, ev.Name)
		}
	}

	return nil
}

// validateAuth enforces consistency between the auth method discriminator
// and the method-specific fields: a key-file path must be absent unless the
// method is keyfile, and OAuth endpoints must be absent unless the method
// is oauth.
func validateAuth(s *ServerConfig) error {
	a := s.Auth
	switch a.Method {
	case AuthNone, AuthSecret:
		if a.KeyFile != "" || a.KeyFileVar != "" {
			return fmt.Errorf("server %q: key_file is only valid with auth method %q", s.Name, AuthKeyFile)
		}
		if a.OAuth != nil {
			return fmt.Errorf("server %q: oauth settings are only valid with auth method %q", s.Name, AuthOAuth)
		}
	case AuthKeyFile:
		if a.KeyFile == "" {
			return fmt.Errorf("server %q: auth method %q requires key_file", s.Name, AuthKeyFile)
		}
		if a.OAuth != nil {
			return fmt.Errorf("server %q: oauth settings are only valid with auth method %q", s.Name, AuthOAuth)
		}
	case AuthOAuth:
		if a.KeyFile != "" || a.KeyFileVar != "" {
			return fmt.Errorf("server %q: key_file is only valid with auth method %q", s.Name, AuthKeyFile)
		}
		if a.OAuth == nil {
			return fmt.Errorf("server %q: auth method %q requires oauth settings", s.Name, AuthOAuth)
		}
		if a.OAuth.AuthURL == "" || a.OAuth.TokenURL == "" || a.OAuth.ClientID == "" {
			return fmt.Errorf("server %q: oauth settings require auth_url, token_url, and client_id", s.Name)
		}
	default:
		return fmt.Errorf("server %q: unknown auth method %q", s.Name, a.Method)
	}
	return nil
}
