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

package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/tombee/concierge/internal/config"
	"github.com/tombee/concierge/internal/credential"
)

// Source resolves credentials for spawning tool servers, refreshing
// stale delegated-authorization tokens before they are injected. It is
// the CredentialSource the manager should be wired with for servers
// that use OAuth.
type Source struct {
	Store  *credential.Store
	Logger *slog.Logger

	// Now is swapped out in tests.
	Now func() time.Time
}

// NewSource creates a refresh-aware credential source over a store.
func NewSource(store *credential.Store, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{Store: store, Logger: logger, Now: time.Now}
}

// Secret returns the stored secret for (instanceID, name).
func (s *Source) Secret(ctx context.Context, instanceID, name string) (string, error) {
	return s.Store.Get(ctx, instanceID, name)
}

// AccessToken returns a usable access token for the server. A token
// with no expiry never expires; a stale token is refreshed with the
// stored refresh token and the refreshed pair replaces the stored
// record before the access token is returned.
func (s *Source) AccessToken(ctx context.Context, cfg *config.ServerConfig) (string, error) {
	record, err := s.Store.GetToken(ctx, cfg.ID)
	if err != nil {
		return "", err
	}

	if !record.Expired(s.Now()) {
		return record.AccessToken, nil
	}

	if record.RefreshToken == "" {
		return "", fmt.Errorf("token for %q has expired and no refresh token is stored; re-authorize with: concierge auth %s", cfg.Name, cfg.Name)
	}
	if cfg.Auth.OAuth == nil {
		return "", fmt.Errorf("tool server %q has a stored token but no oauth settings", cfg.Name)
	}

	s.Logger.Debug("refreshing expired token", slog.String("server", cfg.Name))

	refreshed, err := s.refresh(ctx, cfg.Auth.OAuth, record)
	if err != nil {
		return "", fmt.Errorf("token refresh for %q failed: %w", cfg.Name, err)
	}

	if err := s.Store.SetToken(ctx, cfg.ID, *refreshed); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	return refreshed.AccessToken, nil
}

func (s *Source) refresh(ctx context.Context, endpoint *config.OAuthEndpoint, record credential.TokenRecord) (*credential.TokenRecord, error) {
	conf := &oauth2.Config{
		ClientID:     endpoint.ClientID,
		ClientSecret: endpoint.ClientSecret,
		Scopes:       endpoint.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  endpoint.AuthURL,
			TokenURL: endpoint.TokenURL,
		},
	}

	stale := &oauth2.Token{RefreshToken: record.RefreshToken}
	fresh, err := conf.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, err
	}

	out := &credential.TokenRecord{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Scope:        record.Scope,
		Identity:     record.Identity,
	}
	if out.RefreshToken == "" {
		// Providers that rotate refresh tokens return a new one; those
		// that do not expect the old one to be reused.
		out.RefreshToken = record.RefreshToken
	}
	if !fresh.Expiry.IsZero() {
		expiry := fresh.Expiry
		out.Expiry = &expiry
	}
	return out, nil
}
