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

// Package oauth drives the delegated-authorization flow for tool
// servers: browser authorization against the provider, a loopback
// callback with CSRF protection, code exchange, and refresh of stored
// tokens before use.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/tombee/concierge/internal/config"
	"github.com/tombee/concierge/internal/credential"
)

// Status represents the state of an authorization flow.
type Status string

const (
	// StatusNotConnected means no flow has run and no token is stored.
	StatusNotConnected Status = "not_connected"
	// StatusAuthorizing means the browser flow is open and the flow is
	// waiting for the provider callback.
	StatusAuthorizing Status = "authorizing"
	// StatusConnected means a token was obtained and persisted.
	StatusConnected Status = "connected"
	// StatusError means the flow failed, including CSRF rejection.
	StatusError Status = "error"
	// StatusTimeout means no callback arrived within the window.
	StatusTimeout Status = "timeout"
)

// DefaultTimeout is how long the flow waits for the provider callback.
const DefaultTimeout = 2 * time.Minute

// ErrStateMismatch is returned when a callback carries a state value
// that does not match the one issued at flow start. Such callbacks are
// rejected outright.
var ErrStateMismatch = errors.New("authorization state mismatch")

// Flow is a single authorization attempt for one tool server.
type Flow struct {
	cfg      *config.ServerConfig
	endpoint *config.OAuthEndpoint
	store    *credential.Store
	logger   *slog.Logger

	oauth2Config *oauth2.Config
	listener     net.Listener
	state        string
	verifier     string

	// Timeout overrides DefaultTimeout (tests).
	Timeout time.Duration

	// SkipBrowser suppresses opening the browser; the authorization URL
	// is logged instead.
	SkipBrowser bool

	statusMu sync.Mutex
	status   Status
}

// NewFlow validates the server's OAuth settings and binds the loopback
// callback listener. The random CSRF state is generated here and held
// until the callback arrives.
func NewFlow(cfg *config.ServerConfig, store *credential.Store, logger *slog.Logger) (*Flow, error) {
	if cfg.Auth.Method != config.AuthOAuth || cfg.Auth.OAuth == nil {
		return nil, fmt.Errorf("tool server %q is not configured for delegated authorization", cfg.Name)
	}
	endpoint := cfg.Auth.OAuth
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" || endpoint.ClientID == "" {
		return nil, errors.New("oauth settings require auth_url, token_url, and client_id")
	}
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener: %w", err)
	}

	state, err := randomToken(16)
	if err != nil {
		listener.Close()
		return nil, err
	}

	f := &Flow{
		cfg:      cfg,
		endpoint: endpoint,
		store:    store,
		logger:   logger,
		listener: listener,
		state:    state,
		Timeout:  DefaultTimeout,
		status:   StatusNotConnected,
		oauth2Config: &oauth2.Config{
			ClientID:     endpoint.ClientID,
			ClientSecret: endpoint.ClientSecret,
			RedirectURL:  fmt.Sprintf("http://%s/callback", listener.Addr()),
			Scopes:       endpoint.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  endpoint.AuthURL,
				TokenURL: endpoint.TokenURL,
			},
		},
	}

	if endpoint.UsePKCE {
		f.verifier = oauth2.GenerateVerifier()
	}

	return f, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Status returns the flow's current state.
func (f *Flow) Status() Status {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return f.status
}

func (f *Flow) setStatus(s Status) {
	f.statusMu.Lock()
	f.status = s
	f.statusMu.Unlock()
}

// RedirectURL returns the loopback callback address.
func (f *Flow) RedirectURL() string {
	return f.oauth2Config.RedirectURL
}

// AuthURL returns the provider authorization URL for this flow.
func (f *Flow) AuthURL() string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if f.verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(f.verifier))
	}
	return f.oauth2Config.AuthCodeURL(f.state, opts...)
}

// Run executes the flow end to end: opens the browser, waits for the
// callback, verifies the CSRF state, exchanges the code, and persists
// the resulting token. Blocks until connected, failed, timed out, or
// the context is cancelled.
func (f *Flow) Run(ctx context.Context) (*credential.TokenRecord, error) {
	f.setStatus(StatusAuthorizing)

	tokenChan := make(chan *oauth2.Token, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", f.handleCallback(tokenChan, errChan))

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(f.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("callback server failed: %w", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := f.AuthURL()
	if f.SkipBrowser {
		f.logger.Info("open this URL in your browser", slog.String("url", authURL))
	} else if err := browser.OpenURL(authURL); err != nil {
		f.logger.Warn("failed to open browser, open the URL manually",
			slog.String("url", authURL),
			slog.String("error", err.Error()))
	}

	f.logger.Info("waiting for authorization callback",
		slog.String("server", f.cfg.Name),
		slog.String("redirect", f.RedirectURL()))

	select {
	case token := <-tokenChan:
		record := f.recordFromToken(token)
		if err := f.store.SetToken(ctx, f.cfg.ID, *record); err != nil {
			f.setStatus(StatusError)
			return nil, fmt.Errorf("failed to persist token: %w", err)
		}
		f.setStatus(StatusConnected)
		f.logger.Info("authorization complete",
			slog.String("server", f.cfg.Name),
			slog.String("identity", record.Identity))
		return record, nil

	case err := <-errChan:
		f.setStatus(StatusError)
		return nil, err

	case <-time.After(f.Timeout):
		f.setStatus(StatusTimeout)
		return nil, fmt.Errorf("no authorization callback within %s", f.Timeout)

	case <-ctx.Done():
		f.setStatus(StatusError)
		return nil, ctx.Err()
	}
}

// handleCallback verifies the CSRF state and exchanges the code. A
// state mismatch is rejected outright and fails the flow; it is never
// silently accepted.
func (f *Flow) handleCallback(tokenChan chan<- *oauth2.Token, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errParam := query.Get("error"); errParam != "" {
			err := fmt.Errorf("provider returned error: %s (%s)", errParam, query.Get("error_description"))
			writePage(w, http.StatusBadRequest, "Authorization failed", err.Error())
			errChan <- err
			return
		}

		if query.Get("state") != f.state {
			writePage(w, http.StatusForbidden, "Authorization rejected", "State verification failed. Close this window and retry.")
			errChan <- ErrStateMismatch
			return
		}

		code := query.Get("code")
		if code == "" {
			err := errors.New("callback missing authorization code")
			writePage(w, http.StatusBadRequest, "Authorization failed", err.Error())
			errChan <- err
			return
		}

		var opts []oauth2.AuthCodeOption
		if f.verifier != "" {
			opts = append(opts, oauth2.VerifierOption(f.verifier))
		}
		token, err := f.oauth2Config.Exchange(r.Context(), code, opts...)
		if err != nil {
			err = fmt.Errorf("code exchange failed: %w", err)
			writePage(w, http.StatusBadGateway, "Authorization failed", err.Error())
			errChan <- err
			return
		}

		writePage(w, http.StatusOK, "Connected", "Authorization complete. You can close this window.")
		tokenChan <- token
	}
}

func writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>", title, title, body)
}

// recordFromToken converts an exchanged token into a storable record.
// A zero provider expiry becomes a nil expiry, meaning never-expiring.
func (f *Flow) recordFromToken(token *oauth2.Token) *credential.TokenRecord {
	record := &credential.TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		record.Expiry = &expiry
	}
	if len(f.endpoint.Scopes) > 0 {
		record.Scope = strings.Join(f.endpoint.Scopes, " ")
	}
	record.Identity = identityLabel(token)
	return record
}

// identityLabel extracts a human-readable identity from the token's
// JWT claims without verifying the signature; it is a display label,
// not an authorization decision. Opaque tokens yield an empty label.
func identityLabel(token *oauth2.Token) string {
	candidates := []string{token.AccessToken}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		candidates = []string{idToken, token.AccessToken}
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	for _, raw := range candidates {
		parsed, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
		if err != nil {
			continue
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			continue
		}
		for _, key := range []string{"email", "preferred_username", "sub"} {
			if v, ok := claims[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}
