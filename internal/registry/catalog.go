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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/concierge/internal/config"
)

// Catalog is a searchable source of tool server descriptors.
type Catalog interface {
	// Name identifies the catalog in origin tags and warnings.
	Name() string
	// Authoritative reports whether this catalog wins merge conflicts.
	Authoritative() bool
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

const (
	searchTimeout = 10 * time.Second

	// Requests per second against a single catalog endpoint.
	searchRateLimit = 10
)

// HTTPCatalog queries a remote catalog over its search endpoint.
type HTTPCatalog struct {
	name          string
	baseURL       string
	authoritative bool
	client        *http.Client
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// NewHTTPCatalog creates a catalog client for the given base URL.
// Authoritative catalogs tag results as official; others as community.
func NewHTTPCatalog(name, baseURL string, authoritative bool, logger *slog.Logger) *HTTPCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPCatalog{
		name:          name,
		baseURL:       baseURL,
		authoritative: authoritative,
		client:        &http.Client{Timeout: searchTimeout},
		limiter:       rate.NewLimiter(rate.Limit(searchRateLimit), searchRateLimit),
		logger:        logger.With(slog.String("catalog", name)),
	}
}

func (c *HTTPCatalog) Name() string        { return c.name }
func (c *HTTPCatalog) Authoritative() bool { return c.authoritative }

// catalogEntry is the catalog wire format for one server.
type catalogEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Package     struct {
		Kind       string `json:"kind"`
		Identifier string `json:"identifier"`
		Runtime    string `json:"runtime,omitempty"`
	} `json:"package"`
	Auth struct {
		Method string `json:"method,omitempty"`
		OAuth  *struct {
			AuthURL  string   `json:"auth_url"`
			TokenURL string   `json:"token_url"`
			ClientID string   `json:"client_id"`
			Scopes   []string `json:"scopes,omitempty"`
			UsePKCE  bool     `json:"use_pkce,omitempty"`
		} `json:"oauth,omitempty"`
	} `json:"auth"`
	Env []struct {
		Name     string `json:"name"`
		Required bool   `json:"required,omitempty"`
		Secret   bool   `json:"secret,omitempty"`
	} `json:"env,omitempty"`
	Verified  bool `json:"verified,omitempty"`
	Downloads int  `json:"downloads,omitempty"`
}

// Search queries the catalog's search endpoint and converts the
// entries into origin-tagged results.
func (c *HTTPCatalog) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/servers/search?q=%s", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying catalog %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("catalog %s returned status %d: %s", c.name, resp.StatusCode, string(body))
	}

	var payload struct {
		Servers []catalogEntry `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding catalog %s response: %w", c.name, err)
	}

	origin := config.OriginCommunity
	if c.authoritative {
		origin = config.OriginOfficial
	}

	results := make([]SearchResult, 0, len(payload.Servers))
	for _, e := range payload.Servers {
		results = append(results, c.convert(e, origin))
	}
	c.logger.Debug("catalog search complete",
		slog.String("query", query),
		slog.Int("results", len(results)))
	return results, nil
}

func (c *HTTPCatalog) convert(e catalogEntry, origin config.OriginKind) SearchResult {
	r := SearchResult{
		Name:        e.Name,
		Label:       e.DisplayName,
		Description: e.Description,
		Origin:      origin,
		Registry:    c.name,
		CatalogID:   e.ID,
		Package: config.Package{
			Kind:       config.PackageKind(e.Package.Kind),
			Identifier: e.Package.Identifier,
			Runtime:    e.Package.Runtime,
		},
		AuthMethod: config.AuthMethod(e.Auth.Method),
		Verified:   e.Verified,
		Popularity: e.Downloads,
	}
	if r.Label == "" {
		r.Label = e.Name
	}
	if r.AuthMethod == "" {
		r.AuthMethod = config.AuthNone
	}
	if o := e.Auth.OAuth; o != nil {
		r.OAuth = &config.OAuthEndpoint{
			AuthURL:  o.AuthURL,
			TokenURL: o.TokenURL,
			ClientID: o.ClientID,
			Scopes:   o.Scopes,
			UsePKCE:  o.UsePKCE,
		}
	}
	for _, v := range e.Env {
		r.Env = append(r.Env, config.EnvVar{Name: v.Name, Required: v.Required, Secret: v.Secret})
	}
	return r
}
