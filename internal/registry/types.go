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

// Package registry searches external tool server catalogs and merges
// their results into installable descriptors.
package registry

import (
	"github.com/google/uuid"

	"github.com/tombee/concierge/internal/config"
)

// SearchResult is one discoverable tool server. It carries enough
// package and auth metadata to construct a ServerConfig without a
// second round trip to the catalog.
type SearchResult struct {
	// Name is the canonical server name within its catalog.
	Name string `json:"name"`

	// Label is the human-readable display name.
	Label string `json:"label"`

	Description string `json:"description,omitempty"`

	// Origin tags which kind of catalog the result came from.
	Origin config.OriginKind `json:"origin"`

	// Registry is the catalog the result came from.
	Registry string `json:"registry"`

	// CatalogID is the server's identifier within that catalog.
	CatalogID string `json:"catalog_id"`

	Package config.Package `json:"package"`

	// AuthMethod is the authentication method the server needs.
	AuthMethod config.AuthMethod `json:"auth_method"`

	// OAuth carries provider endpoints when AuthMethod is oauth.
	OAuth *config.OAuthEndpoint `json:"oauth,omitempty"`

	// Env lists the environment variables the server needs at launch.
	Env []config.EnvVar `json:"env,omitempty"`

	// Verified marks entries vetted by the catalog operator.
	Verified bool `json:"verified,omitempty"`

	// Popularity is a catalog-specific download or star count.
	Popularity int `json:"popularity,omitempty"`
}

// ToServerConfig builds a ready-to-save server configuration from a
// search result. The caller supplies credentials separately.
func (r SearchResult) ToServerConfig() *config.ServerConfig {
	name := r.Label
	if name == "" {
		name = r.Name
	}
	return &config.ServerConfig{
		ID:      uuid.NewString(),
		Name:    name,
		Enabled: true,
		Origin: config.Origin{
			Kind:      r.Origin,
			Registry:  r.Registry,
			CatalogID: r.CatalogID,
		},
		Package:   r.Package,
		Transport: config.TransportStdio,
		Auth:      config.Auth{Method: r.AuthMethod, OAuth: r.OAuth},
		Env:       r.Env,
	}
}

// Results is the merged outcome of a search across all catalogs.
type Results struct {
	Results []SearchResult `json:"results"`

	// Partial is set when at least one catalog could not be reached;
	// the remaining catalogs' results are still present.
	Partial bool `json:"partial,omitempty"`

	// Unavailable names the catalogs that failed.
	Unavailable []string `json:"unavailable,omitempty"`
}
