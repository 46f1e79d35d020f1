package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/concierge/internal/config"
)

func catalogServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/servers/search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const githubEntry = `{"servers": [{
	"id": "srv-github",
	"name": "github-mcp",
	"display_name": "GitHub",
	"description": "Repository and issue tools",
	"package": {"kind": "npm", "identifier": "@example/github-mcp"},
	"auth": {"method": "secret"},
	"env": [{"name": "GITHUB_TOKEN", "required": true, "secret": true}],
	"verified": true,
	"downloads": 5000
}]}`

func TestHTTPCatalog_Search(t *testing.T) {
	srv := catalogServer(t, githubEntry)
	cat := NewHTTPCatalog("official", srv.URL, true, nil)

	results, err := cat.Search(context.Background(), "github")
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.Equal(t, "github-mcp", r.Name)
	require.Equal(t, "GitHub", r.Label)
	require.Equal(t, config.OriginOfficial, r.Origin)
	require.Equal(t, "official", r.Registry)
	require.Equal(t, "srv-github", r.CatalogID)
	require.Equal(t, config.PackageNPM, r.Package.Kind)
	require.Equal(t, "@example/github-mcp", r.Package.Identifier)
	require.Equal(t, config.AuthSecret, r.AuthMethod)
	require.Len(t, r.Env, 1)
	require.True(t, r.Env[0].Secret)
	require.True(t, r.Verified)
	require.Equal(t, 5000, r.Popularity)
}

func TestHTTPCatalog_CommunityOriginAndDefaults(t *testing.T) {
	srv := catalogServer(t, `{"servers": [{
		"id": "srv-1",
		"name": "weather",
		"package": {"kind": "pypi", "identifier": "weather-mcp"}
	}]}`)
	cat := NewHTTPCatalog("community", srv.URL, false, nil)

	results, err := cat.Search(context.Background(), "weather")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, config.OriginCommunity, results[0].Origin)
	require.Equal(t, "weather", results[0].Label)
	require.Equal(t, config.AuthNone, results[0].AuthMethod)
}

func TestHTTPCatalog_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cat := NewHTTPCatalog("official", srv.URL, true, nil)
	_, err := cat.Search(context.Background(), "github")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
}

// fakeCatalog returns canned results or a fixed error.
type fakeCatalog struct {
	name          string
	authoritative bool
	results       []SearchResult
	err           error
}

func (c *fakeCatalog) Name() string        { return c.name }
func (c *fakeCatalog) Authoritative() bool { return c.authoritative }

func (c *fakeCatalog) Search(ctx context.Context, query string) ([]SearchResult, error) {
	return c.results, c.err
}

func TestSearcher_PartialResultsOnUnreachableCatalog(t *testing.T) {
	official := catalogServer(t, githubEntry)

	// The community catalog is torn down before the search runs.
	community := httptest.NewServer(http.NotFoundHandler())
	deadURL := community.URL
	community.Close()

	s := NewSearcher([]Catalog{
		NewHTTPCatalog("official", official.URL, true, nil),
		NewHTTPCatalog("community", deadURL, false, nil),
	}, nil)

	merged, err := s.Search(context.Background(), "github")
	require.NoError(t, err)
	require.Len(t, merged.Results, 1)
	require.Equal(t, "github-mcp", merged.Results[0].Name)
	require.True(t, merged.Partial)
	require.Equal(t, []string{"community"}, merged.Unavailable)
}

func TestSearcher_MergePrefersAuthoritative(t *testing.T) {
	official := &fakeCatalog{name: "official", authoritative: true, results: []SearchResult{
		{Name: "github-mcp", Origin: config.OriginOfficial, Registry: "official", Verified: true},
	}}
	community := &fakeCatalog{name: "community", results: []SearchResult{
		// Same server under a cosmetically different name.
		{Name: "GitHub MCP", Origin: config.OriginCommunity, Registry: "community", Popularity: 9999},
		{Name: "gitlab-mcp", Origin: config.OriginCommunity, Registry: "community"},
	}}

	s := NewSearcher([]Catalog{official, community}, nil)
	merged, err := s.Search(context.Background(), "git")
	require.NoError(t, err)
	require.False(t, merged.Partial)
	require.Len(t, merged.Results, 2)

	var github SearchResult
	for _, r := range merged.Results {
		if normalizeName(r.Name) == "githubmcp" {
			github = r
		}
	}
	require.Equal(t, config.OriginOfficial, github.Origin)
	require.Equal(t, "official", github.Registry)
}

func TestSearcher_SortsVerifiedThenPopularity(t *testing.T) {
	cat := &fakeCatalog{name: "official", authoritative: true, results: []SearchResult{
		{Name: "c-unverified-popular", Popularity: 100},
		{Name: "a-verified-quiet", Verified: true, Popularity: 1},
		{Name: "b-verified-popular", Verified: true, Popularity: 50},
	}}

	s := NewSearcher([]Catalog{cat}, nil)
	merged, err := s.Search(context.Background(), "x")
	require.NoError(t, err)

	names := make([]string, 0, len(merged.Results))
	for _, r := range merged.Results {
		names = append(names, r.Name)
	}
	require.Equal(t, []string{"b-verified-popular", "a-verified-quiet", "c-unverified-popular"}, names)
}

func TestSearcher_AllCatalogsDown(t *testing.T) {
	down := &fakeCatalog{name: "only", err: errors.New("connection refused")}
	s := NewSearcher([]Catalog{down}, nil)

	merged, err := s.Search(context.Background(), "anything")
	require.NoError(t, err)
	require.Empty(t, merged.Results)
	require.True(t, merged.Partial)
	require.Equal(t, []string{"only"}, merged.Unavailable)
}

func TestNormalizeName(t *testing.T) {
	require.Equal(t, normalizeName("GitHub MCP"), normalizeName("github-mcp"))
	require.Equal(t, normalizeName("github_mcp"), normalizeName("github.mcp"))
	require.NotEqual(t, normalizeName("github-mcp"), normalizeName("gitlab-mcp"))
}

func TestSearchResult_ToServerConfig(t *testing.T) {
	r := SearchResult{
		Name:       "github-mcp",
		Label:      "GitHub",
		Origin:     config.OriginOfficial,
		Registry:   "official",
		CatalogID:  "srv-github",
		Package:    config.Package{Kind: config.PackageNPM, Identifier: "@example/github-mcp"},
		AuthMethod: config.AuthSecret,
		Env:        []config.EnvVar{{Name: "GITHUB_TOKEN", Required: true, Secret: true}},
	}

	cfg := r.ToServerConfig()
	require.NotEmpty(t, cfg.ID)
	require.Equal(t, "GitHub", cfg.Name)
	require.True(t, cfg.Enabled)
	require.Equal(t, config.OriginOfficial, cfg.Origin.Kind)
	require.Equal(t, "srv-github", cfg.Origin.CatalogID)
	require.Equal(t, config.TransportStdio, cfg.Transport)
	require.Equal(t, config.AuthSecret, cfg.Auth.Method)
	require.NoError(t, config.ValidateServer(cfg))
}
