package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func validServer() *ServerConfig {
	return &ServerConfig{
		ID:        uuid.NewString(),
		Name:      "github",
		Enabled:   true,
		Origin:    Origin{Kind: OriginManual},
		Package:   Package{Kind: PackageNPM, Identifier: "@modelcontextprotocol/server-github"},
		Transport: TransportStdio,
		Auth:      Auth{Method: AuthNone},
	}
}

func TestValidateServer(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{"valid", func(s *ServerConfig) {}, ""},
		{"missing id", func(s *ServerConfig) { s.ID = "" }, "id is required"},
		{"slash in id", func(s *ServerConfig) { s.ID = "a/b" }, "must not contain"},
		{"empty name", func(s *ServerConfig) { s.Name = "" }, "invalid name"},
		{"name starts with digit", func(s *ServerConfig) { s.Name = "1server" }, "invalid name"},
		{"missing package identifier", func(s *ServerConfig) { s.Package.Identifier = "" }, "package identifier"},
		{"unknown package kind", func(s *ServerConfig) { s.Package.Kind = "cargo" }, "unknown package kind"},
		{"unknown transport", func(s *ServerConfig) { s.Transport = "carrier-pigeon" }, "unknown transport"},
		{"catalog origin without id", func(s *ServerConfig) {
			s.Origin = Origin{Kind: OriginOfficial}
		}, "requires catalog_id"},
		{"keyfile path with auth none", func(s *ServerConfig) {
			s.Auth = Auth{Method: AuthNone, KeyFile: "/etc/key"}
		}, "key_file is only valid"},
		{"keyfile method without path", func(s *ServerConfig) {
			s.Auth = Auth{Method: AuthKeyFile}
		}, "requires key_file"},
		{"oauth settings with auth secret", func(s *ServerConfig) {
			s.Auth = Auth{Method: AuthSecret, OAuth: &OAuthEndpoint{}}
		}, "oauth settings are only valid"},
		{"oauth method without settings", func(s *ServerConfig) {
			s.Auth = Auth{Method: AuthOAuth}
		}, "requires oauth settings"},
		{"oauth missing endpoints", func(s *ServerConfig) {
			s.Auth = Auth{Method: AuthOAuth, OAuth: &OAuthEndpoint{ClientID: "c"}}
		}, "require auth_url"},
		{"env var with equals", func(s *ServerConfig) {
			s.Env = []EnvVar{{Name: "FOO=bar"}}
		}, "invalid environment variable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validServer()
			tt.mutate(s)
			err := ValidateServer(s)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DuplicateIDs(t *testing.T) {
	a := validServer()
	b := validServer()
	b.Name = "other"
	b.ID = a.ID

	err := Validate(&File{Servers: []*ServerConfig{a, b}})
	require.ErrorContains(t, err, "duplicate server id")
}

func TestStore_LoadMissingFile(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "servers.yaml"))
	require.NoError(t, err)

	f, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, f.Servers)
	require.Equal(t, DefaultDefaults(), f.Defaults)
}

func TestStore_RoundTrip(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "servers.yaml"))
	require.NoError(t, err)

	cfg := validServer()
	cfg.Env = []EnvVar{{Name: "GITHUB_TOKEN", Required: true, Secret: true}}
	cfg.Args = []Argument{{Flag: "--root", Value: "/srv", Required: true}}
	cfg.Tools = []string{"git_*"}

	require.NoError(t, store.Add(cfg))

	f, err := store.Load()
	require.NoError(t, err)
	require.Len(t, f.Servers, 1)
	require.Equal(t, cfg.ID, f.Servers[0].ID)
	require.Equal(t, cfg.Env, f.Servers[0].Env)
	require.Equal(t, cfg.Args, f.Servers[0].Args)
	require.Equal(t, cfg.Tools, f.Servers[0].Tools)
}

func TestStore_AddRejectsDuplicates(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "servers.yaml"))
	require.NoError(t, err)

	cfg := validServer()
	require.NoError(t, store.Add(cfg))

	dup := validServer()
	dup.ID = cfg.ID
	dup.Name = "different"
	require.ErrorContains(t, store.Add(dup), "already exists")

	sameName := validServer()
	require.ErrorContains(t, store.Add(sameName), "already exists")
}

func TestStore_UpdateAndRemove(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "servers.yaml"))
	require.NoError(t, err)

	cfg := validServer()
	require.NoError(t, store.Add(cfg))

	cfg.Enabled = false
	require.NoError(t, store.Update(cfg))

	f, err := store.Load()
	require.NoError(t, err)
	require.False(t, f.Servers[0].Enabled)

	require.NoError(t, store.Remove(cfg.ID))
	f, err = store.Load()
	require.NoError(t, err)
	require.Empty(t, f.Servers)

	require.ErrorContains(t, store.Remove(cfg.ID), "not found")
}

func TestStore_SavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	store, err := NewStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(&File{Defaults: DefaultDefaults()}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
