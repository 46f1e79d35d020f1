package toolserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/concierge/internal/config"
	"github.com/tombee/concierge/internal/credential"
)

type fakeCreds struct {
	secrets map[string]string
	token   string
}

func (f *fakeCreds) Secret(_ context.Context, instanceID, name string) (string, error) {
	v, ok := f.secrets[instanceID+"/"+name]
	if !ok {
		return "", credential.ErrSecretNotFound
	}
	return v, nil
}

func (f *fakeCreds) AccessToken(_ context.Context, cfg *config.ServerConfig) (string, error) {
	if f.token == "" {
		return "", credential.ErrSecretNotFound
	}
	return f.token, nil
}

func stdioConfig(name string) *config.ServerConfig {
	return &config.ServerConfig{
		ID:        name + "-id",
		Name:      name,
		Enabled:   true,
		Origin:    config.Origin{Kind: config.OriginManual},
		Package:   config.Package{Kind: config.PackageNPM, Identifier: "@example/" + name},
		Transport: config.TransportStdio,
		Auth:      config.Auth{Method: config.AuthNone},
	}
}

func TestBuildCommand_Launchers(t *testing.T) {
	tests := []struct {
		name     string
		pkg      config.Package
		wantPath string
		wantArgs []string
	}{
		{"npm", config.Package{Kind: config.PackageNPM, Identifier: "@mcp/server-github"}, "npx", []string{"-y", "@mcp/server-github"}},
		{"pypi", config.Package{Kind: config.PackagePyPI, Identifier: "mcp-server-git"}, "uvx", []string{"mcp-server-git"}},
		{"binary", config.Package{Kind: config.PackageBinary, Identifier: "/usr/local/bin/server"}, "/usr/local/bin/server", nil},
		{"runtime override", config.Package{Kind: config.PackageNPM, Identifier: "@mcp/server-github", Runtime: "bunx"}, "bunx", []string{"-y", "@mcp/server-github"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stdioConfig("test")
			cfg.Package = tt.pkg
			cmd, err := BuildCommand(cfg)
			require.NoError(t, err)
			require.Equal(t, tt.wantPath, cmd.Path)
			require.Equal(t, tt.wantArgs, cmd.Args)
		})
	}
}

func TestBuildCommand_CommaExpansion(t *testing.T) {
	cfg := stdioConfig("fs")
	cfg.Args = []config.Argument{
		{Flag: "--root", Value: "/a,/b,,/c", Required: true},
	}

	cmd, err := BuildCommand(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"-y", "@example/fs", "--root", "/a", "--root", "/b", "--root", "/c"}, cmd.Args)
}

func TestBuildCommand_Positional(t *testing.T) {
	cfg := stdioConfig("fs")
	cfg.Args = []config.Argument{
		{Value: "/srv/data"},
		{Flag: "--verbose", Value: "true"},
	}

	cmd, err := BuildCommand(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"-y", "@example/fs", "/srv/data", "--verbose", "true"}, cmd.Args)
}

func TestBuildCommand_RequiredArgMissing(t *testing.T) {
	cfg := stdioConfig("fs")
	cfg.Args = []config.Argument{
		{Flag: "--root", Required: true},
	}

	_, err := BuildCommand(cfg)
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeValidation, e.Code)
}

func TestBuildCommand_NetworkTransportRejected(t *testing.T) {
	cfg := stdioConfig("remote")
	cfg.Transport = config.TransportNetwork

	_, err := BuildCommand(cfg)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeValidation, e.Code)
}

func TestBuildEnv_StoredSecrets(t *testing.T) {
	cfg := stdioConfig("aws")
	cfg.Env = []config.EnvVar{
		{Name: "AWS_ACCESS_KEY_ID", Required: true, Secret: true},
		{Name: "AWS_SECRET_ACCESS_KEY", Required: true, Secret: true},
	}
	creds := &fakeCreds{secrets: map[string]string{
		"aws-id/AWS_ACCESS_KEY_ID":     "AKIA123",
		"aws-id/AWS_SECRET_ACCESS_KEY": "shhh",
	}}

	env, err := BuildEnv(context.Background(), cfg, creds)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"AWS_ACCESS_KEY_ID":     "AKIA123",
		"AWS_SECRET_ACCESS_KEY": "shhh",
	}, env)
}

func TestBuildEnv_MissingRequiredSecret(t *testing.T) {
	cfg := stdioConfig("aws")
	cfg.Env = []config.EnvVar{{Name: "AWS_ACCESS_KEY_ID", Required: true, Secret: true}}

	_, err := BuildEnv(context.Background(), cfg, &fakeCreds{})
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeCredential, e.Code)
}

func TestBuildEnv_OptionalSecretSkipped(t *testing.T) {
	cfg := stdioConfig("gh")
	cfg.Env = []config.EnvVar{{Name: "GITHUB_TOKEN", Secret: true}}

	env, err := BuildEnv(context.Background(), cfg, &fakeCreds{})
	require.NoError(t, err)
	require.Empty(t, env)
}

func TestBuildEnv_KeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0600))

	cfg := stdioConfig("kf")
	cfg.Auth = config.Auth{Method: config.AuthKeyFile, KeyFile: path, KeyFileVar: "SERVICE_KEY"}

	env, err := BuildEnv(context.Background(), cfg, &fakeCreds{})
	require.NoError(t, err)
	require.Equal(t, "s3cret", env["SERVICE_KEY"])
}

func TestBuildEnv_OAuthToken(t *testing.T) {
	cfg := stdioConfig("cal")
	cfg.Auth = config.Auth{
		Method: config.AuthOAuth,
		OAuth:  &config.OAuthEndpoint{AuthURL: "https://x/auth", TokenURL: "https://x/token", ClientID: "c"},
	}

	env, err := BuildEnv(context.Background(), cfg, &fakeCreds{token: "tok-abc"})
	require.NoError(t, err)
	require.Equal(t, "tok-abc", env["API_TOKEN"])
}

func TestEnvList(t *testing.T) {
	list := EnvList(map[string]string{"B": "2", "A": "1"})
	require.Equal(t, []string{"A=1", "B=2"}, list)
}

func TestOverlayEnv(t *testing.T) {
	merged := overlayEnv(
		[]string{"PATH=/usr/bin", "HOME=/home/u", "TOKEN=old"},
		[]string{"TOKEN=new", "EXTRA=1"},
	)
	require.Contains(t, merged, "PATH=/usr/bin")
	require.Contains(t, merged, "TOKEN=new")
	require.Contains(t, merged, "EXTRA=1")
	require.NotContains(t, merged, "TOKEN=old")
}
