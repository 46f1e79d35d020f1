package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/concierge/internal/cli/prompt"
	"github.com/tombee/concierge/internal/config"
)

func TestBuildServerConfig_Minimal(t *testing.T) {
	cfg, err := buildServerConfig("github", serverAddFlags{
		kind: "npm",
		pkg:  "@example/github-mcp",
		auth: "none",
	})
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ID)
	require.Equal(t, "github", cfg.Name)
	require.True(t, cfg.Enabled)
	require.Equal(t, config.OriginManual, cfg.Origin.Kind)
	require.Equal(t, config.TransportStdio, cfg.Transport)
	require.Equal(t, config.AuthNone, cfg.Auth.Method)
}

func TestBuildServerConfig_SecretsAndEnv(t *testing.T) {
	cfg, err := buildServerConfig("github", serverAddFlags{
		kind:    "npm",
		pkg:     "@example/github-mcp",
		auth:    "secret",
		env:     []string{"LOG_LEVEL=debug", "HOME_REGION"},
		secrets: []string{"GITHUB_TOKEN"},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Env, 3)

	require.Equal(t, "LOG_LEVEL", cfg.Env[0].Name)
	require.Equal(t, "debug", cfg.Env[0].Value)
	require.False(t, cfg.Env[0].Secret)

	require.Equal(t, "HOME_REGION", cfg.Env[1].Name)
	require.Empty(t, cfg.Env[1].Value)

	require.Equal(t, "GITHUB_TOKEN", cfg.Env[2].Name)
	require.True(t, cfg.Env[2].Secret)
	require.True(t, cfg.Env[2].Required)
}

func TestBuildServerConfig_OAuth(t *testing.T) {
	cfg, err := buildServerConfig("calendar", serverAddFlags{
		kind:     "pypi",
		pkg:      "calendar-mcp",
		auth:     "oauth",
		authURL:  "https://provider.example/authorize",
		tokenURL: "https://provider.example/token",
		clientID: "abc123",
		scopes:   []string{"calendar.read"},
		pkce:     true,
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.Auth.OAuth)
	require.True(t, cfg.Auth.OAuth.UsePKCE)
	require.Equal(t, []string{"calendar.read"}, cfg.Auth.OAuth.Scopes)
}

func TestBuildServerConfig_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		flags   serverAddFlags
		wantErr string
	}{
		{
			name:    "unknown kind",
			flags:   serverAddFlags{kind: "cargo", pkg: "x", auth: "none"},
			wantErr: "package kind",
		},
		{
			name:    "missing package",
			flags:   serverAddFlags{kind: "npm", auth: "none"},
			wantErr: "package identifier",
		},
		{
			name:    "oauth without endpoints",
			flags:   serverAddFlags{kind: "npm", pkg: "x", auth: "oauth"},
			wantErr: "oauth",
		},
		{
			name:    "empty env name",
			flags:   serverAddFlags{kind: "npm", pkg: "x", auth: "none", env: []string{"=oops"}},
			wantErr: "variable name is empty",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildServerConfig("bad", tc.flags)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestPromptServerAdd_FillsMissingFields(t *testing.T) {
	flags := serverAddFlags{auth: "none"}
	mock := &prompt.Mock{Answers: []string{
		"npm",                  // kind
		"@example/github-mcp",  // package
		"secret",               // auth method
		"GITHUB_TOKEN, EXTRA ", // secret names
	}}

	require.NoError(t, promptServerAdd(mock, &flags))
	require.Equal(t, "npm", flags.kind)
	require.Equal(t, "@example/github-mcp", flags.pkg)
	require.Equal(t, "secret", flags.auth)
	require.Equal(t, []string{"GITHUB_TOKEN", "EXTRA"}, flags.secrets)
}

func TestPromptServerAdd_KeepsProvidedFlags(t *testing.T) {
	flags := serverAddFlags{
		kind:    "binary",
		pkg:     "/usr/local/bin/files-mcp",
		auth:    "keyfile",
		keyFile: "/etc/files/key",
	}
	mock := &prompt.Mock{} // any prompt would fail

	require.NoError(t, promptServerAdd(mock, &flags))
	require.Equal(t, "binary", flags.kind)
	require.Equal(t, "/etc/files/key", flags.keyFile)
}

func TestReadToolArgs(t *testing.T) {
	args, err := readToolArgs(`{"query": "open bugs", "limit": 5}`)
	require.NoError(t, err)
	require.Equal(t, "open bugs", args["query"])

	_, err = readToolArgs(`["not", "an", "object"]`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "JSON object")
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "45s", formatDuration(45*time.Second))
	require.Equal(t, "2m5s", formatDuration(125*time.Second))
	require.Equal(t, "3h1m", formatDuration(181*time.Minute))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "a very ...", truncate("a very long string", 10))
}
