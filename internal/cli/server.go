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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/concierge/internal/cli/prompt"
	"github.com/tombee/concierge/internal/config"
	"github.com/tombee/concierge/internal/toolserver"
)

// newServerCommand creates the server command group.
func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage tool servers",
		Long: `Manage the tool servers available to the assistant.

Commands:
  add       Register a new tool server
  list      List configured servers with their state
  status    Show detailed status of a server
  enable    Enable a disabled server
  disable   Disable a server (stops it if running)
  start     Start a server now instead of waiting for first use
  stop      Stop a running server
  remove    Remove a server and its stored credentials
  logs      View captured stderr output from a server
  test      Start a server and verify it responds
  secret    Manage stored secrets for a server`,
	}

	cmd.AddCommand(newServerAddCommand())
	cmd.AddCommand(newServerListCommand())
	cmd.AddCommand(newServerStatusCommand())
	cmd.AddCommand(newServerEnableCommand(true))
	cmd.AddCommand(newServerEnableCommand(false))
	cmd.AddCommand(newServerStartCommand())
	cmd.AddCommand(newServerStopCommand())
	cmd.AddCommand(newServerRemoveCommand())
	cmd.AddCommand(newServerLogsCommand())
	cmd.AddCommand(newServerTestCommand())
	cmd.AddCommand(newSecretCommand())

	return cmd
}

type serverAddFlags struct {
	kind        string
	pkg         string
	runtime     string
	auth        string
	keyFile     string
	keyFileVar  string
	env         []string
	secrets     []string
	tools       []string
	authURL     string
	tokenURL    string
	clientID    string
	scopes      []string
	pkce        bool
	disabled    bool
	interactive bool
}

func newServerAddCommand() *cobra.Command {
	var flags serverAddFlags

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new tool server",
		Long: `Register a new tool server.

The server is launched lazily: nothing runs until a tool on it is
first called. Secrets are stored separately with 'server secret set'.

Examples:
  concierge server add github --kind npm --package @example/github-mcp --auth secret --secret GITHUB_TOKEN
  concierge server add files --kind binary --package /usr/local/bin/files-mcp
  concierge server add calendar --kind pypi --package calendar-mcp --auth oauth \
    --auth-url https://provider.example/authorize --token-url https://provider.example/token --client-id abc123
  concierge server add notes -i`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerAdd(args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.kind, "kind", "", "Package kind: npm, pypi, or binary")
	cmd.Flags().StringVar(&flags.pkg, "package", "", "Package identifier or executable path")
	cmd.Flags().StringVar(&flags.runtime, "runtime", "", "Override the launcher (e.g. bunx)")
	cmd.Flags().StringVar(&flags.auth, "auth", "none", "Auth method: none, secret, keyfile, or oauth")
	cmd.Flags().StringVar(&flags.keyFile, "key-file", "", "Path to the key file (keyfile auth)")
	cmd.Flags().StringVar(&flags.keyFileVar, "key-file-var", "", "Variable the key file content is injected as")
	cmd.Flags().StringArrayVar(&flags.env, "env", nil, "Environment variable NAME or NAME=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&flags.secrets, "secret", nil, "Required secret variable NAME (repeatable)")
	cmd.Flags().StringArrayVar(&flags.tools, "tool", nil, "Tool allowlist glob pattern (repeatable)")
	cmd.Flags().StringVar(&flags.authURL, "auth-url", "", "OAuth authorization endpoint")
	cmd.Flags().StringVar(&flags.tokenURL, "token-url", "", "OAuth token endpoint")
	cmd.Flags().StringVar(&flags.clientID, "client-id", "", "OAuth client id")
	cmd.Flags().StringArrayVar(&flags.scopes, "scope", nil, "OAuth scope (repeatable)")
	cmd.Flags().BoolVar(&flags.pkce, "pkce", false, "Use PKCE for the OAuth flow")
	cmd.Flags().BoolVar(&flags.disabled, "disabled", false, "Register the server disabled")
	cmd.Flags().BoolVarP(&flags.interactive, "interactive", "i", false, "Prompt for missing settings")

	return cmd
}

func runServerAdd(name string, flags serverAddFlags) error {
	if flags.interactive {
		if err := promptServerAdd(prompt.NewSurveyPrompter(), &flags); err != nil {
			return err
		}
	}

	cfg, err := buildServerConfig(name, flags)
	if err != nil {
		return err
	}

	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Add(cfg); err != nil {
		return err
	}

	fmt.Println(renderOK(fmt.Sprintf("Added tool server: %s", cfg.Name)))
	for _, ev := range cfg.Env {
		if ev.Secret {
			fmt.Printf("  Set the secret: concierge server secret set %s %s\n", cfg.Name, ev.Name)
		}
	}
	if cfg.Auth.Method == config.AuthOAuth {
		fmt.Printf("  Connect the account: concierge auth %s\n", cfg.Name)
	}
	return nil
}

// promptServerAdd fills unset fields interactively.
func promptServerAdd(p prompt.Prompter, flags *serverAddFlags) error {
	var err error
	if flags.kind == "" {
		flags.kind, err = p.Select("Package kind", []string{"npm", "pypi", "binary"}, "npm")
		if err != nil {
			return err
		}
	}
	if flags.pkg == "" {
		flags.pkg, err = p.String("Package identifier or executable path", "")
		if err != nil {
			return err
		}
	}
	if flags.auth == "" || flags.auth == "none" {
		flags.auth, err = p.Select("Auth method", []string{"none", "secret", "keyfile", "oauth"}, flags.auth)
		if err != nil {
			return err
		}
	}
	switch config.AuthMethod(flags.auth) {
	case config.AuthSecret:
		if len(flags.secrets) == 0 {
			names, err := p.String("Secret variable names (comma separated)", "API_KEY")
			if err != nil {
				return err
			}
			for _, n := range strings.Split(names, ",") {
				if n = strings.TrimSpace(n); n != "" {
					flags.secrets = append(flags.secrets, n)
				}
			}
		}
	case config.AuthKeyFile:
		if flags.keyFile == "" {
			flags.keyFile, err = p.String("Key file path", "")
			if err != nil {
				return err
			}
		}
	case config.AuthOAuth:
		if flags.authURL == "" {
			if flags.authURL, err = p.String("Authorization endpoint URL", ""); err != nil {
				return err
			}
		}
		if flags.tokenURL == "" {
			if flags.tokenURL, err = p.String("Token endpoint URL", ""); err != nil {
				return err
			}
		}
		if flags.clientID == "" {
			if flags.clientID, err = p.String("Client id", ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildServerConfig translates add flags into a validated configuration.
func buildServerConfig(name string, flags serverAddFlags) (*config.ServerConfig, error) {
	cfg := &config.ServerConfig{
		ID:      uuid.NewString(),
		Name:    name,
		Enabled: !flags.disabled,
		Origin:  config.Origin{Kind: config.OriginManual},
		Package: config.Package{
			Kind:       config.PackageKind(flags.kind),
			Identifier: flags.pkg,
			Runtime:    flags.runtime,
		},
		Transport: config.TransportStdio,
		Auth:      config.Auth{Method: config.AuthMethod(flags.auth)},
		Tools:     flags.tools,
	}

	if cfg.Auth.Method == config.AuthKeyFile {
		cfg.Auth.KeyFile = flags.keyFile
		cfg.Auth.KeyFileVar = flags.keyFileVar
	}
	if cfg.Auth.Method == config.AuthOAuth {
		cfg.Auth.OAuth = &config.OAuthEndpoint{
			AuthURL:  flags.authURL,
			TokenURL: flags.tokenURL,
			ClientID: flags.clientID,
			Scopes:   flags.scopes,
			UsePKCE:  flags.pkce,
		}
	}

	for _, spec := range flags.env {
		name, value, hasValue := strings.Cut(spec, "=")
		if name == "" {
			return nil, fmt.Errorf("invalid --env %q: variable name is empty", spec)
		}
		ev := config.EnvVar{Name: name}
		if hasValue {
			ev.Value = value
		}
		cfg.Env = append(cfg.Env, ev)
	}
	for _, name := range flags.secrets {
		cfg.Env = append(cfg.Env, config.EnvVar{Name: name, Required: true, Secret: true})
	}

	if err := config.ValidateServer(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServerListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured tool servers",
		Example: `  # List servers with their state
  concierge server list

  # Extract server names for scripting
  concierge server list --json | jq -r '.servers[].name'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerList()
		},
	}
	return cmd
}

type serverStatusJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
	UptimeSec int64  `json:"uptime_seconds,omitempty"`
	Restarts  int    `json:"restarts,omitempty"`
	ToolCount int    `json:"tool_count,omitempty"`
}

func runServerList() error {
	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	statuses := a.manager.ListStatus()

	if flagJSON {
		out := struct {
			Servers []serverStatusJSON `json:"servers"`
		}{Servers: make([]serverStatusJSON, 0, len(statuses))}
		for _, s := range statuses {
			out.Servers = append(out.Servers, toStatusJSON(s))
		}
		return printJSON(out)
	}

	if len(statuses) == 0 {
		fmt.Println("No tool servers configured.")
		fmt.Println("\nTo add a server:")
		fmt.Println("  concierge server add <name> --kind npm --package <identifier>")
		fmt.Println("  concierge search <query>")
		return nil
	}

	fmt.Printf("%-20s %-12s %-8s %-10s %s\n", "NAME", "STATE", "TOOLS", "RESTARTS", "LAST ERROR")
	fmt.Println(strings.Repeat("-", 70))
	for _, s := range statuses {
		errInfo := ""
		if s.LastError != "" {
			errInfo = truncate(s.LastError, 40)
		}
		fmt.Printf("%-20s %-12s %-8d %-10d %s\n",
			truncate(s.Name, 20),
			renderState(s.State),
			s.ToolCount,
			s.Restarts,
			errInfo,
		)
	}
	return nil
}

func toStatusJSON(s *toolserver.InstanceStatus) serverStatusJSON {
	out := serverStatusJSON{
		ID:        s.ID,
		Name:      s.Name,
		Enabled:   s.Enabled,
		State:     string(s.State),
		LastError: s.LastError,
		Restarts:  s.Restarts,
		ToolCount: s.ToolCount,
	}
	if !s.StartedAt.IsZero() {
		out.UptimeSec = int64(time.Since(s.StartedAt).Seconds())
	}
	return out
}

func newServerStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show detailed status of a tool server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerStatus(args[0])
		},
	}
	return cmd
}

func runServerStatus(name string) error {
	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.findServer(name)
	if err != nil {
		return err
	}
	status, err := a.manager.Status(cfg.ID)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(toStatusJSON(status))
	}

	fmt.Printf("%s\n\n", styleBold.Render(status.Name))
	fmt.Printf("  State:    %s\n", renderState(status.State))
	fmt.Printf("  Enabled:  %t\n", status.Enabled)
	fmt.Printf("  Package:  %s (%s)\n", cfg.Package.Identifier, cfg.Package.Kind)
	fmt.Printf("  Auth:     %s\n", cfg.Auth.Method)
	if !status.StartedAt.IsZero() {
		fmt.Printf("  Uptime:   %s\n", formatDuration(time.Since(status.StartedAt)))
	}
	if !status.LastUsed.IsZero() {
		fmt.Printf("  Last use: %s\n", formatDuration(time.Since(status.LastUsed))+" ago")
	}
	if status.Restarts > 0 {
		fmt.Printf("  Restarts: %d\n", status.Restarts)
	}
	if status.ToolCount > 0 {
		fmt.Printf("  Tools:    %d\n", status.ToolCount)
	}
	if status.LastError != "" {
		fmt.Printf("  Error:    %s\n", styleError.Render(status.LastError))
	}
	return nil
}

// newServerEnableCommand builds the enable or disable command.
func newServerEnableCommand(enable bool) *cobra.Command {
	use, short := "enable <name>", "Enable a disabled tool server"
	if !enable {
		use, short = "disable <name>", "Disable a tool server, stopping it if running"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfig)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.findServer(args[0])
			if err != nil {
				return err
			}
			if err := a.manager.SetEnabled(cfg.ID, enable); err != nil {
				return err
			}
			if enable {
				fmt.Println(renderOK(fmt.Sprintf("Enabled tool server: %s", cfg.Name)))
			} else {
				fmt.Println(renderOK(fmt.Sprintf("Disabled tool server: %s", cfg.Name)))
			}
			return nil
		},
	}
	return cmd
}

func newServerStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a tool server now",
		Long: `Start a tool server immediately instead of waiting for first use.

Examples:
  concierge server start github`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfig)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.findServer(args[0])
			if err != nil {
				return err
			}
			if err := a.manager.Start(cmd.Context(), cfg.ID); err != nil {
				return err
			}
			fmt.Println(renderOK(fmt.Sprintf("Started tool server: %s", cfg.Name)))
			return nil
		},
	}
	return cmd
}

func newServerStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running tool server",
		Long: `Stop a running tool server. It stays stopped until explicitly
started or re-enabled; tool calls against it fail instead of reviving it.

Examples:
  concierge server stop github`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfig)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.findServer(args[0])
			if err != nil {
				return err
			}
			if err := a.manager.Stop(cfg.ID); err != nil {
				return err
			}
			fmt.Println(renderOK(fmt.Sprintf("Stopped tool server: %s", cfg.Name)))
			return nil
		},
	}
	return cmd
}

func newServerRemoveCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a tool server and its stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfig)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.findServer(args[0])
			if err != nil {
				return err
			}

			if !yes {
				ok, err := prompt.NewSurveyPrompter().Confirm(
					fmt.Sprintf("Remove %q and delete its stored credentials?", cfg.Name), false)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}

			if err := a.manager.Remove(cfg.ID); err != nil {
				return err
			}
			fmt.Println(renderOK(fmt.Sprintf("Removed tool server: %s", cfg.Name)))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newServerLogsCommand() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "View captured stderr output from a tool server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfig)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.findServer(args[0])
			if err != nil {
				return err
			}
			entries, err := a.manager.Logs(cfg.ID, lines)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No log output captured.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s %s\n", styleMuted.Render(e.Timestamp.Format(time.TimeOnly)), e.Message)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	return cmd
}

func newServerTestCommand() *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "test <name>",
		Short: "Start a tool server and verify it responds",
		Long: `Test a tool server by starting it and checking connectivity.

The test starts the server if needed, verifies the protocol handshake,
pings it, and counts the advertised tools. The server is stopped
afterwards unless it was already running or --keep is set.

Examples:
  concierge server test github
  concierge server test github --keep`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerTest(cmd, args[0], keep)
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the server running after the test")
	return cmd
}

func runServerTest(cmd *cobra.Command, name string, keep bool) error {
	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.findServer(name)
	if err != nil {
		return err
	}

	fmt.Printf("Testing tool server: %s\n\n", cfg.Name)

	status, err := a.manager.Status(cfg.ID)
	if err != nil {
		return err
	}
	wasRunning := status.State == toolserver.StateRunning

	fmt.Print("1. Starting server and completing handshake... ")
	conn, err := a.manager.EnsureRunning(cmd.Context(), cfg.ID)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	fmt.Print("2. Pinging server... ")
	pingCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	err = conn.Ping(pingCtx)
	cancel()
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	fmt.Printf("3. Server advertises %d tool(s)\n", len(conn.Tools()))

	if !wasRunning && !keep {
		fmt.Print("4. Stopping server... ")
		if err := a.manager.Stop(cfg.ID); err != nil {
			fmt.Println("FAILED")
			return err
		}
		fmt.Println("OK")
	}

	fmt.Println()
	fmt.Println(renderOK("Server is healthy"))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
