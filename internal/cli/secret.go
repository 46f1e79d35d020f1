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
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newSecretCommand creates the 'server secret' command group.
func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage stored secrets for a tool server",
		Long: `Manage secrets for a tool server.

Secrets are stored in the system keychain when available, falling back
to an encrypted file for headless machines. Values are injected into
the server's environment at launch and never written to the
configuration file or logs.

Examples:
  concierge server secret set github GITHUB_TOKEN
  concierge server secret list github
  concierge server secret delete github GITHUB_TOKEN`,
	}

	cmd.AddCommand(newSecretSetCommand())
	cmd.AddCommand(newSecretListCommand())
	cmd.AddCommand(newSecretDeleteCommand())

	return cmd
}

func newSecretSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <server> <variable>",
		Short: "Store a secret value",
		Long: `Store a secret value for a tool server.

The value is read from stdin when piped, otherwise prompted for with
echo disabled.

Examples:
  concierge server secret set github GITHUB_TOKEN
  pass show github-token | concierge server secret set github GITHUB_TOKEN`,
		Args: cobra.ExactArgs(2),
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

			value, err := readSecretValue()
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("secret value is empty")
			}

			if err := a.creds.Set(cmd.Context(), cfg.ID, args[1], value); err != nil {
				return err
			}
			fmt.Println(renderOK(fmt.Sprintf("Stored %s for %s", args[1], cfg.Name)))
			return nil
		},
	}
	return cmd
}

func newSecretListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <server>",
		Short: "List stored secret names for a tool server",
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
			names, err := a.creds.List(cmd.Context(), cfg.ID)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No secrets stored.")
				return nil
			}
			// Values are never printed, only names.
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
	return cmd
}

func newSecretDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <server> <variable>",
		Short: "Delete a stored secret",
		Args:  cobra.ExactArgs(2),
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
			if err := a.creds.Delete(cmd.Context(), cfg.ID, args[1]); err != nil {
				return err
			}
			fmt.Println(renderOK(fmt.Sprintf("Deleted %s for %s", args[1], cfg.Name)))
			return nil
		},
	}
	return cmd
}

// readSecretValue reads a secret from stdin or prompts with echo off.
func readSecretValue() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		// Reading from pipe
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	fmt.Print("Enter secret value (hidden): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
