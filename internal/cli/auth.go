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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/concierge/internal/oauth"
)

func newAuthCommand() *cobra.Command {
	var (
		noBrowser bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "auth <server>",
		Short: "Connect a tool server account via the browser",
		Long: `Run the delegated-authorization flow for a tool server.

A browser window opens at the provider's consent page; after approval
the token is stored securely and injected into the server's
environment on launch. Expired tokens refresh automatically.

Examples:
  concierge auth calendar
  concierge auth calendar --no-browser`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd, args[0], noBrowser, timeout)
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the URL instead of opening a browser")
	cmd.Flags().DurationVar(&timeout, "timeout", oauth.DefaultTimeout, "How long to wait for the callback")

	cmd.AddCommand(newAuthStatusCommand())
	cmd.AddCommand(newAuthDisconnectCommand())

	return cmd
}

func runAuth(cmd *cobra.Command, name string, noBrowser bool, timeout time.Duration) error {
	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.findServer(name)
	if err != nil {
		return err
	}

	flow, err := oauth.NewFlow(cfg, a.creds, a.logger)
	if err != nil {
		return err
	}
	flow.Timeout = timeout
	flow.SkipBrowser = noBrowser

	if noBrowser {
		fmt.Println("Open this URL in your browser:")
		fmt.Println()
		fmt.Println("  " + flow.AuthURL())
		fmt.Println()
	}
	fmt.Println("Waiting for authorization...")

	record, err := flow.Run(cmd.Context())
	if err != nil {
		return err
	}

	if record.Identity != "" {
		fmt.Println(renderOK(fmt.Sprintf("Connected %s as %s", cfg.Name, record.Identity)))
	} else {
		fmt.Println(renderOK(fmt.Sprintf("Connected %s", cfg.Name)))
	}
	return nil
}

func newAuthStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <server>",
		Short: "Show the connection status for a tool server",
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

			record, err := a.creds.GetToken(cmd.Context(), cfg.ID)
			if err != nil {
				fmt.Printf("%s: not connected\n", cfg.Name)
				fmt.Printf("  Connect with: concierge auth %s\n", cfg.Name)
				return nil
			}

			fmt.Printf("%s: connected\n", cfg.Name)
			if record.Identity != "" {
				fmt.Printf("  Account: %s\n", record.Identity)
			}
			if record.Expiry == nil {
				fmt.Println("  Expires: never")
			} else if record.Expired(time.Now()) {
				fmt.Println("  Expires: expired (refreshes on next use)")
			} else {
				fmt.Printf("  Expires: %s\n", record.Expiry.Format(time.RFC3339))
			}
			return nil
		},
	}
	return cmd
}

func newAuthDisconnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disconnect <server>",
		Short: "Delete the stored token for a tool server",
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
			if err := a.creds.DeleteToken(cmd.Context(), cfg.ID); err != nil {
				return err
			}
			fmt.Println(renderOK(fmt.Sprintf("Disconnected %s", cfg.Name)))
			return nil
		},
	}
	return cmd
}
