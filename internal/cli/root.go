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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/concierge/internal/toolserver"
)

var (
	flagConfig string
	flagJSON   bool
)

// NewRootCommand creates the root Cobra command for Concierge.
func NewRootCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concierge",
		Short: "Concierge - tool server management for the assistant",
		Long: `Concierge manages the tool servers the assistant calls during
conversations. Servers are child processes speaking the Model Context
Protocol over stdio; they start on first use and stop when idle.

Run 'concierge server list' to see configured servers.
Run 'concierge search <query>' to discover installable servers.`,
		Version:       version,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (default: ~/.config/concierge/servers.yaml)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")

	cmd.AddCommand(newServerCommand())
	cmd.AddCommand(newToolsCommand())
	cmd.AddCommand(newCallCommand())
	cmd.AddCommand(newSearchCommand())
	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newHostCommand())

	return cmd
}

// Execute runs the root command, rendering typed errors with their
// suggestions before exiting non-zero.
func Execute(version string) {
	cmd := NewRootCommand(version)
	if err := cmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func printError(err error) {
	var terr *toolserver.Error
	if errors.As(err, &terr) {
		fmt.Fprintln(os.Stderr, renderError(terr.UserMessage()))
		return
	}
	fmt.Fprintln(os.Stderr, renderError(err.Error()))
}
