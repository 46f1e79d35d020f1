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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/concierge/internal/cli/format"
	"github.com/tombee/concierge/internal/toolserver"
)

// newToolsCommand creates the tools command.
func newToolsCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools available to the assistant",
		Long: `List the tools currently available, prefixed with their server name.

Only running servers contribute tools. Use --server to start a specific
server and list everything it advertises.

Examples:
  concierge tools
  concierge tools --server github
  concierge tools --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, server)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Start this server and list its tools")
	return cmd
}

func runTools(cmd *cobra.Command, server string) error {
	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	if server != "" {
		cfg, err := a.findServer(server)
		if err != nil {
			return err
		}
		if _, err := a.manager.EnsureRunning(cmd.Context(), cfg.ID); err != nil {
			return err
		}
	}

	caps := a.router.List()

	if flagJSON {
		out := struct {
			Tools []toolserver.Capability `json:"tools"`
		}{Tools: caps}
		return printJSON(out)
	}

	if len(caps) == 0 {
		fmt.Println("No tools available. Running servers contribute tools;")
		fmt.Println("use 'concierge server list' to see configured servers.")
		return nil
	}

	for _, c := range caps {
		desc := c.Description
		if desc != "" {
			desc = styleMuted.Render(truncate(desc, 60))
		}
		fmt.Printf("%-40s %s\n", c.Name, desc)
	}
	return nil
}

// newCallCommand creates the call command.
func newCallCommand() *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "call <server.tool>",
		Short: "Call a tool and print the result",
		Long: `Call a tool by its prefixed name. The server starts automatically
if it is not running.

Arguments are passed as a JSON object via --args or piped on stdin.

Examples:
  concierge call github.search_issues --args '{"query": "is:open label:bug"}'
  echo '{"path": "/tmp"}' | concierge call files.list_directory`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args[0], argsJSON)
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	return cmd
}

func runCall(cmd *cobra.Command, name, argsJSON string) error {
	toolArgs, err := readToolArgs(argsJSON)
	if err != nil {
		return err
	}

	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.router.Call(cmd.Context(), name, toolArgs)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(result)
	}

	text := toolserver.ResultText(result)
	if result.IsError {
		fmt.Fprintln(os.Stderr, renderError("Tool reported an error:"))
		fmt.Println(text)
		os.Exit(1)
	}

	fmt.Println(renderResult(text))
	return nil
}

// readToolArgs decodes the arguments object from the flag or stdin.
func readToolArgs(argsJSON string) (map[string]any, error) {
	raw := strings.TrimSpace(argsJSON)
	if raw == "" {
		stat, err := os.Stdin.Stat()
		if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return nil, err
			}
			raw = strings.TrimSpace(string(data))
		}
	}
	if raw == "" {
		return nil, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return out, nil
}

// renderResult pretty-prints JSON results and renders markdown-looking
// text for the terminal; everything else passes through untouched.
func renderResult(text string) string {
	isTTY := format.IsTTY()

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if out, err := format.JSON(trimmed, isTTY); err == nil {
			return out
		}
	}
	if out, err := format.Markdown(text, isTTY); err == nil {
		return out
	}
	return text
}
