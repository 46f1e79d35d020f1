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
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/concierge/internal/log"
	"github.com/tombee/concierge/internal/registry"
)

// defaultRegistryURL is the authoritative catalog. Overridable for
// self-hosted registries via CONCIERGE_REGISTRY_URL.
const defaultRegistryURL = "https://registry.concierge.tools"

func newSearchCommand() *cobra.Command {
	var (
		registryURL   string
		communityURLs []string
		install       string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search catalogs for installable tool servers",
		Long: `Search the configured catalogs for tool servers.

All catalogs are queried in parallel; an unreachable catalog degrades
the response to partial results rather than failing the search.

Examples:
  concierge search github
  concierge search calendar --community https://mcp.example.org
  concierge search github --install github-mcp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, args[0], registryURL, communityURLs, install)
		},
	}

	cmd.Flags().StringVar(&registryURL, "registry", "", "Authoritative catalog URL (default: $CONCIERGE_REGISTRY_URL)")
	cmd.Flags().StringArrayVar(&communityURLs, "community", nil, "Community catalog URL (repeatable)")
	cmd.Flags().StringVar(&install, "install", "", "Install the named result after searching")

	return cmd
}

func buildCatalogs(registryURL string, communityURLs []string) []registry.Catalog {
	if registryURL == "" {
		registryURL = os.Getenv("CONCIERGE_REGISTRY_URL")
	}
	if registryURL == "" {
		registryURL = defaultRegistryURL
	}

	logger := log.New(log.FromEnv())
	catalogs := []registry.Catalog{
		registry.NewHTTPCatalog("official", registryURL, true, logger),
	}
	for i, u := range communityURLs {
		name := fmt.Sprintf("community-%d", i+1)
		if len(communityURLs) == 1 {
			name = "community"
		}
		catalogs = append(catalogs, registry.NewHTTPCatalog(name, u, false, logger))
	}
	return catalogs
}

func runSearch(cmd *cobra.Command, query, registryURL string, communityURLs []string, install string) error {
	catalogs := buildCatalogs(registryURL, communityURLs)
	searcher := registry.NewSearcher(catalogs, log.New(log.FromEnv()))

	results, err := searcher.Search(cmd.Context(), query)
	if err != nil {
		return err
	}

	if install != "" {
		return installResult(results, install)
	}

	if flagJSON {
		return printJSON(results)
	}

	if results.Partial {
		for _, name := range results.Unavailable {
			fmt.Fprintln(os.Stderr, styleWarn.Render(
				fmt.Sprintf("warning: catalog %q is unreachable; results are incomplete", name)))
		}
	}

	if len(results.Results) == 0 {
		fmt.Printf("No tool servers found for %q.\n", query)
		return nil
	}

	fmt.Printf("%-24s %-10s %-9s %-30s %s\n", "NAME", "ORIGIN", "VERIFIED", "PACKAGE", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 100))
	for _, r := range results.Results {
		verified := ""
		if r.Verified {
			verified = styleOK.Render(symbolOK)
		}
		fmt.Printf("%-24s %-10s %-9s %-30s %s\n",
			truncate(r.Name, 24),
			r.Origin,
			verified,
			truncate(r.Package.Identifier, 30),
			truncate(r.Description, 40),
		)
	}
	fmt.Println()
	fmt.Println(styleMuted.Render("Install with: concierge search <query> --install <name>"))
	return nil
}

func installResult(results *registry.Results, name string) error {
	var match *registry.SearchResult
	for i := range results.Results {
		r := &results.Results[i]
		if r.Name == name || strings.EqualFold(r.Label, name) {
			match = r
			break
		}
	}
	if match == nil {
		return fmt.Errorf("no search result named %q; run the search without --install to see names", name)
	}

	cfg := match.ToServerConfig()

	a, err := newApp(flagConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Add(cfg); err != nil {
		return err
	}

	fmt.Println(renderOK(fmt.Sprintf("Installed tool server: %s", cfg.Name)))
	for _, ev := range cfg.Env {
		if ev.Secret {
			fmt.Printf("  Set the secret: concierge server secret set %s %s\n", cfg.Name, ev.Name)
		}
	}
	if cfg.Auth.OAuth != nil {
		fmt.Printf("  Connect the account: concierge auth %s\n", cfg.Name)
	}
	return nil
}
