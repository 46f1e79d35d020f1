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

package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tombee/concierge/internal/config"
)

// Searcher fans a query out across every configured catalog and merges
// the results. A catalog that cannot be reached degrades the response
// to partial results instead of failing the whole search.
type Searcher struct {
	catalogs []Catalog
	logger   *slog.Logger
}

// NewSearcher creates a searcher over the given catalogs.
func NewSearcher(catalogs []Catalog, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{catalogs: catalogs, logger: logger}
}

// Search queries all catalogs in parallel. Entries that resolve to the
// same server across catalogs are deduplicated, preferring the
// authoritative catalog's entry. Verified servers sort first, then by
// popularity.
func (s *Searcher) Search(ctx context.Context, query string) (*Results, error) {
	type outcome struct {
		catalog       string
		authoritative bool
		results       []SearchResult
		err           error
	}

	outcomes := make([]outcome, len(s.catalogs))
	var wg sync.WaitGroup
	for i, cat := range s.catalogs {
		wg.Add(1)
		go func(i int, cat Catalog) {
			defer wg.Done()
			results, err := cat.Search(ctx, query)
			outcomes[i] = outcome{
				catalog:       cat.Name(),
				authoritative: cat.Authoritative(),
				results:       results,
				err:           err,
			}
		}(i, cat)
	}
	wg.Wait()

	merged := &Results{}
	seen := make(map[string]int)
	for _, out := range outcomes {
		if out.err != nil {
			s.logger.Warn("catalog unreachable",
				slog.String("catalog", out.catalog),
				slog.String("error", out.err.Error()))
			merged.Partial = true
			merged.Unavailable = append(merged.Unavailable, out.catalog)
			continue
		}
		for _, r := range out.results {
			key := normalizeName(r.Name)
			if idx, ok := seen[key]; ok {
				if preferOver(r, merged.Results[idx]) {
					merged.Results[idx] = r
				}
				continue
			}
			seen[key] = len(merged.Results)
			merged.Results = append(merged.Results, r)
		}
	}

	sort.SliceStable(merged.Results, func(i, j int) bool {
		a, b := merged.Results[i], merged.Results[j]
		if a.Verified != b.Verified {
			return a.Verified
		}
		if a.Popularity != b.Popularity {
			return a.Popularity > b.Popularity
		}
		return a.Name < b.Name
	})
	return merged, nil
}

// preferOver reports whether candidate should replace existing when
// both resolve to the same server name.
func preferOver(candidate, existing SearchResult) bool {
	if candidate.Origin != existing.Origin {
		return candidate.Origin == config.OriginOfficial
	}
	if candidate.Verified != existing.Verified {
		return candidate.Verified
	}
	return candidate.Popularity > existing.Popularity
}

// normalizeName folds case and separator differences so that
// "github-mcp", "GitHub MCP" and "github_mcp" merge to one entry.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
