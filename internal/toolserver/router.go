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

package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mark3labs/mcp-go/mcp"
)

// prefixSeparator joins the sanitized instance name and the
// server-local tool name in the exposed capability namespace.
const prefixSeparator = "."

// SanitizePrefix turns a display name into a namespace prefix:
// lower-cased, spaces replaced with underscores.
func SanitizePrefix(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}

// Capability is one prefixed tool exposed to the agent.
type Capability struct {
	// Name is the prefixed, collision-free name.
	Name string `json:"name"`

	// Description is the server-supplied description.
	Description string `json:"description,omitempty"`

	// InstanceID identifies the owning instance.
	InstanceID string `json:"instance_id"`

	// LocalName is the tool's name on its own server.
	LocalName string `json:"local_name"`

	// InputSchema is the JSON schema for the tool's arguments.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// filterTools applies the configured allowlist patterns to a tool list.
// Empty patterns expose everything.
func filterTools(tools []mcp.Tool, patterns []string) []mcp.Tool {
	if len(patterns) == 0 {
		return tools
	}
	var out []mcp.Tool
	for _, tool := range tools {
		for _, pattern := range patterns {
			if ok, err := doublestar.Match(pattern, tool.Name); err == nil && ok {
				out = append(out, tool)
				break
			}
		}
	}
	return out
}

// Router presents a unified capability namespace across all running
// instances. Identically-named tools on different servers get distinct
// prefixed names; dispatch strips the prefix and forwards to the
// owning instance only.
type Router struct {
	manager *Manager
}

// NewRouter creates a router over a manager.
func NewRouter(m *Manager) *Router {
	return &Router{manager: m}
}

// List returns every capability across all Running instances, sorted
// by prefixed name. Empty when nothing is running.
func (r *Router) List() []Capability {
	var out []Capability
	for _, info := range r.manager.Running() {
		prefix := SanitizePrefix(info.Name)
		for _, tool := range info.Tools {
			out = append(out, Capability{
				Name:        prefix + prefixSeparator + tool.Name,
				Description: tool.Description,
				InstanceID:  info.ID,
				LocalName:   tool.Name,
				InputSchema: toolSchema(tool),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toolSchema(tool mcp.Tool) json.RawMessage {
	if len(tool.RawInputSchema) > 0 {
		return tool.RawInputSchema
	}
	data, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil
	}
	return data
}

// Call dispatches a prefixed capability name. The name is split on the
// first separator; the prefix must resolve to a configured instance or
// the call fails fast with a routing error before anything is spawned.
// The local name and arguments are forwarded to the owning instance
// only, lazily starting it if needed.
func (r *Router) Call(ctx context.Context, prefixedName string, args map[string]any) (*mcp.CallToolResult, error) {
	prefix, local, ok := strings.Cut(prefixedName, prefixSeparator)
	if !ok || prefix == "" || local == "" {
		return nil, ErrToolNotFound(prefixedName).
			WithDetail(fmt.Sprintf("expected <server>%s<tool>", prefixSeparator))
	}

	id := ""
	for _, cfg := range r.manager.Configured() {
		if SanitizePrefix(cfg.Name) == prefix {
			id = cfg.ID
			break
		}
	}
	if id == "" {
		return nil, ErrToolNotFound(prefixedName).
			WithDetail(fmt.Sprintf("no tool server matches prefix %q", prefix))
	}

	return r.manager.CallTool(ctx, id, local, args)
}
