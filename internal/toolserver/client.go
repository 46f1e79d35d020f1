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
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// clientInfo identifies this host to tool servers during the handshake.
var clientInfo = mcp.Implementation{
	Name:    "concierge",
	Version: "0.1.0",
}

// Conn is an initialized tool server connection. The manager talks to
// instances exclusively through this interface so tests can substitute
// an in-memory fake for a real child process.
type Conn interface {
	// Tools returns the capability list fetched during the handshake.
	Tools() []mcp.Tool

	// Call invokes a tool by its server-local name.
	Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// Ping checks liveness.
	Ping(ctx context.Context) error

	// Done is closed when the underlying process exits.
	Done() <-chan struct{}

	// Logs returns the captured stderr buffer.
	Logs() *LogBuffer

	// Close shuts the connection down, waiting up to grace for a clean
	// exit before killing the process.
	Close(grace time.Duration) error
}

// Session is a live protocol session over a Transport. Created by
// Handshake after the initialize exchange and the initial capability
// listing have both succeeded.
type Session struct {
	transport  *Transport
	serverName string
	serverInfo mcp.Implementation
	tools      []mcp.Tool
}

// Handshake performs the initialize exchange on a freshly spawned
// transport and fetches the tool list. On any failure the transport is
// closed so no half-initialized process is left behind.
func Handshake(ctx context.Context, t *Transport, serverName string, logger *slog.Logger) (*Session, error) {
	s := &Session{transport: t, serverName: serverName}

	initParams := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      clientInfo,
	}

	raw, err := t.Request(ctx, string(mcp.MethodInitialize), initParams)
	if err != nil {
		_ = t.Close(time.Second)
		return nil, ErrHandshakeFailed(serverName, err)
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(raw, &initResult); err != nil {
		_ = t.Close(time.Second)
		return nil, ErrHandshakeFailed(serverName, fmt.Errorf("invalid initialize result: %w", err))
	}
	s.serverInfo = initResult.ServerInfo

	if err := t.Notify("notifications/initialized", struct{}{}); err != nil {
		_ = t.Close(time.Second)
		return nil, ErrHandshakeFailed(serverName, err)
	}

	tools, err := s.listTools(ctx)
	if err != nil {
		_ = t.Close(time.Second)
		return nil, ErrHandshakeFailed(serverName, err)
	}
	s.tools = tools

	logger.Debug("handshake complete",
		slog.String("server", serverName),
		slog.String("server_impl", initResult.ServerInfo.Name),
		slog.String("protocol", initResult.ProtocolVersion),
		slog.Int("tools", len(tools)))

	return s, nil
}

func (s *Session) listTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := s.transport.Request(ctx, string(mcp.MethodToolsList), mcp.PaginatedParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid tools/list result: %w", err)
	}
	return result.Tools, nil
}

// Tools returns the capability list fetched during the handshake.
func (s *Session) Tools() []mcp.Tool {
	return s.tools
}

// ServerInfo returns the implementation info the server reported.
func (s *Session) ServerInfo() mcp.Implementation {
	return s.serverInfo
}

// Call invokes a tool by its server-local name.
func (s *Session) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	params := mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	}

	raw, err := s.transport.Request(ctx, string(mcp.MethodToolsCall), params)
	if err != nil {
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("invalid tool result: %w", err)
	}
	return result, nil
}

// Ping checks liveness.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.transport.Request(ctx, string(mcp.MethodPing), struct{}{})
	return err
}

// Done is closed when the underlying process exits.
func (s *Session) Done() <-chan struct{} {
	return s.transport.Done()
}

// Logs returns the captured stderr buffer.
func (s *Session) Logs() *LogBuffer {
	return s.transport.Logs()
}

// Close shuts the session down.
func (s *Session) Close(grace time.Duration) error {
	return s.transport.Close(grace)
}

// ResultText flattens a tool result's content into plain text for CLI
// display and agent prompts. Non-text content is summarized.
func ResultText(result *mcp.CallToolResult) string {
	var out string
	for i, content := range result.Content {
		if i > 0 {
			out += "\n"
		}
		if text, ok := mcp.AsTextContent(content); ok {
			out += text.Text
			continue
		}
		if img, ok := mcp.AsImageContent(content); ok {
			out += fmt.Sprintf("[image %s, %d bytes]", img.MIMEType, len(img.Data))
			continue
		}
		data, err := json.Marshal(content)
		if err != nil {
			out += "[unrenderable content]"
			continue
		}
		out += string(data)
	}
	return out
}
