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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxLineBytes bounds a single protocol frame. Tool results can carry
// large payloads (file contents, base64 images).
const maxLineBytes = 10 * 1024 * 1024

// RPCError is a protocol-level error returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Transport runs a tool server as a child process and speaks
// newline-delimited JSON-RPC 2.0 over its standard streams. Each request
// carries a locally unique id; responses are routed back to the waiting
// caller by that id. Standard error is captured into a bounded ring
// buffer for diagnostics.
type Transport struct {
	serverName string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	logs       *LogBuffer
	logger     *slog.Logger

	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *rpcMessage
	closed  bool

	// done is closed once the child's output stream reaches EOF and the
	// process has been reaped.
	done       chan struct{}
	stderrDone chan struct{}
	exitErr    error
}

// Spawn starts the child process described by cmd and wires up the
// protocol loops. The child environment is the parent environment
// overlaid with cmd.Env, supplied entries winning on conflict.
func Spawn(ctx context.Context, serverName string, command BuiltCommand, logger *slog.Logger) (*Transport, error) {
	if command.Path == "" {
		return nil, NewError(ErrorCodeValidation, "empty command")
	}
	if logger == nil {
		logger = slog.Default()
	}

	path, err := exec.LookPath(command.Path)
	if err != nil {
		return nil, ErrCommandNotFound(command.Path)
	}

	cmd := exec.CommandContext(ctx, path, command.Args...)
	cmd.Env = overlayEnv(os.Environ(), command.Env)
	cmd.WaitDelay = 10 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, ErrStartFailed(serverName, err)
	}

	t := &Transport{
		serverName: serverName,
		cmd:        cmd,
		stdin:      stdin,
		logs:       NewLogBuffer(DefaultLogLines),
		logger:     logger,
		pending:    make(map[int64]chan *rpcMessage),
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}

	go t.stderrLoop(stderr)
	go t.readLoop(stdout)

	return t, nil
}

// overlayEnv merges the supplied entries over the base environment.
// Both are "KEY=value" lists; supplied keys win.
func overlayEnv(base, supplied []string) []string {
	merged := make(map[string]string, len(base)+len(supplied))
	order := make([]string, 0, len(base)+len(supplied))

	add := func(entries []string) {
		for _, e := range entries {
			key, _, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			}
			merged[key] = e
		}
	}
	add(base)
	add(supplied)

	result := make([]string, 0, len(order))
	for _, key := range order {
		result = append(result, merged[key])
	}
	return result
}

// Logs returns the captured stderr buffer.
func (t *Transport) Logs() *LogBuffer {
	return t.logs
}

// Done is closed when the child process has exited and been reaped.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Pid returns the child process id, or 0 if unavailable.
func (t *Transport) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Request sends a JSON-RPC request and waits for the matching response.
// Cancellation via ctx discards the correlation id locally; the process
// is left running and any late response for that id is dropped.
func (t *Transport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, t.disconnectedError()
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.write(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, t.disconnectedError()
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// Notify sends a JSON-RPC notification. No response is expected.
func (t *Transport) Notify(method string, params any) error {
	return t.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *Transport) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return ErrConnectionClosed(t.serverName).WithCause(err)
	}
	return nil
}

// readLoop routes responses to waiting callers. When stdout reaches EOF
// the process is gone: every pending request fails immediately with a
// disconnection error carrying the stderr tail.
func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Debug("discarding unparseable frame",
				slog.String("server", t.serverName),
				slog.String("error", err.Error()))
			continue
		}

		if msg.ID == nil {
			// Server-initiated notification. Nothing subscribes yet.
			t.logger.Debug("server notification",
				slog.String("server", t.serverName),
				slog.String("method", msg.Method))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.mu.Unlock()

		if ok {
			ch <- &msg
		}
	}

	// Drain stderr before Wait; Wait closes the pipes.
	select {
	case <-t.stderrDone:
	case <-time.After(2 * time.Second):
	}
	exitErr := t.cmd.Wait()

	t.mu.Lock()
	t.closed = true
	t.exitErr = exitErr
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(t.done)
}

func (t *Transport) stderrLoop(stderr io.Reader) {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4*1024), 256*1024)
	for scanner.Scan() {
		t.logs.Append(scanner.Text())
	}
}

// disconnectedError builds a CONNECTION_CLOSED error with the stderr tail
// attached, so a crash report tells the user what the process printed
// before dying.
func (t *Transport) disconnectedError() error {
	e := ErrConnectionClosed(t.serverName)

	t.mu.Lock()
	exitErr := t.exitErr
	t.mu.Unlock()
	if exitErr != nil && !errors.Is(exitErr, os.ErrProcessDone) {
		e = e.WithCause(exitErr)
	}

	if tail := t.logs.Last(10); len(tail) > 0 {
		var sb strings.Builder
		for i, entry := range tail {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(entry.Message)
		}
		e = e.WithDetail(sb.String())
	}
	return e
}

// Close shuts the transport down. It first closes stdin and sends an
// interrupt, then waits up to grace for the process to exit on its own
// before killing it. Safe to call more than once.
func (t *Transport) Close(grace time.Duration) error {
	t.writeMu.Lock()
	_ = t.stdin.Close()
	t.writeMu.Unlock()

	select {
	case <-t.done:
		return nil
	default:
	}

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-t.done:
		return nil
	case <-time.After(grace):
	}

	t.logger.Warn("process did not exit gracefully, killing",
		slog.String("server", t.serverName),
		slog.Int("pid", t.Pid()))
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}

	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("process %d did not exit after kill", t.Pid())
	}
	return nil
}
