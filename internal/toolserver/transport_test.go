package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests spawn sh")
	}
}

// echoServer replies to any single request with a fixed result for
// request id 1.
const echoServerScript = `read line; printf '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}\n'; read wait`

func TestTransport_RequestResponse(t *testing.T) {
	requireUnix(t)

	tr, err := Spawn(context.Background(), "echo", BuiltCommand{
		Path: "sh",
		Args: []string{"-c", echoServerScript},
	}, nil)
	require.NoError(t, err)
	defer tr.Close(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := tr.Request(ctx, "test/method", map[string]any{"a": 1})
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, true, result["ok"])
}

func TestTransport_ServerError(t *testing.T) {
	requireUnix(t)

	script := `read line; printf '{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}\n'; read wait`
	tr, err := Spawn(context.Background(), "err", BuiltCommand{
		Path: "sh", Args: []string{"-c", script},
	}, nil)
	require.NoError(t, err)
	defer tr.Close(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = tr.Request(ctx, "nope", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)
}

func TestTransport_ExitFailsPending(t *testing.T) {
	requireUnix(t)

	// Reads one request, prints a parting message to stderr, exits
	// without ever answering.
	script := `read line; echo "fatal: boom" >&2; exit 3`
	tr, err := Spawn(context.Background(), "crasher", BuiltCommand{
		Path: "sh", Args: []string{"-c", script},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err = tr.Request(ctx, "test/method", nil)
	require.Error(t, err)
	require.Less(t, time.Since(start), 8*time.Second, "pending request must fail promptly on exit, not hang")

	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeConnectionClosed, e.Code)
	require.Contains(t, e.Detail, "fatal: boom")
}

func TestTransport_CancelDoesNotKillProcess(t *testing.T) {
	requireUnix(t)

	// Never answers; exits only when stdin closes.
	script := `while read line; do :; done`
	tr, err := Spawn(context.Background(), "slow", BuiltCommand{
		Path: "sh", Args: []string{"-c", script},
	}, nil)
	require.NoError(t, err)
	defer tr.Close(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = tr.Request(ctx, "test/method", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The process must still be alive after a per-call timeout.
	select {
	case <-tr.Done():
		t.Fatal("process exited after call cancellation")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransport_StderrCaptured(t *testing.T) {
	requireUnix(t)

	script := `echo "line one" >&2; echo "line two" >&2; read wait`
	tr, err := Spawn(context.Background(), "noisy", BuiltCommand{
		Path: "sh", Args: []string{"-c", script},
	}, nil)
	require.NoError(t, err)
	defer tr.Close(time.Second)

	require.Eventually(t, func() bool {
		return tr.Logs().Count() == 2
	}, 5*time.Second, 20*time.Millisecond)

	entries := tr.Logs().All()
	require.Equal(t, "line one", entries[0].Message)
	require.Equal(t, "line two", entries[1].Message)
}

func TestTransport_CloseGraceful(t *testing.T) {
	requireUnix(t)

	script := `while read line; do :; done`
	tr, err := Spawn(context.Background(), "closer", BuiltCommand{
		Path: "sh", Args: []string{"-c", script},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Close(2*time.Second))

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestSpawn_CommandNotFound(t *testing.T) {
	_, err := Spawn(context.Background(), "missing", BuiltCommand{
		Path: "definitely-not-a-real-command-xyz",
	}, nil)

	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeCommandNotFound, e.Code)
}

func TestSpawn_EmptyCommand(t *testing.T) {
	_, err := Spawn(context.Background(), "empty", BuiltCommand{}, nil)
	require.Error(t, err)
	require.False(t, errors.Is(err, context.Canceled))
}
