package toolserver

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/tombee/concierge/internal/config"
	"github.com/tombee/concierge/internal/credential"
)

// fakeConn is an in-memory Conn that records calls.
type fakeConn struct {
	mu    sync.Mutex
	tools []mcp.Tool
	calls []string

	done    chan struct{}
	pingErr error
	callFn  func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	logs    *LogBuffer
}

func newFakeConn(toolNames ...string) *fakeConn {
	c := &fakeConn{
		done: make(chan struct{}),
		logs: NewLogBuffer(10),
	}
	for _, name := range toolNames {
		c.tools = append(c.tools, mcp.Tool{Name: name, Description: name + " tool"})
	}
	return c
}

func (c *fakeConn) Tools() []mcp.Tool { return c.tools }

func (c *fakeConn) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
	if c.callFn != nil {
		return c.callFn(ctx, name, args)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }
func (c *fakeConn) Done() <-chan struct{}          { return c.done }
func (c *fakeConn) Logs() *LogBuffer               { return c.logs }

func (c *fakeConn) Close(time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

func (c *fakeConn) callNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// crash simulates the child process dying.
func (c *fakeConn) crash() { c.Close(0) }

type fakeLauncher struct {
	mu       sync.Mutex
	conns    map[string][]*fakeConn // server name -> conns handed out, in order
	launches atomic.Int32
	err      error
	tools    map[string][]string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		conns: make(map[string][]*fakeConn),
		tools: make(map[string][]string),
	}
}

func (l *fakeLauncher) launch(_ context.Context, cfg *config.ServerConfig, _ BuiltCommand, _ *slog.Logger) (Conn, error) {
	l.launches.Add(1)
	if l.err != nil {
		return nil, l.err
	}

	names := l.tools[cfg.Name]
	if names == nil {
		names = []string{"search"}
	}
	conn := newFakeConn(names...)

	l.mu.Lock()
	l.conns[cfg.Name] = append(l.conns[cfg.Name], conn)
	l.mu.Unlock()
	return conn, nil
}

func (l *fakeLauncher) latest(name string) *fakeConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	conns := l.conns[name]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func testManager(t *testing.T, launcher *fakeLauncher, servers ...*config.ServerConfig) *Manager {
	t.Helper()

	store, err := config.NewStore(filepath.Join(t.TempDir(), "servers.yaml"))
	require.NoError(t, err)
	file := &config.File{Servers: servers, Defaults: config.DefaultDefaults()}
	file.Defaults.MaxRestartAttempts = 1
	require.NoError(t, store.Save(file))

	m, err := NewManager(ManagerOptions{
		ConfigStore: store,
		Credentials: &fakeCreds{},
		Launcher:    launcher.launch,
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func waitState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := m.Status(id)
		return err == nil && st.State == want
	}, 10*time.Second, 10*time.Millisecond, "instance %s never reached %s", id, want)
}

func TestManager_LazyStart(t *testing.T) {
	launcher := newFakeLauncher()
	m := testManager(t, launcher, stdioConfig("github"))

	st, err := m.Status("github-id")
	require.NoError(t, err)
	require.Equal(t, StateIdle, st.State)
	require.Zero(t, launcher.launches.Load())

	result, err := m.CallTool(context.Background(), "github-id", "search", nil)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, int32(1), launcher.launches.Load())

	// Second call reuses the running instance.
	_, err = m.CallTool(context.Background(), "github-id", "search", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), launcher.launches.Load())

	waitState(t, m, "github-id", StateRunning)
}

func TestManager_DisabledServerNotStarted(t *testing.T) {
	cfg := stdioConfig("off")
	cfg.Enabled = false
	launcher := newFakeLauncher()
	m := testManager(t, launcher, cfg)

	_, err := m.CallTool(context.Background(), "off-id", "search", nil)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeDisabled, e.Code)
	require.Zero(t, launcher.launches.Load())
}

func TestManager_ValidationFailureIsolated(t *testing.T) {
	bad := stdioConfig("bad")
	bad.Args = []config.Argument{{Flag: "--root", Required: true}}
	good := stdioConfig("good")

	launcher := newFakeLauncher()
	m := testManager(t, launcher, bad, good)

	// The invalid sibling fails before any spawn.
	_, err := m.CallTool(context.Background(), "bad-id", "search", nil)
	require.Error(t, err)
	waitState(t, m, "bad-id", StateError)

	// The valid one is unaffected.
	_, err = m.CallTool(context.Background(), "good-id", "search", nil)
	require.NoError(t, err)
	waitState(t, m, "good-id", StateRunning)

	require.Equal(t, int32(1), launcher.launches.Load())
}

func TestManager_CrashRestartThenPermanentFailure(t *testing.T) {
	launcher := newFakeLauncher()
	m := testManager(t, launcher, stdioConfig("flaky")) // max restarts = 1

	require.NoError(t, m.Start(context.Background(), "flaky-id"))
	waitState(t, m, "flaky-id", StateRunning)

	// First crash: restart attempt 1 is within budget. Wait for the
	// relaunch itself, not the state, which still reads Running until
	// the exit watcher fires.
	launcher.latest("flaky").crash()
	require.Eventually(t, func() bool {
		return launcher.launches.Load() == 2
	}, 10*time.Second, 10*time.Millisecond, "instance was never relaunched")
	waitState(t, m, "flaky-id", StateRunning)

	st, err := m.Status("flaky-id")
	require.NoError(t, err)
	require.Equal(t, 1, st.Restarts)

	// Second crash: budget exhausted, permanent Error, no more spawns,
	// and the counter holds at the configured maximum.
	launcher.latest("flaky").crash()
	waitState(t, m, "flaky-id", StateError)
	require.Equal(t, int32(2), launcher.launches.Load())
	st, err = m.Status("flaky-id")
	require.NoError(t, err)
	require.Equal(t, 1, st.Restarts)

	// Manual intervention via enable resets the budget.
	require.NoError(t, m.SetEnabled("flaky-id", true))
	waitState(t, m, "flaky-id", StateIdle)
	st, err = m.Status("flaky-id")
	require.NoError(t, err)
	require.Zero(t, st.Restarts)
}

func TestManager_ExplicitStopHolds(t *testing.T) {
	launcher := newFakeLauncher()
	m := testManager(t, launcher, stdioConfig("github"))

	require.NoError(t, m.Start(context.Background(), "github-id"))
	waitState(t, m, "github-id", StateRunning)

	require.NoError(t, m.Stop("github-id"))
	waitState(t, m, "github-id", StateStopped)

	// A deliberate stop is not overridden by lazy start.
	_, err := m.CallTool(context.Background(), "github-id", "search", nil)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeNotRunning, e.Code)

	// A stop is not a crash: no restart was attempted.
	require.Equal(t, int32(1), launcher.launches.Load())

	// Explicit start revives it.
	require.NoError(t, m.Start(context.Background(), "github-id"))
	waitState(t, m, "github-id", StateRunning)
}

func TestManager_IdleEviction(t *testing.T) {
	launcher := newFakeLauncher()
	m := testManager(t, launcher, stdioConfig("sleepy"))

	base := time.Now()
	nowFunc = func() time.Time { return base }
	defer func() { nowFunc = time.Now }()

	require.NoError(t, m.Start(context.Background(), "sleepy-id"))
	waitState(t, m, "sleepy-id", StateRunning)

	// One millisecond short of the threshold: no eviction.
	idle := m.Defaults().IdleTimeout()
	nowFunc = func() time.Time { return base.Add(idle - time.Millisecond) }
	m.evictIdle()
	st, err := m.Status("sleepy-id")
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State)

	// A call now resets last-used and defers eviction further.
	_, err = m.CallTool(context.Background(), "sleepy-id", "search", nil)
	require.NoError(t, err)

	nowFunc = func() time.Time { return base.Add(idle) }
	m.evictIdle()
	st, err = m.Status("sleepy-id")
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State, "call before threshold must defer eviction")

	// Past the threshold from the last call: evicted back to Idle.
	nowFunc = func() time.Time { return base.Add(idle - time.Millisecond).Add(idle) }
	m.evictIdle()
	waitState(t, m, "sleepy-id", StateIdle)

	// Transparent restart on next use.
	_, err = m.CallTool(context.Background(), "sleepy-id", "search", nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), launcher.launches.Load())
}

func TestManager_CallTimeout(t *testing.T) {
	launcher := newFakeLauncher()

	store, err := config.NewStore(filepath.Join(t.TempDir(), "servers.yaml"))
	require.NoError(t, err)
	file := &config.File{Servers: []*config.ServerConfig{stdioConfig("slow")}, Defaults: config.DefaultDefaults()}
	file.Defaults.TimeoutSeconds = 1
	require.NoError(t, store.Save(file))

	m, err := NewManager(ManagerOptions{
		ConfigStore: store,
		Credentials: &fakeCreds{},
		Launcher:    launcher.launch,
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	require.NoError(t, m.Start(context.Background(), "slow-id"))
	waitState(t, m, "slow-id", StateRunning)

	conn := launcher.latest("slow")
	conn.callFn = func(ctx context.Context, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err = m.CallTool(context.Background(), "slow-id", "search", nil)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeTimeout, e.Code)

	// A timed-out call leaves the instance running.
	st, err := m.Status("slow-id")
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State)
}

func TestManager_ToolAllowlist(t *testing.T) {
	cfg := stdioConfig("git")
	cfg.Tools = []string{"git_*"}

	launcher := newFakeLauncher()
	launcher.tools["git"] = []string{"git_log", "git_diff", "dangerous_exec"}
	m := testManager(t, launcher, cfg)

	_, err := m.CallTool(context.Background(), "git-id", "git_log", nil)
	require.NoError(t, err)

	_, err = m.CallTool(context.Background(), "git-id", "dangerous_exec", nil)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, ErrorCodeToolNotFound, e.Code)

	running := m.Running()
	require.Len(t, running, 1)
	require.Len(t, running[0].Tools, 2)
}

func TestManager_Reconcile(t *testing.T) {
	launcher := newFakeLauncher()
	m := testManager(t, launcher, stdioConfig("keep"), stdioConfig("drop"))

	require.NoError(t, m.Start(context.Background(), "drop-id"))
	waitState(t, m, "drop-id", StateRunning)

	edited := stdioConfig("keep")
	edited.Args = []config.Argument{{Flag: "--depth", Value: "2"}}
	m.Reconcile(&config.File{
		Servers:  []*config.ServerConfig{edited, stdioConfig("new")},
		Defaults: config.DefaultDefaults(),
	})

	require.Nil(t, m.Find("drop"))
	require.NotNil(t, m.Find("new"))

	st, err := m.Status("keep-id")
	require.NoError(t, err)
	require.Equal(t, StateIdle, st.State)

	conn := launcher.latest("drop")
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("removed server was not stopped")
	}
}

func TestManager_RemovePurgesCredentials(t *testing.T) {
	launcher := newFakeLauncher()

	store, err := config.NewStore(filepath.Join(t.TempDir(), "servers.yaml"))
	require.NoError(t, err)
	file := &config.File{Servers: []*config.ServerConfig{stdioConfig("github")}, Defaults: config.DefaultDefaults()}
	require.NoError(t, store.Save(file))

	backend, err := credential.NewFileBackend(filepath.Join(t.TempDir(), "credentials.enc"))
	require.NoError(t, err)
	creds := credential.NewStore(backend)

	m, err := NewManager(ManagerOptions{
		ConfigStore:     store,
		Credentials:     &fakeCreds{},
		CredentialStore: creds,
		Launcher:        launcher.launch,
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	ctx := context.Background()
	require.NoError(t, creds.Set(ctx, "github-id", "GITHUB_TOKEN", "ghp_secret"))
	require.NoError(t, creds.SetToken(ctx, "github-id", credential.TokenRecord{AccessToken: "at"}))

	require.NoError(t, m.Remove("github-id"))
	require.Nil(t, m.Find("github"))

	_, err = creds.Get(ctx, "github-id", "GITHUB_TOKEN")
	require.ErrorIs(t, err, credential.ErrSecretNotFound)
	_, err = creds.GetToken(ctx, "github-id")
	require.ErrorIs(t, err, credential.ErrSecretNotFound)
}
