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

// Package toolserver supervises external tool server processes: it
// spawns them lazily on first use, restarts them after crashes, evicts
// them when idle, and routes capability calls to the right instance
// under a collision-free namespace.
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"github.com/tombee/concierge/internal/config"
	"github.com/tombee/concierge/internal/credential"
)

// State represents the lifecycle state of a tool server instance.
type State string

const (
	// StateIdle indicates the server is configured but not started.
	StateIdle State = "idle"
	// StateStarting indicates a spawn is in flight.
	StateStarting State = "starting"
	// StateRunning indicates the handshake completed and capabilities
	// are registered.
	StateRunning State = "running"
	// StateError indicates validation, spawn, or an unrecoverable crash
	// failed the instance. Manual intervention is required.
	StateError State = "error"
	// StateStopped indicates the server was deliberately shut down or
	// is disabled.
	StateStopped State = "stopped"
)

// instance tracks the runtime state of one configured tool server.
// All fields are guarded by the manager's mutex.
type instance struct {
	// cfg is a snapshot of the configuration the instance was created
	// (or last started) from.
	cfg *config.ServerConfig

	state     State
	conn      Conn
	lastError string

	startedAt time.Time
	lastUsed  time.Time

	// restarts counts crash restarts since the instance last entered
	// Idle. Reaching the maximum is a permanent failure.
	restarts int

	// inflight counts dispatched calls that have not returned. Idle
	// eviction skips instances with pending calls.
	inflight int

	// gen increments on every spawn so exit monitors for torn-down
	// connections can tell they are stale.
	gen int

	// starting is non-nil while a spawn is in flight; it is closed when
	// the attempt settles so concurrent callers can wait instead of
	// racing a second spawn.
	starting chan struct{}

	// logs is the stderr buffer of the most recent process, retained
	// after the process exits so crash forensics survive teardown.
	logs *LogBuffer
}

// Launcher spawns and handshakes a tool server process. Tests swap in
// a fake to drive the state machine without real child processes.
type Launcher func(ctx context.Context, cfg *config.ServerConfig, command BuiltCommand, logger *slog.Logger) (Conn, error)

func defaultLauncher(ctx context.Context, cfg *config.ServerConfig, command BuiltCommand, logger *slog.Logger) (Conn, error) {
	t, err := Spawn(ctx, cfg.Name, command, logger)
	if err != nil {
		return nil, err
	}
	return Handshake(ctx, t, cfg.Name, logger)
}

// handshakeTimeout bounds spawn plus initialize plus the first tool
// listing. A process that cannot get through this in time is killed.
const handshakeTimeout = 30 * time.Second

// stopGrace is how long a stopping process gets to exit on its own.
const stopGrace = 5 * time.Second

// restartBackoff returns the delay before crash-restart attempt n
// (1-based): 1s, 2s, 4s, capped at 30s.
func restartBackoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Manager owns the collection of tool server instances. All lifecycle
// transitions go through it; no other component holds a mutable
// reference to a running instance.
type Manager struct {
	store    *config.Store
	creds    CredentialSource
	credsRaw *credential.Store
	defaults config.Defaults
	bus      *EventBus
	logger   *slog.Logger
	launch   Launcher

	mu        sync.RWMutex
	instances map[string]*instance

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// ConfigStore persists server configurations.
	ConfigStore *config.Store

	// Credentials resolves secrets at spawn time. Wrap the raw store
	// with oauth.Source to get automatic token refresh.
	Credentials CredentialSource

	// CredentialStore is the raw store, used for the delete cascade.
	CredentialStore *credential.Store

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Bus receives lifecycle events (optional).
	Bus *EventBus

	// Launcher overrides process spawning (tests only).
	Launcher Launcher
}

// NewManager loads the configuration and creates a manager. Instances
// are registered Idle; nothing is spawned until first use. The idle
// eviction and health check loops start immediately.
func NewManager(opts ManagerOptions) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewEventBus(logger)
	}
	launch := opts.Launcher
	if launch == nil {
		launch = defaultLauncher
	}

	file, err := opts.ConfigStore.Load()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     opts.ConfigStore,
		creds:     opts.Credentials,
		credsRaw:  opts.CredentialStore,
		defaults:  file.Defaults,
		bus:       bus,
		logger:    logger,
		launch:    launch,
		instances: make(map[string]*instance),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, cfg := range file.Servers {
		m.instances[cfg.ID] = newInstance(cfg)
	}

	m.wg.Add(2)
	go m.idleLoop()
	go m.healthLoop()

	return m, nil
}

func newInstance(cfg *config.ServerConfig) *instance {
	inst := &instance{cfg: cfg, state: StateIdle}
	if !cfg.Enabled {
		inst.state = StateStopped
	}
	return inst
}

// Events returns the lifecycle event bus.
func (m *Manager) Events() *EventBus {
	return m.bus
}

// Defaults returns the lifecycle defaults in effect.
func (m *Manager) Defaults() config.Defaults {
	return m.defaults
}

// Configured returns a snapshot of all configured servers.
func (m *Manager) Configured() []*config.ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs := make([]*config.ServerConfig, 0, len(m.instances))
	for _, inst := range m.instances {
		configs = append(configs, inst.cfg)
	}
	return configs
}

// Find returns the configuration for an instance by id or display
// name, or nil.
func (m *Manager) Find(idOrName string) *config.ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if inst, ok := m.instances[idOrName]; ok {
		return inst.cfg
	}
	for _, inst := range m.instances {
		if inst.cfg.Name == idOrName {
			return inst.cfg
		}
	}
	return nil
}

// RunningInfo describes one Running instance and its capabilities.
type RunningInfo struct {
	ID    string
	Name  string
	Tools []mcp.Tool
}

// Running returns a consistent snapshot of all Running instances and
// their tool lists.
func (m *Manager) Running() []RunningInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []RunningInfo
	for id, inst := range m.instances {
		if inst.state != StateRunning || inst.conn == nil {
			continue
		}
		out = append(out, RunningInfo{ID: id, Name: inst.cfg.Name, Tools: filterTools(inst.conn.Tools(), inst.cfg.Tools)})
	}
	return out
}

// EnsureRunning brings an instance to the Running state, spawning it if
// necessary, and returns its connection. Lazy start: instances are not
// spawned until the first call that needs them.
func (m *Manager) EnsureRunning(ctx context.Context, id string) (Conn, error) {
	for {
		m.mu.Lock()
		inst, ok := m.instances[id]
		if !ok {
			m.mu.Unlock()
			return nil, ErrServerNotFound(id)
		}

		switch inst.state {
		case StateRunning:
			conn := inst.conn
			m.mu.Unlock()
			return conn, nil

		case StateError:
			msg := inst.lastError
			m.mu.Unlock()
			return nil, NewError(ErrorCodeStartFailed,
				fmt.Sprintf("tool server '%s' is in a failed state", inst.cfg.Name)).
				WithDetail(msg).
				WithSuggestions(fmt.Sprintf("Re-enable to retry: concierge server enable %s", inst.cfg.Name))

		case StateStarting:
			ch := inst.starting
			m.mu.Unlock()
			select {
			case <-ch:
				// Settled. Loop to observe the outcome.
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case StateStopped:
			// An explicit stop holds until re-enable, edit, or explicit
			// start. Lazy start applies to Idle only.
			name := inst.cfg.Name
			enabled := inst.cfg.Enabled
			m.mu.Unlock()
			if !enabled {
				return nil, ErrServerDisabled(name)
			}
			return nil, ErrServerNotRunning(name)

		case StateIdle:
			m.beginStartLocked(inst)
			m.mu.Unlock()
		}
	}
}

// beginStartLocked transitions an instance to Starting and kicks off
// the spawn in a goroutine. Caller holds m.mu.
func (m *Manager) beginStartLocked(inst *instance) {
	inst.state = StateStarting
	inst.starting = make(chan struct{})
	inst.lastError = ""
	cfg := inst.cfg

	m.bus.Publish(Event{Type: EventStarting, InstanceID: cfg.ID, ServerName: cfg.Name})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.startInstance(cfg)
	}()
}

// startInstance runs one spawn attempt end to end. One instance's
// initialization never blocks another's: each attempt runs in its own
// goroutine with its own timeout.
func (m *Manager) startInstance(cfg *config.ServerConfig) {
	err := m.doStart(cfg)
	if err == nil {
		return
	}

	m.mu.Lock()
	inst, ok := m.instances[cfg.ID]
	if ok && inst.state == StateStarting {
		inst.state = StateError
		inst.lastError = errMessage(err)
		if ch := inst.starting; ch != nil {
			inst.starting = nil
			close(ch)
		}
	}
	m.mu.Unlock()

	m.logger.Error("tool server start failed",
		slog.String("server", cfg.Name),
		slog.String("error", err.Error()))
	m.bus.Publish(Event{Type: EventFailed, InstanceID: cfg.ID, ServerName: cfg.Name, Message: errMessage(err)})
}

func errMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return err.Error()
}

func (m *Manager) doStart(cfg *config.ServerConfig) error {
	command, err := BuildCommand(cfg)
	if err != nil {
		return err
	}

	env, err := BuildEnv(m.ctx, cfg, m.creds)
	if err != nil {
		return err
	}
	command.Env = EnvList(env)

	ctx, cancel := context.WithTimeout(m.ctx, handshakeTimeout)
	defer cancel()

	conn, err := m.launch(ctx, cfg, command, m.logger)
	if err != nil {
		return err
	}

	now := nowFunc()

	m.mu.Lock()
	inst, ok := m.instances[cfg.ID]
	if !ok || !inst.cfg.Enabled || inst.state != StateStarting {
		// Removed, disabled, or deliberately stopped while starting.
		m.mu.Unlock()
		_ = conn.Close(time.Second)
		return nil
	}
	inst.conn = conn
	inst.state = StateRunning
	inst.startedAt = now
	inst.lastUsed = now
	inst.logs = conn.Logs()
	inst.gen++
	gen := inst.gen
	if ch := inst.starting; ch != nil {
		inst.starting = nil
		close(ch)
	}
	m.mu.Unlock()

	serversRunning.Inc()
	m.bus.Publish(Event{Type: EventStarted, InstanceID: cfg.ID, ServerName: cfg.Name})
	m.bus.Publish(Event{Type: EventToolsChanged, InstanceID: cfg.ID, ServerName: cfg.Name})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchExit(cfg.ID, gen, conn)
	}()

	return nil
}

// watchExit waits for the process behind a connection to exit. A
// deliberate stop changes state first, so an exit observed while the
// instance is still Running (same generation) is a crash.
func (m *Manager) watchExit(id string, gen int, conn Conn) {
	select {
	case <-conn.Done():
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.gen != gen || inst.state != StateRunning {
		m.mu.Unlock()
		return
	}

	cfg := inst.cfg
	inst.conn = nil
	serversRunning.Dec()

	// The counter caps at the configured maximum: a crash with the
	// budget already spent goes straight to Error.
	if inst.restarts >= m.defaults.MaxRestartAttempts {
		inst.state = StateError
		inst.lastError = ErrMaxRestarts(cfg.Name, m.defaults.MaxRestartAttempts).UserMessage()
		m.mu.Unlock()

		m.logger.Error("tool server crashed too many times, giving up",
			slog.String("server", cfg.Name),
			slog.Int("attempts", m.defaults.MaxRestartAttempts))
		m.bus.Publish(Event{Type: EventFailed, InstanceID: id, ServerName: cfg.Name,
			Message: fmt.Sprintf("crashed after %d restarts, not restarting", m.defaults.MaxRestartAttempts)})
		return
	}

	inst.restarts++
	attempt := inst.restarts

	inst.state = StateStarting
	inst.starting = make(chan struct{})
	m.mu.Unlock()

	recordRestart(cfg.Name)
	backoff := restartBackoff(attempt)
	m.logger.Warn("tool server crashed, restarting",
		slog.String("server", cfg.Name),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", backoff))
	m.bus.Publish(Event{Type: EventRestarting, InstanceID: id, ServerName: cfg.Name,
		Message: fmt.Sprintf("restart attempt %d", attempt)})

	select {
	case <-time.After(backoff):
	case <-m.ctx.Done():
		return
	}

	m.startInstance(cfg)
}

// CallTool dispatches a capability call to an instance by its
// server-local tool name, lazily starting the instance if needed. The
// last-used timestamp is updated on every dispatch attempt, success or
// not, so long-running but failing servers are not evicted mid-use.
func (m *Manager) CallTool(ctx context.Context, id, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	conn, err := m.EnsureRunning(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrServerNotFound(id)
	}
	name := inst.cfg.Name
	allowed := false
	for _, t := range filterTools(conn.Tools(), inst.cfg.Tools) {
		if t.Name == tool {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return nil, ErrToolNotFound(tool).
			WithDetail(fmt.Sprintf("tool server '%s' does not expose %q", name, tool))
	}
	inst.lastUsed = nowFunc()
	inst.inflight++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if inst, ok := m.instances[id]; ok {
			inst.inflight--
		}
		m.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, m.defaults.CallTimeout())
	defer cancel()

	start := nowFunc()
	result, err := conn.Call(callCtx, tool, args)
	elapsed := nowFunc().Sub(start).Seconds()

	switch {
	case err == nil && result.IsError:
		recordCall(name, "tool_error", elapsed)
	case err == nil:
		recordCall(name, "ok", elapsed)
	case callCtx.Err() == context.DeadlineExceeded:
		recordCall(name, "timeout", elapsed)
		return nil, ErrCallTimeout(tool, m.defaults.TimeoutSeconds)
	default:
		recordCall(name, "error", elapsed)
		return nil, err
	}

	return result, nil
}

// Start explicitly brings an instance up, without waiting for first
// use. Unlike lazy start it also revives a deliberately Stopped
// instance.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.RLock()
	inst, ok := m.instances[id]
	stopped := ok && inst.state == StateStopped && inst.cfg.Enabled
	m.mu.RUnlock()
	if stopped {
		if err := m.Reset(id); err != nil {
			return err
		}
	}
	_, err := m.EnsureRunning(ctx, id)
	return err
}

// Stop deliberately shuts an instance down. The instance lands in
// Stopped and will not be restarted until re-enabled or called again
// after Reset.
func (m *Manager) Stop(id string) error {
	return m.stopTo(id, StateStopped, EventStopped)
}

func (m *Manager) stopTo(id string, target State, event EventType) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return ErrServerNotFound(id)
	}

	cfg := inst.cfg
	conn := inst.conn
	wasRunning := inst.state == StateRunning
	inst.conn = nil
	inst.state = target
	inst.gen++
	if ch := inst.starting; ch != nil {
		inst.starting = nil
		close(ch)
	}
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(stopGrace); err != nil {
			m.logger.Warn("error stopping tool server",
				slog.String("server", cfg.Name),
				slog.String("error", err.Error()))
		}
	}
	if wasRunning {
		serversRunning.Dec()
		m.bus.Publish(Event{Type: event, InstanceID: id, ServerName: cfg.Name})
		m.bus.Publish(Event{Type: EventToolsChanged, InstanceID: id, ServerName: cfg.Name})
	}
	return nil
}

// Reset returns a Stopped or Error instance to Idle and clears its
// restart budget. Used when a configuration is re-enabled or edited.
func (m *Manager) Reset(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return ErrServerNotFound(id)
	}
	if inst.state == StateRunning || inst.state == StateStarting {
		return nil
	}
	inst.state = StateIdle
	if !inst.cfg.Enabled {
		inst.state = StateStopped
	}
	inst.restarts = 0
	inst.lastError = ""
	return nil
}

// SetEnabled flips the enabled flag, persists it, and applies the
// matching lifecycle transition: disabling stops a running instance,
// enabling returns it to Idle with a fresh restart budget.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return ErrServerNotFound(id)
	}
	cfg := cloneConfig(inst.cfg)
	cfg.Enabled = enabled
	m.mu.Unlock()

	if err := m.store.Update(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	inst.cfg = cfg
	m.mu.Unlock()

	if enabled {
		return m.Reset(id)
	}
	return m.Stop(id)
}

// Add validates and persists a new server configuration and registers
// it Idle.
func (m *Manager) Add(cfg *config.ServerConfig) error {
	if err := m.store.Add(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	m.instances[cfg.ID] = newInstance(cfg)
	m.mu.Unlock()
	return nil
}

// Update persists an edited configuration. A running instance is
// stopped; the next use starts it with the new settings and a fresh
// restart budget.
func (m *Manager) Update(cfg *config.ServerConfig) error {
	if err := m.store.Update(cfg); err != nil {
		return err
	}

	_ = m.stopTo(cfg.ID, StateStopped, EventStopped)

	m.mu.Lock()
	if inst, ok := m.instances[cfg.ID]; ok {
		inst.cfg = cfg
		inst.restarts = 0
		inst.lastError = ""
		inst.state = StateIdle
		if !cfg.Enabled {
			inst.state = StateStopped
		}
	}
	m.mu.Unlock()
	return nil
}

// Remove stops an instance, deletes its configuration, and purges every
// credential stored for it.
func (m *Manager) Remove(id string) error {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return ErrServerNotFound(id)
	}
	name := inst.cfg.Name

	_ = m.stopTo(id, StateStopped, EventStopped)

	if err := m.store.Remove(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()

	if m.credsRaw != nil {
		if err := m.credsRaw.PurgeInstance(context.Background(), id); err != nil {
			m.logger.Warn("failed to purge credentials",
				slog.String("server", name),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Reconcile applies an externally-edited configuration file: new
// entries are registered Idle, edited entries are stopped and reset,
// removed entries are stopped and dropped. Credentials are not purged
// here; only an explicit Remove cascades.
func (m *Manager) Reconcile(file *config.File) {
	m.mu.Lock()
	m.defaults = file.Defaults

	seen := make(map[string]bool, len(file.Servers))
	var stopped, reset []string
	for _, cfg := range file.Servers {
		seen[cfg.ID] = true
		inst, ok := m.instances[cfg.ID]
		if !ok {
			m.instances[cfg.ID] = newInstance(cfg)
			continue
		}
		if configEqual(inst.cfg, cfg) {
			continue
		}
		inst.cfg = cfg
		reset = append(reset, cfg.ID)
	}
	for id := range m.instances {
		if !seen[id] {
			stopped = append(stopped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range reset {
		_ = m.stopTo(id, StateStopped, EventStopped)
		_ = m.Reset(id)
	}
	for _, id := range stopped {
		_ = m.stopTo(id, StateStopped, EventStopped)
		m.mu.Lock()
		delete(m.instances, id)
		m.mu.Unlock()
	}
}

// InstanceStatus is a point-in-time view of one instance.
type InstanceStatus struct {
	ID        string
	Name      string
	Enabled   bool
	State     State
	LastError string
	StartedAt time.Time
	LastUsed  time.Time
	Restarts  int
	ToolCount int
}

// Status returns the status of one instance.
func (m *Manager) Status(id string) (*InstanceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrServerNotFound(id)
	}
	return statusOf(inst), nil
}

// ListStatus returns the status of every configured instance.
func (m *Manager) ListStatus() []*InstanceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*InstanceStatus, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, statusOf(inst))
	}
	return out
}

func statusOf(inst *instance) *InstanceStatus {
	st := &InstanceStatus{
		ID:        inst.cfg.ID,
		Name:      inst.cfg.Name,
		Enabled:   inst.cfg.Enabled,
		State:     inst.state,
		LastError: inst.lastError,
		StartedAt: inst.startedAt,
		LastUsed:  inst.lastUsed,
		Restarts:  inst.restarts,
	}
	if inst.state == StateRunning && inst.conn != nil {
		st.ToolCount = len(filterTools(inst.conn.Tools(), inst.cfg.Tools))
	}
	return st
}

// Logs returns the captured stderr of an instance's most recent
// process. Survives the process itself, so crash output is available
// after the fact.
func (m *Manager) Logs(id string, lines int) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrServerNotFound(id)
	}
	if inst.logs == nil {
		return nil, nil
	}
	if lines > 0 {
		return inst.logs.Last(lines), nil
	}
	return inst.logs.All(), nil
}

// idleLoop periodically evicts Running instances whose last use is
// older than the idle timeout. Evicted instances return to Idle and
// restart transparently on next use.
func (m *Manager) idleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	timeout := m.defaults.IdleTimeout()
	now := nowFunc()

	m.mu.RLock()
	var evict []string
	for id, inst := range m.instances {
		if inst.state != StateRunning || inst.inflight > 0 {
			continue
		}
		if now.Sub(inst.lastUsed) >= timeout {
			evict = append(evict, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range evict {
		m.mu.RLock()
		inst, ok := m.instances[id]
		name := ""
		if ok {
			name = inst.cfg.Name
		}
		m.mu.RUnlock()
		if !ok {
			continue
		}

		m.logger.Info("evicting idle tool server", slog.String("server", name))
		recordEviction(name)
		_ = m.stopTo(id, StateIdle, EventEvicted)
		_ = m.Reset(id)
	}
}

// healthLoop periodically pings Running instances. A ping failure is
// treated as a crash: the process is killed and the restart policy
// takes over via the exit watcher.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.defaults.HealthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	type target struct {
		name string
		conn Conn
	}

	m.mu.RLock()
	var targets []target
	for _, inst := range m.instances {
		if inst.state == StateRunning && inst.conn != nil {
			targets = append(targets, target{name: inst.cfg.Name, conn: inst.conn})
		}
	}
	m.mu.RUnlock()

	for _, tgt := range targets {
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		err := tgt.conn.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}

		m.logger.Warn("health check failed, treating as crash",
			slog.String("server", tgt.name),
			slog.String("error", err.Error()))
		// Kill the process; watchExit observes the exit and applies the
		// crash-restart policy.
		_ = tgt.conn.Close(time.Second)
	}
}

// Shutdown stops all instances and background loops. Graceful: each
// process gets the stop grace period before being killed.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.stopTo(id, StateStopped, EventStopped)
		}(id)
	}
	wg.Wait()

	m.cancel()
	m.wg.Wait()
}

func cloneConfig(cfg *config.ServerConfig) *config.ServerConfig {
	clone := *cfg
	return &clone
}

func configEqual(a, b *config.ServerConfig) bool {
	ya, erra := yaml.Marshal(a)
	yb, errb := yaml.Marshal(b)
	if erra != nil || errb != nil {
		return false
	}
	return string(ya) == string(yb)
}
