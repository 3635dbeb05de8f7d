// Package connection implements the Connection Manager (component F): the
// connectivity state machine, readiness waiting, background health
// probing, and reconnection with exponential backoff + jitter.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpostlabs/rpcresilience/internal/classify"
	"github.com/outpostlabs/rpcresilience/transport"
)

// State mirrors spec §3's connection-state enum.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Config holds the Connection Manager's tunables, sourced from the
// client's overall configuration (spec §3 "Client configuration").
type Config struct {
	ConnectTimeout        time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	// MaxReconnectAttempts bounds reconnection attempts. Zero means
	// unbounded, matching the spec's documented default.
	MaxReconnectAttempts int

	// MonitorReadyInterval and MonitorIdleInterval tune the health-probe
	// cadence (spec §4.F "Monitor loop"). Zero falls back to the spec's
	// documented 5s/1s cadence.
	MonitorReadyInterval time.Duration
	MonitorIdleInterval  time.Duration
	MonitorFirstDelay    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MonitorReadyInterval == 0 {
		c.MonitorReadyInterval = 5 * time.Second
	}
	if c.MonitorIdleInterval == 0 {
		c.MonitorIdleInterval = 1 * time.Second
	}
	if c.MonitorFirstDelay == 0 {
		c.MonitorFirstDelay = 5 * time.Second
	}
}

// Listener receives connection lifecycle events. Every field may be nil;
// nil fields are simply not invoked. Handlers must not block.
type Listener struct {
	OnConnecting   func()
	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
}

func (l Listener) connecting() {
	if l.OnConnecting != nil {
		l.OnConnecting()
	}
}
func (l Listener) connected() {
	if l.OnConnected != nil {
		l.OnConnected()
	}
}
func (l Listener) disconnected() {
	if l.OnDisconnected != nil {
		l.OnDisconnected()
	}
}
func (l Listener) error(err error) {
	if l.OnError != nil {
		l.OnError(err)
	}
}

// Manager is the Connection Manager. Construct with New.
type Manager struct {
	tr     transport.Transport
	desc   transport.Descriptor
	cfg    Config
	logger *slog.Logger
	listen Listener

	mu                sync.Mutex
	state             State
	handle            transport.Handle
	reconnectAttempts int
	lastConnectedAt   time.Time
	lastErrorAt       time.Time
	lastError         error
	isShuttingDown    bool

	pending      chan struct{} // non-nil while a connect attempt is in flight
	reconnectTmr *time.Timer
	monitorStop  chan struct{} // closed to stop the running monitor loop
}

// New constructs a Manager in the DISCONNECTED state. No connection attempt
// is made until EnsureConnected is called.
func New(tr transport.Transport, desc transport.Descriptor, cfg Config, logger *slog.Logger, listener Listener) *Manager {
	cfg.applyDefaults()
	return &Manager{
		tr:     tr,
		desc:   desc,
		cfg:    cfg,
		logger: logger.With("component", "connection"),
		listen: listener,
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the manager currently holds a live handle in
// the CONNECTED state (I1).
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.handle != nil
}

// Handle returns the current transport handle, if any.
func (m *Manager) Handle() (transport.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil, false
	}
	return m.handle, true
}

// ReconnectAttempts, LastConnectedAt, LastErrorAt, LastError report the
// health-report fields spec §3 requires.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}
func (m *Manager) LastConnectedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConnectedAt
}
func (m *Manager) LastErrorAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErrorAt
}
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// EnsureConnected is idempotent and concurrent-safe (I2): concurrent
// callers against an uninitialized manager share a single in-flight
// connect attempt (P5).
func (m *Manager) EnsureConnected(ctx context.Context) bool {
	m.mu.Lock()
	if m.state == StateConnected && m.handle != nil {
		m.mu.Unlock()
		return true
	}
	if m.pending != nil {
		pending := m.pending
		m.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return false
		}
		return m.IsConnected()
	}

	pending := make(chan struct{})
	m.pending = pending
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.pending == pending {
			m.pending = nil
		}
		m.mu.Unlock()
		close(pending)
	}()

	_ = m.connect(ctx)
	return m.IsConnected()
}

// connect performs one connection attempt per spec §4.F "connect()".
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.isShuttingDown {
		m.mu.Unlock()
		return errors.New("connection: shutting down")
	}
	if m.reconnectAttempts > 0 {
		m.state = StateReconnecting
	} else {
		m.state = StateConnecting
	}
	m.mu.Unlock()
	m.listen.connecting()

	handle, err := m.tr.Factory(ctx, m.desc)
	if err == nil {
		err = m.tr.WaitForReady(ctx, handle, time.Now().Add(m.cfg.ConnectTimeout))
	}

	if err != nil {
		now := time.Now()
		m.mu.Lock()
		m.lastErrorAt = now
		m.lastError = err
		m.state = StateDisconnected
		m.mu.Unlock()
		m.listen.error(err)
		m.scheduleReconnect()
		return err
	}

	connID := uuid.NewString()

	m.mu.Lock()
	if m.isShuttingDown {
		m.mu.Unlock()
		_ = m.tr.Close(handle)
		return errors.New("connection: shutting down")
	}
	m.handle = handle
	m.state = StateConnected
	m.lastConnectedAt = time.Now()
	m.reconnectAttempts = 0
	m.lastError = nil
	stopCh := make(chan struct{})
	m.monitorStop = stopCh
	m.mu.Unlock()

	// connID has no behavioral meaning; it lets log lines from a single
	// connection generation be correlated across the monitor loop and any
	// subsequent handleConnectionLost, the way the teacher tags each
	// gRPC session with a fresh uuid.
	m.logger.Info("connection established", "connection_id", connID)
	m.listen.connected()
	go m.monitorLoop(stopCh)
	return nil
}

// monitorLoop polls channel state at the cadence documented in spec §4.F.
func (m *Manager) monitorLoop(stop chan struct{}) {
	timer := time.NewTimer(m.cfg.MonitorFirstDelay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		m.mu.Lock()
		shuttingDown := m.isShuttingDown
		handle := m.handle
		m.mu.Unlock()
		if shuttingDown || handle == nil {
			return
		}

		switch m.tr.ChannelState(handle) {
		case transport.StateReady:
			timer.Reset(m.cfg.MonitorReadyInterval)
		case transport.StateTransientFailure, transport.StateShutdown:
			m.HandleConnectionLost()
			return
		default:
			timer.Reset(m.cfg.MonitorIdleInterval)
		}
	}
}

// HandleConnectionLost is a no-op unless currently CONNECTED. Otherwise it
// drops the handle and schedules a reconnect (spec §4.F).
func (m *Manager) HandleConnectionLost() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	handle := m.handle
	m.handle = nil
	m.state = StateDisconnected
	if m.monitorStop != nil {
		close(m.monitorStop)
		m.monitorStop = nil
	}
	m.mu.Unlock()

	m.listen.disconnected()
	if handle != nil {
		_ = m.tr.Close(handle) // best-effort; close errors are swallowed
	}
	m.scheduleReconnect()
}

// scheduleReconnect arms a one-shot reconnect timer per spec §4.F, unless
// shutting down, a timer is already armed (I3), or maxReconnectAttempts has
// been exhausted — in which case the manager goes quiescent until an
// external EnsureConnected call revives it (§9, preserved intentionally).
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isShuttingDown || m.reconnectTmr != nil {
		return
	}
	if m.cfg.MaxReconnectAttempts > 0 && m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Warn("max reconnect attempts reached, giving up until ensureConnected is called explicitly",
			"attempts", m.reconnectAttempts)
		return
	}

	delay := classify.ReconnectDelay(m.cfg.InitialReconnectDelay, m.cfg.MaxReconnectDelay, m.reconnectAttempts)
	m.reconnectAttempts++

	m.reconnectTmr = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTmr = nil
		shuttingDown := m.isShuttingDown
		m.mu.Unlock()
		if shuttingDown {
			return
		}
		// Route through EnsureConnected rather than calling connect directly:
		// it registers the same pending-cell gate a concurrent external
		// EnsureConnected call waits on, so a caller racing against an
		// in-flight reconnect never starts a second, concurrent connect (I2).
		m.EnsureConnected(context.Background())
	})
}

// Close shuts the manager down permanently (I6): no further state
// transition to CONNECTING/RECONNECTING/CONNECTED is possible afterward.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.isShuttingDown {
		m.mu.Unlock()
		return
	}
	m.isShuttingDown = true
	if m.reconnectTmr != nil {
		m.reconnectTmr.Stop()
		m.reconnectTmr = nil
	}
	if m.monitorStop != nil {
		close(m.monitorStop)
		m.monitorStop = nil
	}
	handle := m.handle
	m.handle = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if handle != nil {
		if err := m.tr.Close(handle); err != nil {
			m.logger.Warn("error closing transport handle during shutdown", "error", err)
		}
	}
	m.listen.disconnected()
}
