// ABOUTME: Manages upstream server connections, reconnect scheduling, and the health sweep.
// ABOUTME: Central owner of transports; exposes inbound message and state-change streams.

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/directory"
)

// ErrServerNotRegistered indicates the server is not managed by this gateway.
var ErrServerNotRegistered = errors.New("server not registered")

// ErrServerNotConnected indicates no live connected transport exists. Sends
// are never queued or buffered across reconnects; callers retry at a higher
// level if they need delivery.
var ErrServerNotConnected = errors.New("server not connected")

const (
	inboundBufferSize = 256
	eventBufferSize   = 64
)

// Inbound is one raw frame received from an upstream connection.
type Inbound struct {
	ServerID string
	Data     []byte
}

// StateChange is one connection lifecycle transition.
type StateChange struct {
	ServerID string
	State    State
	Err      string
}

// Manager coordinates all upstream connections. One reader goroutine per
// connection feeds the shared inbound channel; state transitions are emitted
// on the events channel for the router, discovery, and status layers.
type Manager struct {
	dialer Dialer
	cfg    config.UpstreamConfig
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]*directory.UpstreamServer
	conns   map[string]*Connection

	inbound chan Inbound
	events  chan StateChange

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager using the given dialer and timing configuration.
func NewManager(dialer Dialer, cfg config.UpstreamConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger.With("component", "upstream"),
		servers: make(map[string]*directory.UpstreamServer),
		conns:   make(map[string]*Connection),
		inbound: make(chan Inbound, inboundBufferSize),
		events:  make(chan StateChange, eventBufferSize),
	}
}

// Inbound returns the stream of raw frames received from all connections.
func (m *Manager) Inbound() <-chan Inbound { return m.inbound }

// Events returns the stream of connection state transitions.
func (m *Manager) Events() <-chan StateChange { return m.events }

// Register adds or updates a managed server record. Registering an updated
// record does not touch an existing connection; the caller decides whether a
// reconnect is needed.
func (m *Manager) Register(server *directory.UpstreamServer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *server
	m.servers[server.ID] = &copied
	if _, ok := m.conns[server.ID]; !ok {
		m.conns[server.ID] = newConnection(server.ID)
	}
	m.logger.Info("server registered",
		"server_id", server.ID,
		"transport", server.Transport,
		"active", server.Active,
	)
}

// Deregister disconnects and forgets a server.
func (m *Manager) Deregister(serverID string) {
	_ = m.Disconnect(serverID)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, serverID)
	delete(m.conns, serverID)
	m.logger.Info("server deregistered", "server_id", serverID)
}

// Registered returns a copy of the directory record currently registered for
// serverID.
func (m *Manager) Registered(serverID string) (*directory.UpstreamServer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	server, ok := m.servers[serverID]
	if !ok {
		return nil, false
	}
	copied := *server
	return &copied, true
}

// ServerIDs returns the IDs of all managed servers.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	return ids
}

// Connection returns the connection record for a server, if managed.
func (m *Manager) Connection(serverID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[serverID]
	return c, ok
}

// Connected reports whether a live connected transport exists for the server.
func (m *Manager) Connected(serverID string) bool {
	c, ok := m.Connection(serverID)
	return ok && c.State() == StateConnected
}

func (m *Manager) lookup(serverID string) (*directory.UpstreamServer, *Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	server, ok := m.servers[serverID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrServerNotRegistered, serverID)
	}
	return server, m.conns[serverID], nil
}

// Connect establishes a connection to the server, tearing down any live
// transport first. Calling Connect on a server that is already connecting is
// a no-op, which keeps the health sweep idempotent.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	server, c, err := m.lookup(serverID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	// No two live sockets per server: close the old transport before dialing.
	if c.transport != nil {
		old := c.transport
		c.transport = nil
		c.gen++
		c.state = StateClosing
		c.mu.Unlock()
		m.emit(serverID, StateClosing, "")
		_ = old.Close()
		c.mu.Lock()
	}
	c.state = StateConnecting
	c.explicit = false
	c.stopReconnectLocked()
	c.mu.Unlock()
	m.emit(serverID, StateConnecting, "")

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	transport, err := m.dialer.Dial(dialCtx, server)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastError = err.Error()
		c.mu.Unlock()
		m.logger.Warn("connect failed", "server_id", serverID, "error", err)
		m.emit(serverID, StateDisconnected, err.Error())
		m.scheduleReconnect(server, c)
		return fmt.Errorf("connecting to %s: %w", serverID, err)
	}

	now := time.Now()
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.transport = transport
	c.state = StateConnected
	c.lastError = ""
	c.lastConnected = &now
	c.attempts = 0
	c.mu.Unlock()

	m.logger.Info("=== UPSTREAM CONNECTED ===", "server_id", serverID, "address", server.Address)
	m.emit(serverID, StateConnected, "")

	m.wg.Add(1)
	go m.readLoop(serverID, c, transport, gen)
	return nil
}

// Disconnect closes the server's connection without scheduling a reconnect.
func (m *Manager) Disconnect(serverID string) error {
	_, c, err := m.lookup(serverID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.explicit = true
	c.stopReconnectLocked()
	transport := c.transport
	c.transport = nil
	if transport == nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.state = StateClosing
	c.mu.Unlock()

	m.emit(serverID, StateClosing, "")
	_ = transport.Close()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	m.logger.Info("=== UPSTREAM DISCONNECTED ===", "server_id", serverID)
	m.emit(serverID, StateDisconnected, "")
	return nil
}

// Send writes a raw frame to the server's transport. It fails immediately
// with ErrServerNotConnected when no live transport exists.
func (m *Manager) Send(serverID string, data []byte) error {
	_, c, err := m.lookup(serverID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.transport == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotConnected, serverID)
	}
	transport := c.transport
	c.mu.Unlock()

	c.writeMu.Lock()
	writeErr := transport.WriteMessage(data)
	c.writeMu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("sending to %s: %w", serverID, writeErr)
	}
	return nil
}

// readLoop is the single reader for one transport generation. Frames go to
// the shared inbound channel; a read error tears the connection down.
func (m *Manager) readLoop(serverID string, c *Connection, transport Transport, gen uint64) {
	defer m.wg.Done()

	for {
		data, err := transport.ReadMessage()
		if err != nil {
			m.handleReadFailure(serverID, c, gen, err)
			return
		}

		select {
		case m.inbound <- Inbound{ServerID: serverID, Data: data}:
		case <-m.stopChan():
			return
		}
	}
}

// handleReadFailure marks the connection down and schedules a reconnect
// unless the teardown was explicit or the read loop was superseded.
func (m *Manager) handleReadFailure(serverID string, c *Connection, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer transport replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	explicit := c.explicit
	c.transport = nil
	c.state = StateDisconnected
	if !explicit {
		c.lastError = err.Error()
	}
	c.mu.Unlock()

	if explicit {
		return
	}

	m.logger.Warn("connection lost", "server_id", serverID, "error", err)
	m.emit(serverID, StateDisconnected, err.Error())

	server, _, lookupErr := m.lookup(serverID)
	if lookupErr != nil {
		return
	}
	m.scheduleReconnect(server, c)
}

// scheduleReconnect arms exactly one bounded-backoff reconnect attempt for an
// active server.
func (m *Manager) scheduleReconnect(server *directory.UpstreamServer, c *Connection) {
	if !server.Active {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnectPending || c.explicit {
		return
	}
	c.attempts++
	delay := m.backoff(c.attempts)
	c.reconnectPending = true

	serverID := server.ID
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectPending = false
		c.reconnectTimer = nil
		c.mu.Unlock()

		select {
		case <-m.stopChan():
			return
		default:
		}
		if err := m.Connect(context.Background(), serverID); err != nil {
			m.logger.Debug("reconnect attempt failed", "server_id", serverID, "error", err)
		}
	})

	m.logger.Info("reconnect scheduled", "server_id", serverID, "delay", delay, "attempt", c.attempts)
}

// backoff returns the reconnect delay for the given attempt count, doubling
// from the minimum up to the configured ceiling.
func (m *Manager) backoff(attempts int) time.Duration {
	delay := m.cfg.ReconnectMinBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.cfg.ReconnectMaxBackoff {
			return m.cfg.ReconnectMaxBackoff
		}
	}
	if delay > m.cfg.ReconnectMaxBackoff {
		return m.cfg.ReconnectMaxBackoff
	}
	return delay
}

// Start launches the periodic health sweep. The sweep is the self-healing
// mechanism: it reconnects active servers that fell out of the normal
// reconnect path and forces a reconnect for broken-but-marked-connected ones.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-ctx.Done():
				return
			case <-m.stopChan():
				return
			}
		}
	}()
}

// Sweep walks all registered servers once. Exported so tests and the
// directory refresh path can run it on demand.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.RLock()
	targets := make([]*directory.UpstreamServer, 0, len(m.servers))
	for _, server := range m.servers {
		copied := *server
		targets = append(targets, &copied)
	}
	m.mu.RUnlock()

	for _, server := range targets {
		c, ok := m.Connection(server.ID)
		if !ok {
			continue
		}

		if !server.Active {
			if c.State() == StateConnected {
				_ = m.Disconnect(server.ID)
			}
			continue
		}

		c.mu.Lock()
		state := c.state
		broken := state == StateConnected && (c.transport == nil || !c.transport.Alive())
		pending := c.reconnectPending
		c.mu.Unlock()

		switch {
		case broken:
			m.logger.Warn("sweep found broken transport, reconnecting", "server_id", server.ID)
			m.connectAsync(ctx, server.ID)
		case state == StateDisconnected && !pending:
			m.connectAsync(ctx, server.ID)
		}
	}
}

func (m *Manager) connectAsync(ctx context.Context, serverID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Connect(ctx, serverID); err != nil {
			m.logger.Debug("sweep connect failed", "server_id", serverID, "error", err)
		}
	}()
}

// emit publishes a state change without blocking. The events buffer is ample
// for the consumer loop; transitions are dropped with a warning if it backs up.
func (m *Manager) emit(serverID string, state State, errText string) {
	select {
	case <-m.stopChan():
		return
	default:
	}
	select {
	case m.events <- StateChange{ServerID: serverID, State: state, Err: errText}:
	default:
		m.logger.Warn("dropped state change, events channel full",
			"server_id", serverID,
			"state", state,
		)
	}
}

// stopChan lazily exposes the stop channel so a zero Manager never blocks.
func (m *Manager) stopChan() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		m.stop = make(chan struct{})
	}
	return m.stop
}

// Close tears down all connections and stops background work. The inbound
// and events channels are closed once every reader has exited.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopChan())

		m.mu.RLock()
		conns := make([]*Connection, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.RUnlock()

		for _, c := range conns {
			c.mu.Lock()
			c.explicit = true
			c.stopReconnectLocked()
			transport := c.transport
			c.transport = nil
			c.state = StateDisconnected
			c.mu.Unlock()
			if transport != nil {
				_ = transport.Close()
			}
		}

		m.wg.Wait()
		close(m.inbound)
		close(m.events)
		m.logger.Info("upstream manager closed")
	})
}
