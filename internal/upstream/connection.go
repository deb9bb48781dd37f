// ABOUTME: Represents the live transport to one upstream server and its lifecycle state.
// ABOUTME: Tracks state, last error, reconnect bookkeeping, and the live discovered tool list.

package upstream

import (
	"sync"
	"time"

	"github.com/2389/mcp-gateway/internal/jsonrpc"
)

// State is a connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// Connection is the gateway's record of one upstream transport. A server owns
// at most one Connection at a time; the transport is replaced, never shared,
// across reconnects.
type Connection struct {
	ServerID string

	mu            sync.Mutex
	state         State
	transport     Transport
	lastError     string
	lastConnected *time.Time
	tools         []jsonrpc.ToolInfo

	// gen increments every time a new transport is installed so events from
	// a superseded read loop can be ignored.
	gen uint64

	explicit         bool // explicit disconnect: do not reconnect
	reconnectPending bool
	attempts         int
	reconnectTimer   *time.Timer

	// writeMu serializes writes to the transport: single writer per socket
	// even when many callers forward through it concurrently.
	writeMu sync.Mutex
}

func newConnection(serverID string) *Connection {
	return &Connection{ServerID: serverID, state: StateDisconnected}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info is a point-in-time copy of a connection's observable state.
type Info struct {
	ServerID      string
	State         State
	LastError     string
	LastConnected *time.Time
	ToolCount     int
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		ServerID:  c.ServerID,
		State:     c.state,
		LastError: c.lastError,
		ToolCount: len(c.tools),
	}
	if c.lastConnected != nil {
		t := *c.lastConnected
		info.LastConnected = &t
	}
	return info
}

// SetTools replaces the live tool list from the most recent discovery.
func (c *Connection) SetTools(tools []jsonrpc.ToolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = append(c.tools[:0:0], tools...)
}

// Tools returns a copy of the live tool list.
func (c *Connection) Tools() []jsonrpc.ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(c.tools[:0:0], c.tools...)
}

// HasTool reports whether the most recent discovery advertised the named tool.
func (c *Connection) HasTool(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// stopReconnectLocked cancels any pending reconnect. Caller must hold c.mu.
func (c *Connection) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectPending = false
}
