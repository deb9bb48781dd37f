// ABOUTME: In-memory fake upstream backend for tests and local development.
// ABOUTME: Selected via upstream.backend=fake; answers discover, ping, and run_tool.

package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/2389/mcp-gateway/internal/directory"
	"github.com/2389/mcp-gateway/internal/jsonrpc"
)

// FakeDialer hands out in-memory transports that behave like a small MCP
// server. It replaces the environment-sniffing "development mode" branch the
// source carried: the fake lives behind the same Dialer seam as the real
// transports and is chosen purely by configuration.
type FakeDialer struct {
	mu    sync.Mutex
	tools map[string][]jsonrpc.ToolInfo // serverID -> advertised tools
	fail  map[string]bool               // serverID -> refuse dials
	open  map[string]*FakeTransport     // serverID -> most recent transport
	dials map[string]int                // serverID -> dial attempts
}

// NewFakeDialer creates a fake backend with no servers configured.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		tools: make(map[string][]jsonrpc.ToolInfo),
		fail:  make(map[string]bool),
		open:  make(map[string]*FakeTransport),
		dials: make(map[string]int),
	}
}

// DialCount returns how many times Dial was attempted for serverID.
func (d *FakeDialer) DialCount(serverID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[serverID]
}

// SetTools configures the tools a fake server advertises on discovery.
func (d *FakeDialer) SetTools(serverID string, tools []jsonrpc.ToolInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[serverID] = tools
}

// SetDialFailure makes subsequent dials for serverID fail.
func (d *FakeDialer) SetDialFailure(serverID string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[serverID] = fail
}

// Transport returns the most recently dialed transport for serverID.
func (d *FakeDialer) Transport(serverID string) *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[serverID]
}

// Dial opens a new fake transport.
func (d *FakeDialer) Dial(ctx context.Context, server *directory.UpstreamServer) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials[server.ID]++
	if d.fail[server.ID] {
		return nil, &dialRefused{serverID: server.ID}
	}

	t := NewFakeTransport(d.tools[server.ID])
	d.open[server.ID] = t
	return t, nil
}

type dialRefused struct{ serverID string }

func (e *dialRefused) Error() string { return "dial refused for " + e.serverID }

// FakeTransport is a scriptable in-memory Transport. By default it answers
// mcp.discover with its configured tools, mcp.ping with a pong, and
// mcp.run_tool by echoing the arguments back.
type FakeTransport struct {
	tools   []jsonrpc.ToolInfo
	inbound chan []byte
	done    chan struct{}
	closed  atomic.Bool

	mu     sync.Mutex
	sent   [][]byte
	silent bool // swallow requests instead of answering (forces timeouts)
	stall  bool // block writes until the transport closes (wedged socket)
}

// NewFakeTransport creates a fake transport advertising the given tools.
func NewFakeTransport(tools []jsonrpc.ToolInfo) *FakeTransport {
	return &FakeTransport{
		tools:   tools,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// SetSilent stops the transport from answering requests.
func (t *FakeTransport) SetSilent(silent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silent = silent
}

// StallWrites makes WriteMessage block until the transport closes, like a
// socket whose peer stopped draining.
func (t *FakeTransport) StallWrites(stall bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stall = stall
}

// Sent returns copies of every frame written to the transport.
func (t *FakeTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// Inject delivers a raw frame to the reader as if the upstream sent it.
func (t *FakeTransport) Inject(data []byte) {
	select {
	case t.inbound <- data:
	case <-t.done:
	}
}

// WriteMessage records the frame and synthesizes a reply for known methods.
func (t *FakeTransport) WriteMessage(data []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.mu.Lock()
	if t.stall {
		t.mu.Unlock()
		<-t.done
		return ErrTransportClosed
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	silent := t.silent
	t.mu.Unlock()

	if silent {
		return nil
	}

	if reply := t.replyFor(data); reply != nil {
		t.Inject(reply)
	}
	return nil
}

func (t *FakeTransport) replyFor(data []byte) []byte {
	var req jsonrpc.Request
	if err := json.Unmarshal(data, &req); err != nil || len(req.ID) == 0 {
		return nil
	}

	var result any
	switch req.Method {
	case jsonrpc.MethodDiscover:
		tools := t.tools
		if tools == nil {
			tools = []jsonrpc.ToolInfo{}
		}
		result = jsonrpc.DiscoverResult{Tools: tools}
	case jsonrpc.MethodPing:
		result = map[string]string{"pong": "ok"}
	case jsonrpc.MethodRunTool:
		var params jsonrpc.RunToolParams
		_ = json.Unmarshal(req.Params, &params)
		result = map[string]any{"tool": params.ToolName, "ok": true}
	default:
		reply, _ := json.Marshal(jsonrpc.ErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "unknown method "+req.Method))
		return reply
	}

	raw, _ := json.Marshal(result)
	reply, _ := json.Marshal(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: raw})
	return reply
}

// ReadMessage blocks until a frame is available or the transport closes.
func (t *FakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Alive reports whether the transport is still open.
func (t *FakeTransport) Alive() bool {
	return !t.closed.Load()
}

// Close terminates the transport; the reader unblocks with ErrTransportClosed.
func (t *FakeTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.done)
	}
	return nil
}
