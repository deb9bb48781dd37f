// ABOUTME: Internal WebSocket endpoint combining the status stream with request forwarding.
// ABOUTME: Subscribers receive status pushes; requests sent on the socket stream chunks back.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/mcp-gateway/internal/breaker"
	"github.com/2389/mcp-gateway/internal/jsonrpc"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/status"
	"github.com/2389/mcp-gateway/internal/upstream"
)

const (
	wsWriteTimeout = 10 * time.Second
	// wsOutboundBufferSize bounds the per-client outbound queue. A client
	// that stops reading gets disconnected rather than blocking the gateway.
	wsOutboundBufferSize = 128
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Internal consumers only; callers are already inside the trust boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientFrame is a message from a connected client.
type wsClientFrame struct {
	Type     string           `json:"type"` // "request"
	ServerID string           `json:"server_id"`
	Request  *jsonrpc.Request `json:"request"`
}

// wsServerFrame is a message pushed to a connected client.
type wsServerFrame struct {
	Type      string            `json:"type"` // "status", "response", "chunk", "broadcast", "error"
	ServerID  string            `json:"server_id,omitempty"`
	Event     *status.Event     `json:"event,omitempty"`
	Response  *jsonrpc.Response `json:"response,omitempty"`
	RequestID json.RawMessage   `json:"request_id,omitempty"`
	Chunk     json.RawMessage   `json:"chunk,omitempty"`
	Method    string            `json:"method,omitempty"`
	Params    json.RawMessage   `json:"params,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// handleWebSocket upgrades to a WebSocket carrying the status stream and a
// request channel on one socket. The first frame a client receives is the
// full status snapshot.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClient{
		gateway:  g,
		conn:     conn,
		outbound: make(chan wsServerFrame, wsOutboundBufferSize),
	}

	statusCh, subID := g.broadcaster.Subscribe(ctx)
	defer g.broadcaster.Unsubscribe(subID)

	broadcasts, cancelSub := g.router.Subscribe()
	defer cancelSub()

	go client.writePump(ctx, cancel)
	go client.relay(ctx, statusCh, broadcasts)

	client.readPump(ctx)
}

// wsClient is one connected internal subscriber. All writes to the socket go
// through the outbound channel; writePump is the single writer.
type wsClient struct {
	gateway  *Gateway
	conn     *websocket.Conn
	outbound chan wsServerFrame
}

// send queues a frame, dropping it if the client is too far behind.
func (c *wsClient) send(frame wsServerFrame) {
	select {
	case c.outbound <- frame:
	default:
		c.gateway.logger.Warn("dropping frame for slow websocket client", "type", frame.Type)
	}
}

// writePump is the only goroutine writing to the socket.
func (c *wsClient) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case frame := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// relay feeds status events and unsolicited upstream broadcasts into the
// outbound queue.
func (c *wsClient) relay(ctx context.Context, statusCh <-chan *status.Event, broadcasts <-chan proxy.Broadcast) {
	for {
		select {
		case ev, ok := <-statusCh:
			if !ok {
				return
			}
			c.send(wsServerFrame{Type: "status", Event: ev})
		case b := <-broadcasts:
			c.send(wsServerFrame{
				Type:     "broadcast",
				ServerID: b.ServerID,
				Method:   b.Method,
				Params:   b.Params,
			})
		case <-ctx.Done():
			return
		}
	}
}

// readPump consumes client frames until the socket drops. Each request is
// forwarded on its own goroutine so one slow upstream never stalls the
// socket's other traffic.
func (c *wsClient) readPump(ctx context.Context) {
	for {
		var frame wsClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch {
		case frame.Type != "request":
			c.send(wsServerFrame{Type: "error", Error: "unknown frame type " + frame.Type})
		case frame.ServerID == "" || frame.Request == nil:
			c.send(wsServerFrame{Type: "error", Error: "request frames need server_id and request"})
		default:
			go c.forward(ctx, frame.ServerID, frame.Request)
		}
	}
}

// forward proxies one request from the socket, streaming chunks back as they
// arrive and finishing with the response frame.
func (c *wsClient) forward(ctx context.Context, serverID string, req *jsonrpc.Request) {
	onChunk := func(chunk json.RawMessage) {
		c.send(wsServerFrame{
			Type:      "chunk",
			ServerID:  serverID,
			RequestID: req.ID,
			Chunk:     chunk,
		})
	}

	resp, err := c.gateway.router.Forward(ctx, serverID, req, proxy.WithChunkHandler(onChunk))
	c.gateway.broadcaster.NoteRequest()
	if err != nil {
		// Gateway refusals become synthesized JSON-RPC errors so socket
		// clients handle one response shape.
		code := jsonrpc.CodeInternalError
		switch {
		case errors.Is(err, upstream.ErrServerNotConnected), errors.Is(err, upstream.ErrServerNotRegistered):
			code = jsonrpc.CodeServerNotConnected
		case errors.Is(err, breaker.ErrOpen):
			code = jsonrpc.CodeCircuitOpen
		}
		c.send(wsServerFrame{
			Type:     "response",
			ServerID: serverID,
			Response: jsonrpc.ErrorResponse(req.ID, code, err.Error()),
		})
		return
	}
	if resp == nil {
		// Notification: nothing to relay.
		return
	}
	c.send(wsServerFrame{Type: "response", ServerID: serverID, Response: resp})
}
