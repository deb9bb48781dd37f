// ABOUTME: Tests for the internal WebSocket endpoint: snapshot, forwarding, and chunks.
// ABOUTME: Dials the gateway over a real socket using the gorilla client.

package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/jsonrpc"
)

func dialWS(t *testing.T, tg *testGateway) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrame reads frames until one of the wanted type arrives.
func readFrame(t *testing.T, conn *websocket.Conn, wantType string) wsServerFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var frame wsServerFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == wantType {
			return frame
		}
	}
}

func TestWS_SnapshotFirst(t *testing.T) {
	tg := newTestGateway(t)
	tg.addServer(t, "s1", []jsonrpc.ToolInfo{{Name: "echo"}}, true)

	conn := dialWS(t, tg)

	frame := readFrame(t, conn, "status")
	require.NotNil(t, frame.Event)
	assert.Equal(t, "snapshot", string(frame.Event.Type))
	require.Len(t, frame.Event.Servers, 1)
	assert.Equal(t, "s1", frame.Event.Servers[0].ServerID)
	assert.Equal(t, "connected", frame.Event.Servers[0].State)
}

func TestWS_ForwardRequest(t *testing.T) {
	tg := newTestGateway(t)
	tg.addServer(t, "s1", []jsonrpc.ToolInfo{{Name: "echo"}}, true)

	conn := dialWS(t, tg)
	readFrame(t, conn, "status") // consume the snapshot

	req, err := jsonrpc.NewRequest([]byte(`"ws-1"`), jsonrpc.MethodRunTool,
		jsonrpc.RunToolParams{ToolName: "echo"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsClientFrame{Type: "request", ServerID: "s1", Request: req}))

	frame := readFrame(t, conn, "response")
	require.NotNil(t, frame.Response)
	assert.Equal(t, `"ws-1"`, string(frame.Response.ID))
	assert.JSONEq(t, `{"tool":"echo","ok":true}`, string(frame.Response.Result))
}

func TestWS_ForwardToDisconnectedServer(t *testing.T) {
	tg := newTestGateway(t)
	tg.addServer(t, "s1", nil, false)

	conn := dialWS(t, tg)
	readFrame(t, conn, "status")

	req, err := jsonrpc.NewRequest([]byte("1"), jsonrpc.MethodPing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsClientFrame{Type: "request", ServerID: "s1", Request: req}))

	frame := readFrame(t, conn, "response")
	require.NotNil(t, frame.Response.Error)
	assert.Equal(t, jsonrpc.CodeServerNotConnected, frame.Response.Error.Code)
}

func TestWS_ChunksStreamedToRequester(t *testing.T) {
	tg := newTestGateway(t)
	tg.addServer(t, "s1", nil, true)
	transport := tg.dialer.Transport("s1")
	transport.SetSilent(true)

	conn := dialWS(t, tg)
	readFrame(t, conn, "status")

	req, err := jsonrpc.NewRequest([]byte("21"), jsonrpc.MethodRunTool,
		jsonrpc.RunToolParams{ToolName: "gen"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsClientFrame{Type: "request", ServerID: "s1", Request: req}))

	require.Eventually(t, func() bool {
		return tg.gw.router.PendingCount("s1") == 1
	}, time.Second, 5*time.Millisecond)

	transport.Inject([]byte(`{"jsonrpc":"2.0","method":"mcp.chunk","params":{"request_id":21,"chunk":"hello"}}`))
	transport.Inject([]byte(`{"jsonrpc":"2.0","id":21,"result":{"done":true}}`))

	chunk := readFrame(t, conn, "chunk")
	assert.Equal(t, "21", string(chunk.RequestID))
	assert.Equal(t, `"hello"`, string(chunk.Chunk))

	resp := readFrame(t, conn, "response")
	assert.JSONEq(t, `{"done":true}`, string(resp.Response.Result))
}

func TestWS_StatusPushOnStateChange(t *testing.T) {
	tg := newTestGateway(t)
	tg.addServer(t, "s1", nil, true)

	conn := dialWS(t, tg)
	readFrame(t, conn, "status") // snapshot

	require.NoError(t, tg.gw.manager.Disconnect("s1"))

	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var frame wsServerFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type != "status" || frame.Event == nil || frame.Event.Server == nil {
			continue
		}
		if frame.Event.Server.ServerID == "s1" && frame.Event.Server.State == "disconnected" {
			return
		}
	}
}

func TestWS_UnknownFrameType(t *testing.T) {
	tg := newTestGateway(t)
	conn := dialWS(t, tg)
	readFrame(t, conn, "status")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	frame := readFrame(t, conn, "error")
	assert.Contains(t, frame.Error, "bogus")
}
