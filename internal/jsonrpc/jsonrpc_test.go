// ABOUTME: Tests for JSON-RPC 2.0 decoding and message classification.
// ABOUTME: Covers responses, notifications, chunk params, and malformed frames.

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Response(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"result":{"ok":true}}`))
	require.NoError(t, err)

	assert.True(t, msg.IsResponse())
	assert.False(t, msg.IsNotification())
	assert.Equal(t, "42", IDKey(msg.ID))
}

func TestDecode_ErrorResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":"r1","error":{"code":-32601,"message":"no such method"}}`))
	require.NoError(t, err)

	assert.True(t, msg.IsResponse())
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeMethodNotFound, msg.Error.Code)
}

func TestDecode_ChunkNotification(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","method":"mcp.chunk","params":{"request_id":"r1","chunk":"partial"}}`))
	require.NoError(t, err)

	assert.True(t, msg.IsNotification())
	assert.False(t, msg.IsResponse())

	var params ChunkParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, `"r1"`, IDKey(params.RequestID))
}

func TestDecode_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"result":{}}`},
		{"no method no id", `{"jsonrpc":"2.0","params":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestIDKey_DistinguishesNumberFromString(t *testing.T) {
	assert.NotEqual(t, IDKey(json.RawMessage(`42`)), IDKey(json.RawMessage(`"42"`)))
}

func TestNewRequest_MarshalsParams(t *testing.T) {
	req, err := NewRequest(json.RawMessage(`"r9"`), MethodRunTool, RunToolParams{ToolName: "echo"})
	require.NoError(t, err)

	assert.Equal(t, Version, req.JSONRPC)
	assert.JSONEq(t, `{"tool_name":"echo"}`, string(req.Params))
}

func TestErrorResponse_UsesGatewayCode(t *testing.T) {
	resp := ErrorResponse(json.RawMessage(`7`), CodeCircuitOpen, "circuit open")

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"error":{"code":-32001,"message":"circuit open"}}`, string(data))
}
