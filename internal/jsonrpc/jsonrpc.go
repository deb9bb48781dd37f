// ABOUTME: JSON-RPC 2.0 message types and MCP method names for the upstream wire protocol.
// ABOUTME: Provides encode/decode helpers and the gateway-originated error code range.

package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version carried in every message.
const Version = "2.0"

// MCP method names used by the gateway.
const (
	MethodDiscover = "mcp.discover"
	MethodPing     = "mcp.ping"
	MethodRunTool  = "mcp.run_tool"
	MethodChunk    = "mcp.chunk"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway-originated error codes (-32000 range, server-defined per JSON-RPC 2.0).
const (
	CodeServerNotConnected = -32000
	CodeCircuitOpen        = -32001
	CodeRequestTimeout     = -32002
	CodeConnectionClosed   = -32003
)

// Request represents a JSON-RPC 2.0 request or notification.
// A nil ID marks a notification: no response is expected.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so upstream application errors can be
// passed through Go error returns unmodified.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is the decoded form of an arbitrary inbound frame. It carries both
// request-shaped and response-shaped fields; exactly which are set depends on
// what the upstream sent.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to a request: it carries
// an ID and either a result or an error, and no method name.
func (m *Message) IsResponse() bool {
	return len(m.ID) > 0 && m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

// IsNotification reports whether the message is a method call with no ID.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// ChunkParams is the params shape of a mcp.chunk streaming notification.
type ChunkParams struct {
	RequestID json.RawMessage `json:"request_id"`
	Chunk     json.RawMessage `json:"chunk"`
}

// DiscoverResult is the result shape of a mcp.discover response.
type DiscoverResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ToolInfo is one tool entry in a discovery result.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// RunToolParams is the params shape of a mcp.run_tool request.
type RunToolParams struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// NewRequest builds a request with the given ID, method and params.
// Params are marshaled; a nil params value is omitted from the wire form.
func NewRequest(id json.RawMessage, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// ID values are raw JSON (JSON-RPC 2.0 allows numbers or strings). IDKey returns a
// canonical map key for a raw ID so `42` and `"42"` remain distinct.
func IDKey(id json.RawMessage) string {
	return string(id)
}

// Decode parses a raw inbound frame into a Message. It rejects frames that
// do not declare the 2.0 version or that carry neither a method nor an ID.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	if msg.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Method == "" && len(msg.ID) == 0 {
		return nil, fmt.Errorf("message has neither method nor id")
	}
	return &msg, nil
}

// ErrorResponse builds a gateway-originated error response for the given ID.
func ErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}
