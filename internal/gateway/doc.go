// Package gateway wires the mcp-gateway components together and exposes the
// HTTP surface.
//
// The Gateway owns the directory store, the upstream connection manager, the
// request router, discovery, metrics, and the status broadcaster. Its event
// loop consumes connection state transitions and drives everything
// downstream: failing in-flight requests on teardown, triggering discovery
// on connect, persisting derived status to the directory, appending audit
// entries, and pushing status events to subscribers.
//
// The HTTP server exposes the JSON-RPC proxy endpoint, directory and tool
// routes, connection lifecycle operations, and /ws — a WebSocket carrying
// the status stream and forwarded requests (with streamed chunks) on one
// socket.
package gateway
