// Package proxy routes JSON-RPC requests to upstream connections and
// correlates asynchronous responses back to their callers.
//
// Forward registers a pending request keyed by (server, request ID), gates
// the send on the server's circuit breaker, and blocks the caller until the
// matching response frame arrives, the deadline passes, or the connection
// drops. Gateway-synthesized outcomes (timeout, connection closed) come back
// as well-formed JSON-RPC error responses in the -32000 range so callers can
// relay them unchanged.
//
// Run is the single demultiplexing point for all inbound frames: responses
// resolve their pending slot exactly once, mcp.chunk notifications stream to
// the awaiting request's handler without consuming the slot, and anything
// unmatched fans out to broadcast subscribers.
package proxy
