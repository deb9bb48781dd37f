// Package upstream manages the gateway's connections to MCP tool servers.
//
// The Manager owns one Connection per directory server. Each live connection
// has exactly one reader goroutine feeding a shared inbound channel, and all
// writes are serialized through a per-connection mutex. Connection state
// transitions are published on an events channel consumed by the gateway
// orchestrator.
//
// Transports are created through the Dialer interface. NetDialer speaks
// WebSocket, with a per-request HTTP POST transport for servers configured
// transport=http; FakeDialer is an in-memory backend for tests and local
// development. Because the HTTP fallback implements the same Transport
// interface, every transport flows through the same read loop and the same
// response correlation path.
//
// Reconnects use bounded doubling backoff and are scheduled only for
// unexpected closes of active servers; an explicit Disconnect never
// reconnects. The periodic Sweep is the self-healing net for anything the
// normal reconnect path missed.
package upstream
