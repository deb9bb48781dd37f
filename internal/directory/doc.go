// Package directory provides persistent storage for the gateway's server
// directory, tool catalog, and audit log using SQLite.
//
// # Data Models
//
//   - UpstreamServer: an externally-hosted MCP server the gateway manages.
//     Identity, address, and credential reference are directory-owned;
//     status, last error, and last connected time are derived fields the
//     gateway writes back as connections change.
//   - Tool: one cataloged tool, unique per (server, name). The catalog is
//     additive: tools that stop being advertised keep their rows, with
//     last_seen_at marking when discovery last reported them.
//   - AuditEntry: append-only record of connection transitions, discovery
//     outcomes, metric resets, and directory refreshes.
//
// # Implementations
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL mode,
// schema applied on open). MockStore is a map-backed implementation for
// tests. Both satisfy the Store interface.
package directory
