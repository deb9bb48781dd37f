// ABOUTME: Store interface and data types for the server directory and tool catalog.
// ABOUTME: Defines UpstreamServer, Tool, AuditEntry and the Store interface the gateway consumes.

package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateServer is returned when creating a server whose ID already exists.
var ErrDuplicateServer = errors.New("server already exists")

// Transport names for upstream servers.
const (
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
	TransportFake      = "fake" // injectable in-memory backend for tests and local development
)

// Connection status values persisted back to the directory.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusClosing      = "closing"
)

// UpstreamServer is one externally-hosted MCP tool server. Identity fields
// are owned by the external directory; the derived fields (Status, LastError,
// LastConnected) are written back by the gateway.
type UpstreamServer struct {
	ID              string
	Name            string
	Address         string
	Transport       string // websocket, http, or fake
	CredentialRef   string // reference into the external secret store, never the secret itself
	ProtocolVersion string
	Active          bool

	Status        string
	LastError     string
	LastConnected *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tool is one discovered tool definition. (ServerID, Name) is unique; the
// catalog is the durable store while each live connection holds the most
// recent discovery result in memory.
type Tool struct {
	ServerID    string
	Name        string
	Description string
	Schema      json.RawMessage

	FirstSeenAt time.Time
	LastSeenAt  time.Time
	UpdatedAt   time.Time
}

// AuditAction identifies an auditable gateway event.
type AuditAction string

const (
	AuditConnected        AuditAction = "connected"
	AuditDisconnected     AuditAction = "disconnected"
	AuditConnectFailed    AuditAction = "connect_failed"
	AuditDiscoverySynced  AuditAction = "discovery_synced"
	AuditDiscoveryFailed  AuditAction = "discovery_failed"
	AuditMetricsReset     AuditAction = "metrics_reset"
	AuditDirectoryRefresh AuditAction = "directory_refresh"
)

// AuditEntry records one gateway event against a server for operators.
type AuditEntry struct {
	ID        string
	ServerID  string
	Action    AuditAction
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows ListAudit results.
type AuditFilter struct {
	ServerID string
	Action   AuditAction
	Since    *time.Time
	Limit    int // default 100, capped at 1000
}

// Store is the persistence interface for the server directory, tool catalog,
// and audit sink.
type Store interface {
	// Server directory
	CreateServer(ctx context.Context, server *UpstreamServer) error
	UpdateServer(ctx context.Context, server *UpstreamServer) error
	DeleteServer(ctx context.Context, id string) error
	GetServer(ctx context.Context, id string) (*UpstreamServer, error)
	ListServers(ctx context.Context) ([]*UpstreamServer, error)

	// Derived-field writeback (the only directory mutation the gateway performs)
	UpdateServerStatus(ctx context.Context, id, status, lastError string, lastConnected *time.Time) error

	// Tool catalog
	UpsertTool(ctx context.Context, tool *Tool) error
	ListTools(ctx context.Context, serverID string) ([]*Tool, error)

	// Audit sink
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	Close() error
}

// normalizeAuditLimit applies default (100) and cap (1000) to an audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
