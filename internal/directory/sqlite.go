// ABOUTME: SQLite implementation of the directory Store using modernc.org/sqlite
// ABOUTME: Provides server/tool/audit persistence with automatic schema creation

package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "directory")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("directory store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS servers (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			address          TEXT NOT NULL,
			transport        TEXT NOT NULL DEFAULT 'websocket',
			credential_ref   TEXT NOT NULL DEFAULT '',
			protocol_version TEXT NOT NULL DEFAULT '',
			active           INTEGER NOT NULL DEFAULT 1,
			status           TEXT NOT NULL DEFAULT 'disconnected',
			last_error       TEXT NOT NULL DEFAULT '',
			last_connected   TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (transport IN ('websocket', 'http', 'fake')),
			CHECK (status IN ('disconnected', 'connecting', 'connected', 'closing'))
		);

		CREATE INDEX IF NOT EXISTS idx_servers_active ON servers(active);

		CREATE TABLE IF NOT EXISTS tools (
			server_id     TEXT NOT NULL,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			schema_json   TEXT NOT NULL DEFAULT '{}',
			first_seen_at TEXT NOT NULL,
			last_seen_at  TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			PRIMARY KEY (server_id, name),
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			server_id   TEXT NOT NULL,
			action      TEXT NOT NULL,
			detail_json TEXT,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_server ON audit_log(server_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateServer inserts a new server record.
func (s *SQLiteStore) CreateServer(ctx context.Context, server *UpstreamServer) error {
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now
	if server.Transport == "" {
		server.Transport = TransportWebSocket
	}
	if server.Status == "" {
		server.Status = StatusDisconnected
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, address, transport, credential_ref, protocol_version, active, status, last_error, last_connected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.Name, server.Address, server.Transport, server.CredentialRef,
		server.ProtocolVersion, boolToInt(server.Active), server.Status, server.LastError,
		formatTimePtr(server.LastConnected), server.CreatedAt.Format(time.RFC3339), server.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateServer
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// UpdateServer updates the directory-owned fields of a server record.
func (s *SQLiteStore) UpdateServer(ctx context.Context, server *UpstreamServer) error {
	server.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET name = ?, address = ?, transport = ?, credential_ref = ?, protocol_version = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		server.Name, server.Address, server.Transport, server.CredentialRef,
		server.ProtocolVersion, boolToInt(server.Active), server.UpdatedAt.Format(time.RFC3339), server.ID,
	)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
	}
	return requireRowAffected(res)
}

// DeleteServer removes a server and its cataloged tools.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	return requireRowAffected(res)
}

// GetServer retrieves a server by ID.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*UpstreamServer, error) {
	row := s.db.QueryRowContext(ctx, serverSelect+` WHERE id = ?`, id)
	server, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return server, nil
}

// ListServers returns all server records ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*UpstreamServer, error) {
	rows, err := s.db.QueryContext(ctx, serverSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*UpstreamServer
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// UpdateServerStatus writes the gateway-derived fields back to the directory.
func (s *SQLiteStore) UpdateServerStatus(ctx context.Context, id, status, lastError string, lastConnected *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET status = ?, last_error = ?, last_connected = COALESCE(?, last_connected), updated_at = ?
		WHERE id = ?`,
		status, lastError, formatTimePtr(lastConnected), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating server status: %w", err)
	}
	return requireRowAffected(res)
}

// UpsertTool inserts a tool or updates its description/schema, refreshing
// last_seen_at either way.
func (s *SQLiteStore) UpsertTool(ctx context.Context, tool *Tool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tools (server_id, name, description, schema_json, first_seen_at, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, name) DO UPDATE SET
			description  = excluded.description,
			schema_json  = excluded.schema_json,
			last_seen_at = excluded.last_seen_at,
			updated_at   = excluded.updated_at`,
		tool.ServerID, tool.Name, tool.Description, schemaText(tool.Schema), now, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting tool: %w", err)
	}
	return nil
}

// ListTools returns the cataloged tools for a server ordered by name.
func (s *SQLiteStore) ListTools(ctx context.Context, serverID string) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, name, description, schema_json, first_seen_at, last_seen_at, updated_at
		FROM tools WHERE server_id = ? ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		var tool Tool
		var schemaJSON, firstSeen, lastSeen, updated string
		if err := rows.Scan(&tool.ServerID, &tool.Name, &tool.Description, &schemaJSON, &firstSeen, &lastSeen, &updated); err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		tool.Schema = json.RawMessage(schemaJSON)
		tool.FirstSeenAt = parseTime(firstSeen)
		tool.LastSeenAt = parseTime(lastSeen)
		tool.UpdatedAt = parseTime(updated)
		tools = append(tools, &tool)
	}
	return tools, rows.Err()
}

// AppendAudit appends an entry to the audit log.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var detailJSON *string
	if entry.Detail != nil {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, server_id, action, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.ServerID, entry.Action, detailJSON, entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit entry", "server_id", entry.ServerID, "action", entry.Action)
	return nil
}

// ListAudit returns audit entries newest first, narrowed by the filter.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, server_id, action, detail_json, created_at FROM audit_log WHERE 1=1`
	var args []any
	if filter.ServerID != "" {
		query += ` AND server_id = ?`
		args = append(args, filter.ServerID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	// Append-only log: rowid order is insertion order.
	query += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, normalizeAuditLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var detailJSON sql.NullString
		var created string
		if err := rows.Scan(&entry.ID, &entry.ServerID, &entry.Action, &detailJSON, &created); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &entry.Detail); err != nil {
				return nil, fmt.Errorf("parsing audit detail: %w", err)
			}
		}
		entry.CreatedAt = parseTime(created)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const serverSelect = `
	SELECT id, name, address, transport, credential_ref, protocol_version, active, status, last_error, last_connected, created_at, updated_at
	FROM servers`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*UpstreamServer, error) {
	var server UpstreamServer
	var active int
	var lastConnected sql.NullString
	var created, updated string
	err := row.Scan(&server.ID, &server.Name, &server.Address, &server.Transport,
		&server.CredentialRef, &server.ProtocolVersion, &active, &server.Status,
		&server.LastError, &lastConnected, &created, &updated)
	if err != nil {
		return nil, err
	}
	server.Active = active != 0
	if lastConnected.Valid {
		t := parseTime(lastConnected.String)
		server.LastConnected = &t
	}
	server.CreatedAt = parseTime(created)
	server.UpdatedAt = parseTime(updated)
	return &server, nil
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func schemaText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
