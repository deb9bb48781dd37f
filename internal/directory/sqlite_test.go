// ABOUTME: Tests for the SQLite directory store using in-memory databases.
// ABOUTME: Covers server CRUD, status writeback, tool upserts, and the audit log.

package directory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testServer(id string) *UpstreamServer {
	return &UpstreamServer{
		ID:              id,
		Name:            "server " + id,
		Address:         "ws://localhost:9000/" + id,
		Transport:       TransportWebSocket,
		ProtocolVersion: "2025-03-26",
		Active:          true,
	}
}

func TestSQLiteStore_ServerCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateServer(ctx, testServer("s1")))

	got, err := s.GetServer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "server s1", got.Name)
	assert.Equal(t, StatusDisconnected, got.Status)
	assert.True(t, got.Active)

	got.Address = "ws://localhost:9001/s1"
	got.Active = false
	require.NoError(t, s.UpdateServer(ctx, got))

	got, err = s.GetServer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9001/s1", got.Address)
	assert.False(t, got.Active)

	require.NoError(t, s.DeleteServer(ctx, "s1"))
	_, err = s.GetServer(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DuplicateServer(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateServer(ctx, testServer("s1")))
	assert.ErrorIs(t, s.CreateServer(ctx, testServer("s1")), ErrDuplicateServer)
}

func TestSQLiteStore_UpdateServerStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateServer(ctx, testServer("s1")))

	connectedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateServerStatus(ctx, "s1", StatusConnected, "", &connectedAt))

	got, err := s.GetServer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
	require.NotNil(t, got.LastConnected)
	assert.True(t, got.LastConnected.Equal(connectedAt))

	// A later disconnect records the error but keeps last_connected.
	require.NoError(t, s.UpdateServerStatus(ctx, "s1", StatusDisconnected, "read: connection reset", nil))
	got, err = s.GetServer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "read: connection reset", got.LastError)
	require.NotNil(t, got.LastConnected)

	assert.ErrorIs(t, s.UpdateServerStatus(ctx, "missing", StatusConnected, "", nil), ErrNotFound)
}

func TestSQLiteStore_UpsertToolInsertAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateServer(ctx, testServer("s1")))

	tool := &Tool{
		ServerID:    "s1",
		Name:        "echo",
		Description: "echoes input",
		Schema:      json.RawMessage(`{"type":"object"}`),
	}
	require.NoError(t, s.UpsertTool(ctx, tool))

	tools, err := s.ListTools(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echoes input", tools[0].Description)

	tool.Description = "echoes input back"
	require.NoError(t, s.UpsertTool(ctx, tool))

	tools, err = s.ListTools(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echoes input back", tools[0].Description)
	assert.False(t, tools[0].LastSeenAt.Before(tools[0].FirstSeenAt))
}

func TestSQLiteStore_DeleteServerCascadesTools(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateServer(ctx, testServer("s1")))
	require.NoError(t, s.UpsertTool(ctx, &Tool{ServerID: "s1", Name: "echo"}))

	require.NoError(t, s.DeleteServer(ctx, "s1"))

	tools, err := s.ListTools(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestSQLiteStore_AuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		ServerID: "s1",
		Action:   AuditConnected,
	}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		ServerID: "s1",
		Action:   AuditDiscoverySynced,
		Detail:   map[string]any{"tool_count": float64(3)},
	}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		ServerID: "s2",
		Action:   AuditConnectFailed,
	}))

	entries, err := s.ListAudit(ctx, AuditFilter{ServerID: "s1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditDiscoverySynced, entries[0].Action)
	assert.Equal(t, float64(3), entries[0].Detail["tool_count"])

	entries, err = s.ListAudit(ctx, AuditFilter{Action: AuditConnectFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s2", entries[0].ServerID)
}

func TestMockStore_MatchesInterface(t *testing.T) {
	var _ Store = NewMockStore()
	var _ Store = &SQLiteStore{}
}
