// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	servers map[string]*UpstreamServer
	tools   map[string]map[string]*Tool // serverID -> name -> tool
	audit   []*AuditEntry

	// UpsertCalls counts UpsertTool invocations so tests can assert that an
	// unchanged discovery produces no spurious writes.
	UpsertCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		servers: make(map[string]*UpstreamServer),
		tools:   make(map[string]map[string]*Tool),
	}
}

// CreateServer stores a new server record.
func (m *MockStore) CreateServer(ctx context.Context, server *UpstreamServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[server.ID]; exists {
		return ErrDuplicateServer
	}
	s := *server
	if s.Status == "" {
		s.Status = StatusDisconnected
	}
	if s.Transport == "" {
		s.Transport = TransportWebSocket
	}
	m.servers[s.ID] = &s
	return nil
}

// UpdateServer replaces the directory-owned fields of a server record.
func (m *MockStore) UpdateServer(ctx context.Context, server *UpstreamServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.servers[server.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = server.Name
	existing.Address = server.Address
	existing.Transport = server.Transport
	existing.CredentialRef = server.CredentialRef
	existing.ProtocolVersion = server.ProtocolVersion
	existing.Active = server.Active
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteServer removes a server and its tools.
func (m *MockStore) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	delete(m.tools, id)
	return nil
}

// GetServer retrieves a server by ID.
func (m *MockStore) GetServer(ctx context.Context, id string) (*UpstreamServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

// ListServers returns all servers ordered by name.
func (m *MockStore) ListServers(ctx context.Context) ([]*UpstreamServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	servers := make([]*UpstreamServer, 0, len(m.servers))
	for _, s := range m.servers {
		copied := *s
		servers = append(servers, &copied)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// UpdateServerStatus writes the gateway-derived fields.
func (m *MockStore) UpdateServerStatus(ctx context.Context, id, status, lastError string, lastConnected *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.LastError = lastError
	if lastConnected != nil {
		t := *lastConnected
		s.LastConnected = &t
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// UpsertTool inserts or updates a tool record.
func (m *MockStore) UpsertTool(ctx context.Context, tool *Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls++
	now := time.Now().UTC()

	byName, ok := m.tools[tool.ServerID]
	if !ok {
		byName = make(map[string]*Tool)
		m.tools[tool.ServerID] = byName
	}

	if existing, ok := byName[tool.Name]; ok {
		existing.Description = tool.Description
		existing.Schema = append(existing.Schema[:0:0], tool.Schema...)
		existing.LastSeenAt = now
		existing.UpdatedAt = now
		return nil
	}

	copied := *tool
	copied.Schema = append(copied.Schema[:0:0], tool.Schema...)
	copied.FirstSeenAt = now
	copied.LastSeenAt = now
	copied.UpdatedAt = now
	byName[tool.Name] = &copied
	return nil
}

// ListTools returns the cataloged tools for a server ordered by name.
func (m *MockStore) ListTools(ctx context.Context, serverID string) ([]*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byName := m.tools[serverID]
	tools := make([]*Tool, 0, len(byName))
	for _, t := range byName {
		copied := *t
		tools = append(tools, &copied)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// AppendAudit records an audit entry in memory.
func (m *MockStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *entry
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, &copied)
	return nil
}

// ListAudit returns recorded audit entries newest first.
func (m *MockStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeAuditLimit(filter.Limit)
	var entries []*AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.audit[i]
		if filter.ServerID != "" && e.ServerID != filter.ServerID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		copied := *e
		entries = append(entries, &copied)
	}
	return entries, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error { return nil }
