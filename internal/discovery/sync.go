// ABOUTME: Capability discovery: queries connected upstreams for their tools and syncs the catalog.
// ABOUTME: Runs after every successful connect; updates are additive, tools are never deleted here.

package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/mcp-gateway/internal/directory"
	"github.com/2389/mcp-gateway/internal/jsonrpc"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/upstream"
)

// Forwarder is the slice of the router the syncer needs.
type Forwarder interface {
	Forward(ctx context.Context, serverID string, req *jsonrpc.Request, opts ...proxy.ForwardOption) (*jsonrpc.Response, error)
}

// Syncer drives mcp.discover against upstreams and reconciles the results
// into the live tool list and the persistent catalog. Tools that disappear
// from a discovery result stay in the catalog; only their last-seen time
// stops advancing.
type Syncer struct {
	forwarder Forwarder
	manager   *upstream.Manager
	store     directory.Store
	timeout   time.Duration
	logger    *slog.Logger
}

// NewSyncer creates a syncer that forwards discovery calls through the
// router and persists results to the store.
func NewSyncer(forwarder Forwarder, manager *upstream.Manager, store directory.Store, timeout time.Duration, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		forwarder: forwarder,
		manager:   manager,
		store:     store,
		timeout:   timeout,
		logger:    logger.With("component", "discovery"),
	}
}

// Sync runs one discovery round against serverID. The live in-memory tool
// list is replaced wholesale; the catalog is diffed against the previous
// round, so a repeat discovery with an unchanged tool list writes nothing. A
// discovery failure leaves both the connection and the previous catalog
// intact.
func (s *Syncer) Sync(ctx context.Context, serverID string) error {
	tools, err := s.discover(ctx, serverID)
	if err != nil {
		s.logger.Warn("discovery failed, connection stays up",
			"server_id", serverID,
			"error", err,
		)
		s.audit(ctx, serverID, directory.AuditDiscoveryFailed, map[string]any{"error": err.Error()})
		return fmt.Errorf("discovering tools on %s: %w", serverID, err)
	}

	if c, ok := s.manager.Connection(serverID); ok {
		c.SetTools(tools)
	}

	cataloged, err := s.store.ListTools(ctx, serverID)
	if err != nil {
		return fmt.Errorf("reading catalog for %s: %w", serverID, err)
	}
	previous := make(map[string]*directory.Tool, len(cataloged))
	for _, tool := range cataloged {
		previous[tool.Name] = tool
	}

	written := 0
	for i := range tools {
		if prev, ok := previous[tools[i].Name]; ok && toolUnchanged(prev, &tools[i]) {
			continue
		}
		tool := &directory.Tool{
			ServerID:    serverID,
			Name:        tools[i].Name,
			Description: tools[i].Description,
			Schema:      tools[i].Schema,
		}
		if err := s.store.UpsertTool(ctx, tool); err != nil {
			return fmt.Errorf("syncing tool %s/%s: %w", serverID, tools[i].Name, err)
		}
		written++
	}

	s.logger.Info("discovery synced", "server_id", serverID, "tools", len(tools), "written", written)
	s.audit(ctx, serverID, directory.AuditDiscoverySynced, map[string]any{"tools": len(tools), "written": written})
	return nil
}

// toolUnchanged reports whether a discovered tool matches its catalog entry.
func toolUnchanged(prev *directory.Tool, cur *jsonrpc.ToolInfo) bool {
	return prev.Description == cur.Description && bytes.Equal(prev.Schema, cur.Schema)
}

// discover issues the mcp.discover call and decodes the tool list.
func (s *Syncer) discover(ctx context.Context, serverID string) ([]jsonrpc.ToolInfo, error) {
	req, err := jsonrpc.NewRequest(proxy.NewID(), jsonrpc.MethodDiscover, nil)
	if err != nil {
		return nil, err
	}

	opts := []proxy.ForwardOption{}
	if s.timeout > 0 {
		opts = append(opts, proxy.WithTimeout(s.timeout))
	}
	resp, err := s.forwarder.Forward(ctx, serverID, req, opts...)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result jsonrpc.DiscoverResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parsing discover result: %w", err)
	}
	return result.Tools, nil
}

// audit records the discovery outcome; audit failures are logged, never fatal.
func (s *Syncer) audit(ctx context.Context, serverID string, action directory.AuditAction, detail map[string]any) {
	if s.store == nil {
		return
	}
	entry := &directory.AuditEntry{ServerID: serverID, Action: action, Detail: detail}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn("audit append failed", "server_id", serverID, "action", action, "error", err)
	}
}
