// ABOUTME: Gateway orchestrator that owns the upstream manager, router, and HTTP server.
// ABOUTME: Wires discovery, status broadcasting, directory writeback, and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mcp-gateway/internal/breaker"
	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/directory"
	"github.com/2389/mcp-gateway/internal/discovery"
	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/status"
	"github.com/2389/mcp-gateway/internal/upstream"
)

// Gateway orchestrates the mcp-gateway components: the server directory, the
// upstream connection manager, the request router, discovery, metrics, and
// the status broadcaster, all behind one HTTP server.
type Gateway struct {
	config      *config.Config
	store       directory.Store
	manager     *upstream.Manager
	router      *proxy.Router
	breakers    *breaker.Group
	metrics     *metrics.Registry
	syncer      *discovery.Syncer
	broadcaster *status.Broadcaster
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates the directory store from config and environment.
func initStore(cfg *config.Config) (directory.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MCP_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := directory.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// envCredentials resolves a credential reference of the form "env:VAR_NAME"
// to the named environment variable. An empty reference means no credential.
func envCredentials(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return "", fmt.Errorf("unsupported credential ref %q (expected env:VAR_NAME)", ref)
	}
	token := os.Getenv(name)
	if token == "" {
		return "", fmt.Errorf("credential env var %s is not set", name)
	}
	return token, nil
}

// initDialer selects the upstream backend from config.
func initDialer(cfg *config.Config) upstream.Dialer {
	if cfg.Upstream.Backend == "fake" {
		return upstream.NewFakeDialer()
	}
	return upstream.NewNetDialer(cfg.Upstream.ConnectTimeout, envCredentials)
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return newGateway(cfg, s, initDialer(cfg), logger)
}

// newGateway wires the components. Tests inject their own store and dialer.
func newGateway(cfg *config.Config, s directory.Store, dialer upstream.Dialer, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		logger: logger.With("component", "gateway"),
	}

	manager := upstream.NewManager(dialer, cfg.Upstream, logger)
	breakers := breaker.NewGroup(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.HalfOpenSuccesses,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		CallTimeout:      cfg.Breaker.SendTimeout,
		// Breaker transitions go straight to status subscribers. The group is
		// keyed by server ID, so the breaker name is the server.
		OnStateChange: func(serverID string, _, to breaker.State) {
			gw.broadcaster.PublishCircuitState(serverID, to.String())
		},
	}, logger)
	registry := metrics.NewRegistry()
	router := proxy.NewRouter(manager, breakers, registry, cfg.Upstream, logger)
	syncer := discovery.NewSyncer(router, manager, s, cfg.Upstream.CallTimeout, logger)

	gw.manager = manager
	gw.router = router
	gw.breakers = breakers
	gw.metrics = registry
	gw.syncer = syncer
	gw.broadcaster = status.NewBroadcaster(gw.statusSnapshot, registry.SnapshotAll, cfg.Status.MetricsEvery, logger)

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway and blocks until the context is canceled or a
// component fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.loadDirectory(ctx); err != nil {
		return err
	}

	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	g.logger.Info("starting gateway", "http_addr", httpLn.Addr().String())

	g.manager.Start(ctx)
	g.manager.Sweep(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.router.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		g.eventLoop(egCtx)
		return nil
	})
	eg.Go(func() error {
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown stops the server with a fresh context since the run
// context is already canceled by the time it is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, tears down upstream connections, and
// closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("HTTP shutdown: %w", err)
	}

	g.broadcaster.Close()
	g.manager.Close()

	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	return firstErr
}

// loadDirectory reads the server directory and registers every record with
// the connection manager. Inactive servers are registered too so the sweep
// can pick them up if they are activated later.
func (g *Gateway) loadDirectory(ctx context.Context) error {
	servers, err := g.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("loading server directory: %w", err)
	}
	for _, server := range servers {
		g.manager.Register(server)
	}
	g.logger.Info("directory loaded", "servers", len(servers))
	return nil
}

// RefreshDirectory re-reads the directory and reconciles the managed set:
// new servers are registered, removed servers are deregistered and their
// breakers discarded, changed records are re-registered. A live connection
// whose address, transport, or credential changed is reconnected so the new
// endpoint takes effect immediately instead of on the next socket failure.
func (g *Gateway) RefreshDirectory(ctx context.Context) error {
	servers, err := g.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("refreshing server directory: %w", err)
	}

	known := make(map[string]bool, len(servers))
	for _, server := range servers {
		known[server.ID] = true
		prev, registered := g.manager.Registered(server.ID)
		g.manager.Register(server)

		if registered && dialConfigChanged(prev, server) && g.manager.Connected(server.ID) {
			g.logger.Info("server endpoint changed, reconnecting", "server_id", server.ID)
			if err := g.manager.Connect(ctx, server.ID); err != nil {
				g.logger.Warn("reconnect after directory change failed", "server_id", server.ID, "error", err)
			}
		}
	}
	for _, id := range g.manager.ServerIDs() {
		if !known[id] {
			g.manager.Deregister(id)
			g.breakers.Reset(id)
			g.router.ConnectionClosed(id)
		}
	}

	g.audit(ctx, "", directory.AuditDirectoryRefresh, map[string]any{"servers": len(servers)})
	g.manager.Sweep(ctx)
	return nil
}

// dialConfigChanged reports whether the fields that shape the live
// connection differ between two directory records.
func dialConfigChanged(a, b *directory.UpstreamServer) bool {
	return a.Address != b.Address || a.Transport != b.Transport || a.CredentialRef != b.CredentialRef
}

// eventLoop consumes connection state transitions and drives everything
// downstream of them: orphaned request teardown, discovery, directory
// writeback, audit, and status pushes.
func (g *Gateway) eventLoop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-g.manager.Events():
			if !ok {
				return
			}
			g.handleStateChange(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleStateChange(ctx context.Context, ev upstream.StateChange) {
	switch ev.State {
	case upstream.StateConnected:
		g.audit(ctx, ev.ServerID, directory.AuditConnected, nil)
		g.runDiscovery(ctx, ev.ServerID)

	case upstream.StateDisconnected:
		// Responses for in-flight requests can no longer arrive.
		g.router.ConnectionClosed(ev.ServerID)
		if ev.Err != "" {
			g.audit(ctx, ev.ServerID, directory.AuditConnectFailed, map[string]any{"error": ev.Err})
		} else {
			g.audit(ctx, ev.ServerID, directory.AuditDisconnected, nil)
		}
	}

	g.writeBackStatus(ctx, ev.ServerID)
	g.broadcaster.PublishServerStatus(g.serverStatus(ev.ServerID))
}

// runDiscovery syncs the server's tool catalog in the background so the
// event loop never blocks on an upstream call.
func (g *Gateway) runDiscovery(ctx context.Context, serverID string) {
	go func() {
		if err := g.syncer.Sync(ctx, serverID); err != nil {
			return
		}
		toolCount := 0
		if c, ok := g.manager.Connection(serverID); ok {
			toolCount = c.Info().ToolCount
		}
		g.broadcaster.PublishToolsUpdated(serverID, toolCount)
	}()
}

// writeBackStatus persists the gateway-derived connection fields to the
// directory so the server records stay inspectable offline.
func (g *Gateway) writeBackStatus(ctx context.Context, serverID string) {
	c, ok := g.manager.Connection(serverID)
	if !ok {
		return
	}
	info := c.Info()
	if err := g.store.UpdateServerStatus(ctx, serverID, string(info.State), info.LastError, info.LastConnected); err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			g.logger.Warn("status writeback failed", "server_id", serverID, "error", err)
		}
	}
}

// audit appends a directory audit entry; failures are logged, never fatal.
func (g *Gateway) audit(ctx context.Context, serverID string, action directory.AuditAction, detail map[string]any) {
	entry := &directory.AuditEntry{ServerID: serverID, Action: action, Detail: detail}
	if err := g.store.AppendAudit(ctx, entry); err != nil {
		g.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

// serverStatus assembles the observable state of one server from the
// manager, the breaker group, and the directory record.
func (g *Gateway) serverStatus(serverID string) status.ServerStatus {
	s := status.ServerStatus{ServerID: serverID, State: string(upstream.StateDisconnected)}

	if server, err := g.store.GetServer(context.Background(), serverID); err == nil {
		s.Name = server.Name
	}
	if c, ok := g.manager.Connection(serverID); ok {
		info := c.Info()
		s.State = string(info.State)
		s.LastError = info.LastError
		s.LastConnected = info.LastConnected
		s.ToolCount = info.ToolCount
	}
	s.Circuit = g.breakers.Get(serverID).State().String()
	return s
}

// statusSnapshot returns the current state of every managed server, used as
// the snapshot source for new status subscribers.
func (g *Gateway) statusSnapshot() []status.ServerStatus {
	ids := g.manager.ServerIDs()
	out := make([]status.ServerStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.serverStatus(id))
	}
	return out
}
