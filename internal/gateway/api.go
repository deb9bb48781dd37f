// ABOUTME: HTTP API handlers for the JSON-RPC proxy and server directory operations.
// ABOUTME: Provides POST /api/proxy/{serverID} plus server, tool, and metrics endpoints.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/breaker"
	"github.com/2389/mcp-gateway/internal/directory"
	"github.com/2389/mcp-gateway/internal/jsonrpc"
	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/upstream"
)

// maxProxyBodySize bounds a single proxied JSON-RPC request body.
const maxProxyBodySize = 4 << 20

// ServerResponse is the JSON shape for one server in directory responses.
type ServerResponse struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Address       string                 `json:"address"`
	Transport     string                 `json:"transport"`
	Active        bool                   `json:"active"`
	Status        string                 `json:"status"`
	Circuit       string                 `json:"circuit"`
	LastError     string                 `json:"last_error,omitempty"`
	LastConnected *time.Time             `json:"last_connected,omitempty"`
	ToolCount     int                    `json:"tool_count"`
	Metrics       metrics.ServerSnapshot `json:"metrics"`
}

// CreateServerRequest is the JSON request body for POST /api/servers.
type CreateServerRequest struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	Address         string `json:"address"`
	Transport       string `json:"transport,omitempty"`
	CredentialRef   string `json:"credential_ref,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Active          *bool  `json:"active,omitempty"`
}

// ToolResponse is the JSON shape for one cataloged tool.
type ToolResponse struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	FirstSeenAt time.Time       `json:"first_seen_at"`
	LastSeenAt  time.Time       `json:"last_seen_at"`
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /api/proxy/{serverID}", g.handleProxy)

	mux.HandleFunc("GET /api/servers", g.handleListServers)
	mux.HandleFunc("POST /api/servers", g.handleCreateServer)
	mux.HandleFunc("DELETE /api/servers/{serverID}", g.handleDeleteServer)
	mux.HandleFunc("GET /api/servers/{serverID}/tools", g.handleListTools)
	mux.HandleFunc("POST /api/servers/{serverID}/connect", g.handleConnect)
	mux.HandleFunc("POST /api/servers/{serverID}/disconnect", g.handleDisconnect)
	mux.HandleFunc("POST /api/servers/{serverID}/metrics/reset", g.handleMetricsReset)

	mux.HandleFunc("GET /ws", g.handleWebSocket)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	connected := 0
	for _, id := range g.manager.ServerIDs() {
		if g.manager.Connected(id) {
			connected++
		}
	}
	if connected == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no upstream connections"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connected)", connected)
}

// handleProxy forwards one JSON-RPC request to the named upstream and relays
// its response verbatim. Gateway refusals map to HTTP statuses: 502 when the
// server has no live connection, 503 while its circuit is open. Refusal
// bodies are JSON-RPC error envelopes echoing the request ID, so callers
// parse one response shape regardless of where a request died.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBodySize))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading request body")
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON-RPC request")
		return
	}
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		g.sendJSONError(w, http.StatusBadRequest, "request must declare jsonrpc 2.0 and a method")
		return
	}

	resp, err := g.router.Forward(r.Context(), serverID, &req)
	g.broadcaster.NoteRequest()
	switch {
	case errors.Is(err, upstream.ErrServerNotRegistered):
		g.sendProxyRefusal(w, http.StatusNotFound, req.ID, jsonrpc.CodeServerNotConnected, "unknown server "+serverID)
		return
	case errors.Is(err, upstream.ErrServerNotConnected):
		g.sendProxyRefusal(w, http.StatusBadGateway, req.ID, jsonrpc.CodeServerNotConnected, "server not connected")
		return
	case errors.Is(err, breaker.ErrOpen):
		w.Header().Set("Retry-After", "1")
		g.sendProxyRefusal(w, http.StatusServiceUnavailable, req.ID, jsonrpc.CodeCircuitOpen, err.Error())
		return
	case errors.Is(err, proxy.ErrDuplicateID):
		g.sendProxyRefusal(w, http.StatusConflict, req.ID, jsonrpc.CodeInvalidRequest, err.Error())
		return
	case err != nil:
		g.logger.Error("proxy forward failed", "server_id", serverID, "error", err)
		g.sendProxyRefusal(w, http.StatusInternalServerError, req.ID, jsonrpc.CodeInternalError, "internal server error")
		return
	}

	// A notification has no response; acknowledge the send.
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := g.store.ListServers(r.Context())
	if err != nil {
		g.logger.Error("listing servers failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ServerResponse, 0, len(servers))
	for _, server := range servers {
		response = append(response, g.serverResponse(server))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (g *Gateway) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req CreateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.Address == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name and address are required")
		return
	}

	server := &directory.UpstreamServer{
		ID:              req.ID,
		Name:            req.Name,
		Address:         req.Address,
		Transport:       req.Transport,
		CredentialRef:   req.CredentialRef,
		ProtocolVersion: req.ProtocolVersion,
		Active:          req.Active == nil || *req.Active,
	}
	if server.ID == "" {
		server.ID = uuid.New().String()
	}

	if err := g.store.CreateServer(r.Context(), server); err != nil {
		if errors.Is(err, directory.ErrDuplicateServer) {
			g.sendJSONError(w, http.StatusConflict, "server already exists")
			return
		}
		g.logger.Error("creating server failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.manager.Register(server)
	if server.Active {
		g.manager.Sweep(r.Context())
	}

	created, err := g.store.GetServer(r.Context(), server.ID)
	if err != nil {
		created = server
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(g.serverResponse(created))
}

func (g *Gateway) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverID")

	if err := g.store.DeleteServer(r.Context(), serverID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "unknown server "+serverID)
			return
		}
		g.logger.Error("deleting server failed", "server_id", serverID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.manager.Deregister(serverID)
	g.breakers.Reset(serverID)
	g.router.ConnectionClosed(serverID)
	g.metrics.Reset(serverID)

	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverID")

	if _, err := g.store.GetServer(r.Context(), serverID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "unknown server "+serverID)
			return
		}
		g.logger.Error("loading server failed", "server_id", serverID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	tools, err := g.store.ListTools(r.Context(), serverID)
	if err != nil {
		g.logger.Error("listing tools failed", "server_id", serverID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ToolResponse, 0, len(tools))
	for _, tool := range tools {
		response = append(response, ToolResponse{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
			FirstSeenAt: tool.FirstSeenAt,
			LastSeenAt:  tool.LastSeenAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverID")

	if err := g.manager.Connect(r.Context(), serverID); err != nil {
		if errors.Is(err, upstream.ErrServerNotRegistered) {
			g.sendJSONError(w, http.StatusNotFound, "unknown server "+serverID)
			return
		}
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.serverStatus(serverID))
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverID")

	if err := g.manager.Disconnect(serverID); err != nil {
		if errors.Is(err, upstream.ErrServerNotRegistered) {
			g.sendJSONError(w, http.StatusNotFound, "unknown server "+serverID)
			return
		}
		g.logger.Error("disconnect failed", "server_id", serverID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.serverStatus(serverID))
}

func (g *Gateway) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverID")

	g.metrics.Reset(serverID)
	g.audit(r.Context(), serverID, directory.AuditMetricsReset, nil)

	w.WriteHeader(http.StatusNoContent)
}

// serverResponse merges the directory record with live connection state,
// circuit state, and metrics.
func (g *Gateway) serverResponse(server *directory.UpstreamServer) ServerResponse {
	st := g.serverStatus(server.ID)
	return ServerResponse{
		ID:            server.ID,
		Name:          server.Name,
		Address:       server.Address,
		Transport:     server.Transport,
		Active:        server.Active,
		Status:        st.State,
		Circuit:       st.Circuit,
		LastError:     st.LastError,
		LastConnected: st.LastConnected,
		ToolCount:     st.ToolCount,
		Metrics:       g.metrics.Snapshot(server.ID),
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendProxyRefusal writes a gateway-originated JSON-RPC error envelope for a
// request that never reached the upstream.
func (g *Gateway) sendProxyRefusal(w http.ResponseWriter, statusCode int, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(jsonrpc.ErrorResponse(id, code, message))
}
