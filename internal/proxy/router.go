// ABOUTME: Routes JSON-RPC requests to upstream connections and correlates responses by ID.
// ABOUTME: Single demux point for inbound frames: responses, streamed chunks, and broadcasts.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/breaker"
	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/jsonrpc"
	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/upstream"
)

// ErrDuplicateID is returned when a request reuses an ID that is still in
// flight on the same server. IDs only need to be unique per connection while
// the request is pending.
var ErrDuplicateID = errors.New("request id already in flight")

const broadcastBufferSize = 32

// Broadcast is an unsolicited upstream notification fanned out to subscribers.
type Broadcast struct {
	ServerID string
	Method   string
	Params   json.RawMessage
}

// ChunkHandler receives streamed mcp.chunk payloads for one in-flight
// request. Chunks arrive on the demux goroutine, so handlers must not block.
type ChunkHandler func(chunk json.RawMessage)

// ForwardOption customizes a single Forward call.
type ForwardOption func(*forwardOptions)

type forwardOptions struct {
	timeout time.Duration
	onChunk ChunkHandler
}

// WithTimeout overrides the router's default response deadline for one call.
func WithTimeout(d time.Duration) ForwardOption {
	return func(o *forwardOptions) { o.timeout = d }
}

// WithChunkHandler registers a handler for streamed chunks correlated to
// this request. The final response still resolves the call as usual.
func WithChunkHandler(fn ChunkHandler) ForwardOption {
	return func(o *forwardOptions) { o.onChunk = fn }
}

// pendingRequest is one awaited response slot. done is buffered so the demux
// loop never blocks on a slow or departed waiter.
type pendingRequest struct {
	done    chan *jsonrpc.Response
	onChunk ChunkHandler
	method  string
	tool    string
	started time.Time
}

// Router forwards requests to upstream servers and resolves them when the
// matching response frame comes back. Every inbound frame from every
// connection passes through Run's demux loop exactly once; there is no other
// reader of the inbound stream.
type Router struct {
	manager     *upstream.Manager
	breakers    *breaker.Group
	metrics     *metrics.Registry
	cfg         config.UpstreamConfig
	sendTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]*pendingRequest // serverID -> id key -> slot

	subMu sync.Mutex
	subs  map[chan Broadcast]struct{}
}

// NewRouter creates a router over the given connection manager.
func NewRouter(manager *upstream.Manager, breakers *breaker.Group, registry *metrics.Registry, cfg config.UpstreamConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		manager:     manager,
		breakers:    breakers,
		metrics:     registry,
		cfg:         cfg,
		sendTimeout: breakers.Settings().CallTimeout,
		logger:      logger.With("component", "router"),
		pending:     make(map[string]map[string]*pendingRequest),
		subs:        make(map[chan Broadcast]struct{}),
	}
}

// NewID returns a fresh request ID for gateway-originated calls, as a JSON
// string value.
func NewID() json.RawMessage {
	raw, _ := json.Marshal(uuid.NewString())
	return raw
}

// Run consumes the manager's inbound stream until the context is canceled or
// the stream closes. It must be running for Forward to ever resolve.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case in, ok := <-r.manager.Inbound():
			if !ok {
				return
			}
			r.dispatch(in.ServerID, in.Data)
		case <-ctx.Done():
			return
		}
	}
}

// Forward sends the request to serverID and blocks until the matching
// response arrives, the deadline passes, or the connection drops.
//
// Gateway-level refusals surface as errors: upstream.ErrServerNotConnected
// when no live connection exists and breaker.ErrOpen while the circuit is
// open. Everything that happens after a successful send, including request
// timeouts, dropped connections, and upstream application errors, comes back
// as a well-formed JSON-RPC response so callers can relay it verbatim.
func (r *Router) Forward(ctx context.Context, serverID string, req *jsonrpc.Request, opts ...ForwardOption) (*jsonrpc.Response, error) {
	options := forwardOptions{timeout: r.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	b := r.breakers.Get(serverID)
	if err := b.Allow(); err != nil {
		return nil, err
	}

	// Notifications get no correlation slot and no breaker accounting: there
	// is no outcome to observe.
	if len(req.ID) == 0 {
		return nil, r.send(serverID, data)
	}

	idKey := jsonrpc.IDKey(req.ID)
	p := &pendingRequest{
		done:    make(chan *jsonrpc.Response, 1),
		onChunk: options.onChunk,
		method:  req.Method,
		tool:    toolNameOf(req),
		started: time.Now(),
	}
	if err := r.addPending(serverID, idKey, p); err != nil {
		return nil, err
	}

	if err := r.send(serverID, data); err != nil {
		r.takePending(serverID, idKey)
		b.Record(err)
		return nil, err
	}

	timer := time.NewTimer(options.timeout)
	defer timer.Stop()

	select {
	case resp := <-p.done:
		r.complete(serverID, p, resp)
		return resp, nil

	case <-timer.C:
		if taken := r.takePending(serverID, idKey); taken == nil {
			// The response squeaked in as the timer fired; use it.
			resp := <-p.done
			r.complete(serverID, p, resp)
			return resp, nil
		}
		r.logger.Warn("request timed out",
			"server_id", serverID,
			"method", req.Method,
			"timeout", options.timeout,
		)
		resp := jsonrpc.ErrorResponse(req.ID, jsonrpc.CodeRequestTimeout,
			fmt.Sprintf("no response within %s", options.timeout))
		r.complete(serverID, p, resp)
		return resp, nil

	case <-ctx.Done():
		if taken := r.takePending(serverID, idKey); taken == nil {
			resp := <-p.done
			r.complete(serverID, p, resp)
			return resp, nil
		}
		return nil, ctx.Err()
	}
}

// Ping sends an mcp.ping health probe and reports whether the server
// answered in time. The outcome feeds the server's circuit breaker like any
// other call.
func (r *Router) Ping(ctx context.Context, serverID string) error {
	req, err := jsonrpc.NewRequest(NewID(), jsonrpc.MethodPing, nil)
	if err != nil {
		return err
	}
	resp, err := r.Forward(ctx, serverID, req, WithTimeout(r.cfg.PingTimeout))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// send writes one frame under the breaker group's per-send ceiling, so a
// wedged transport surfaces as a failed send instead of hanging Forward for
// the full response deadline. Zero disables the ceiling.
func (r *Router) send(serverID string, data []byte) error {
	if r.sendTimeout <= 0 {
		return r.manager.Send(serverID, data)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- r.manager.Send(serverID, data) }()

	timer := time.NewTimer(r.sendTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("sending to %s: %w", serverID, breaker.ErrCallTimeout)
	}
}

// ConnectionClosed fails every request still awaiting a response from
// serverID. The manager's state events drive this; responses for those
// requests can no longer arrive once the transport is gone.
func (r *Router) ConnectionClosed(serverID string) {
	r.mu.Lock()
	slots := r.pending[serverID]
	delete(r.pending, serverID)
	r.mu.Unlock()

	if len(slots) == 0 {
		return
	}
	r.logger.Warn("failing in-flight requests, connection closed",
		"server_id", serverID,
		"count", len(slots),
	)
	for idKey, p := range slots {
		p.done <- jsonrpc.ErrorResponse(json.RawMessage(idKey), jsonrpc.CodeConnectionClosed,
			"connection to upstream closed")
	}
}

// Subscribe registers a listener for unsolicited upstream notifications.
// The returned cancel function must be called to release the subscription.
func (r *Router) Subscribe() (<-chan Broadcast, func()) {
	ch := make(chan Broadcast, broadcastBufferSize)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		delete(r.subs, ch)
		r.subMu.Unlock()
	}
	return ch, cancel
}

// PendingCount reports how many requests are awaiting responses from
// serverID.
func (r *Router) PendingCount(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[serverID])
}

// dispatch routes one inbound frame: a response resolves its pending slot, a
// chunk notification streams to its request's handler, and anything else
// fans out to broadcast subscribers.
func (r *Router) dispatch(serverID string, data []byte) {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "server_id", serverID, "error", err)
		return
	}

	switch {
	case msg.IsResponse():
		r.resolve(serverID, msg)
	case msg.Method == jsonrpc.MethodChunk:
		r.streamChunk(serverID, msg)
	default:
		r.broadcast(serverID, msg)
	}
}

// resolve hands the response to its waiter. The slot is removed before the
// send, so a request resolves at most once no matter how many response
// frames carry its ID.
func (r *Router) resolve(serverID string, msg *jsonrpc.Message) {
	p := r.takePending(serverID, jsonrpc.IDKey(msg.ID))
	if p == nil {
		r.logger.Debug("unmatched response", "server_id", serverID, "id", string(msg.ID))
		return
	}
	p.done <- &jsonrpc.Response{
		JSONRPC: msg.JSONRPC,
		ID:      msg.ID,
		Result:  msg.Result,
		Error:   msg.Error,
	}
}

// streamChunk delivers an mcp.chunk notification to the handler of the
// request it references. Chunks never consume the pending slot; the final
// response does that.
func (r *Router) streamChunk(serverID string, msg *jsonrpc.Message) {
	var params jsonrpc.ChunkParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		r.logger.Warn("dropping malformed chunk", "server_id", serverID, "error", err)
		return
	}

	r.mu.Lock()
	p := r.pending[serverID][jsonrpc.IDKey(params.RequestID)]
	r.mu.Unlock()

	if p == nil || p.onChunk == nil {
		r.logger.Debug("dropping chunk with no awaiting request",
			"server_id", serverID,
			"request_id", string(params.RequestID),
		)
		return
	}
	p.onChunk(params.Chunk)
}

// broadcast fans an unsolicited notification out to every subscriber without
// blocking the demux loop.
func (r *Router) broadcast(serverID string, msg *jsonrpc.Message) {
	b := Broadcast{ServerID: serverID, Method: msg.Method, Params: msg.Params}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- b:
		default:
			r.logger.Warn("dropping broadcast, subscriber channel full",
				"server_id", serverID,
				"method", msg.Method,
			)
		}
	}
}

// complete records the breaker and metrics outcome for a finished request.
// Gateway-synthesized failures (timeout, connection closed) count against
// the breaker the same way upstream error responses do.
func (r *Router) complete(serverID string, p *pendingRequest, resp *jsonrpc.Response) {
	var outcome error
	if resp.Error != nil {
		outcome = resp.Error
	}
	r.breakers.Get(serverID).Record(outcome)

	if r.metrics != nil {
		r.metrics.Record(serverID, p.tool, outcome == nil, time.Since(p.started))
	}
}

func (r *Router) addPending(serverID, idKey string, p *pendingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := r.pending[serverID]
	if slots == nil {
		slots = make(map[string]*pendingRequest)
		r.pending[serverID] = slots
	}
	if _, exists := slots[idKey]; exists {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateID, idKey, serverID)
	}
	slots[idKey] = p
	return nil
}

// takePending removes and returns the slot, or nil if it was already taken.
func (r *Router) takePending(serverID, idKey string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := r.pending[serverID]
	p, ok := slots[idKey]
	if !ok {
		return nil
	}
	delete(slots, idKey)
	if len(slots) == 0 {
		delete(r.pending, serverID)
	}
	return p
}

// toolNameOf extracts the tool name from an mcp.run_tool request for
// per-tool metrics. Other methods have no tool dimension.
func toolNameOf(req *jsonrpc.Request) string {
	if req.Method != jsonrpc.MethodRunTool {
		return ""
	}
	var params jsonrpc.RunToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ""
	}
	return params.ToolName
}
