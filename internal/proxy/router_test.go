// ABOUTME: Tests for request forwarding, response correlation, and the demux loop.
// ABOUTME: Covers timeouts, circuit gating, chunk streaming, broadcasts, and orphaned requests.

package proxy

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/breaker"
	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/directory"
	"github.com/2389/mcp-gateway/internal/jsonrpc"
	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/upstream"
)

type routerFixture struct {
	manager  *upstream.Manager
	dialer   *upstream.FakeDialer
	router   *Router
	breakers *breaker.Group
	metrics  *metrics.Registry
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	cfg := config.UpstreamConfig{
		Backend:             "fake",
		ConnectTimeout:      time.Second,
		CallTimeout:         time.Second,
		PingTimeout:         200 * time.Millisecond,
		SweepInterval:       time.Hour,
		ReconnectMinBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff: 50 * time.Millisecond,
	}
	dialer := upstream.NewFakeDialer()
	manager := upstream.NewManager(dialer, cfg, nil)
	t.Cleanup(manager.Close)

	breakers := breaker.NewGroup(breaker.Settings{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		CallTimeout:      100 * time.Millisecond,
	}, nil)
	registry := metrics.NewRegistry()
	router := NewRouter(manager, breakers, registry, cfg, nil)
	go router.Run(t.Context())

	return &routerFixture{
		manager:  manager,
		dialer:   dialer,
		router:   router,
		breakers: breakers,
		metrics:  registry,
	}
}

func (f *routerFixture) connect(t *testing.T, serverID string) {
	t.Helper()
	f.manager.Register(&directory.UpstreamServer{
		ID:        serverID,
		Name:      serverID,
		Address:   "fake://" + serverID,
		Transport: directory.TransportFake,
		Active:    true,
	})
	require.NoError(t, f.manager.Connect(t.Context(), serverID))
	require.Eventually(t, func() bool {
		return f.manager.Connected(serverID)
	}, 2*time.Second, 5*time.Millisecond)
}

func runToolRequest(t *testing.T, id, tool string) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(json.RawMessage(id), jsonrpc.MethodRunTool,
		jsonrpc.RunToolParams{ToolName: tool})
	require.NoError(t, err)
	return req
}

func TestRouter_ForwardRoundTrip(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")

	resp, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, "42", "echo"))
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	// Numeric IDs survive the round trip unchanged.
	assert.Equal(t, "42", string(resp.ID))
	assert.JSONEq(t, `{"tool":"echo","ok":true}`, string(resp.Result))

	snap := f.metrics.Snapshot("s1")
	assert.Equal(t, uint64(1), snap.Total)
	assert.Equal(t, uint64(1), snap.Success)
	require.Contains(t, snap.Tools, "echo")
	assert.Equal(t, uint64(1), snap.Tools["echo"].Total)
}

func TestRouter_ForwardNotConnected(t *testing.T) {
	f := newRouterFixture(t)
	f.manager.Register(&directory.UpstreamServer{ID: "s1", Active: true, Transport: directory.TransportFake})

	_, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, "1", "echo"))
	assert.ErrorIs(t, err, upstream.ErrServerNotConnected)
}

func TestRouter_ForwardTimeout(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")
	f.dialer.Transport("s1").SetSilent(true)

	resp, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, "7", "echo"),
		WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeRequestTimeout, resp.Error.Code)
	assert.Equal(t, "7", string(resp.ID))

	// The slot is gone: a late response for the same ID is dropped quietly.
	assert.Equal(t, 0, f.router.PendingCount("s1"))
	snap := f.metrics.Snapshot("s1")
	assert.Equal(t, uint64(1), snap.Failure)
}

func TestRouter_WedgedTransportFailsSend(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")
	f.dialer.Transport("s1").StallWrites(true)

	// The send-phase ceiling cuts the call off long before the response
	// deadline, and the failure counts against the breaker.
	for i := range 3 {
		_, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, jsonrpc.IDKey(NewID()), "echo"))
		require.ErrorIs(t, err, breaker.ErrCallTimeout, "call %d", i)
	}
	assert.Equal(t, 0, f.router.PendingCount("s1"))

	_, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, "99", "echo"))
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestRouter_CircuitOpensAfterRepeatedTimeouts(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")
	f.dialer.Transport("s1").SetSilent(true)

	for i := range 3 {
		resp, err := f.router.Forward(t.Context(), "s1",
			runToolRequest(t, jsonrpc.IDKey(NewID()), "echo"),
			WithTimeout(20*time.Millisecond))
		require.NoError(t, err, "call %d", i)
		require.NotNil(t, resp.Error)
	}

	_, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, "99", "echo"))
	assert.ErrorIs(t, err, breaker.ErrOpen)
	// Refused calls leave no trace in the pending table or metrics.
	assert.Equal(t, 0, f.router.PendingCount("s1"))
	assert.Equal(t, uint64(3), f.metrics.Snapshot("s1").Total)
}

func TestRouter_UpstreamErrorPassesThrough(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")

	req, err := jsonrpc.NewRequest(json.RawMessage(`"x1"`), "mcp.bogus", nil)
	require.NoError(t, err)

	resp, err := f.router.Forward(t.Context(), "s1", req)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, uint64(1), f.metrics.Snapshot("s1").Failure)
}

func TestRouter_ConnectionClosedFailsInFlight(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")
	f.dialer.Transport("s1").SetSilent(true)

	type result struct {
		resp *jsonrpc.Response
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, "5", "slow"))
		results <- result{resp, err}
	}()

	require.Eventually(t, func() bool {
		return f.router.PendingCount("s1") == 1
	}, time.Second, 5*time.Millisecond)

	f.router.ConnectionClosed("s1")

	select {
	case got := <-results:
		require.NoError(t, got.err)
		require.NotNil(t, got.resp.Error)
		assert.Equal(t, jsonrpc.CodeConnectionClosed, got.resp.Error.Code)
		assert.Equal(t, "5", string(got.resp.ID))
	case <-time.After(time.Second):
		t.Fatal("in-flight request was not failed")
	}
	assert.Equal(t, 0, f.router.PendingCount("s1"))
}

func TestRouter_ChunkStreaming(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")
	transport := f.dialer.Transport("s1")
	transport.SetSilent(true)

	var mu sync.Mutex
	var chunks []string
	onChunk := func(chunk json.RawMessage) {
		mu.Lock()
		chunks = append(chunks, string(chunk))
		mu.Unlock()
	}

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		resp, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, "11", "gen"),
			WithChunkHandler(onChunk))
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		return f.router.PendingCount("s1") == 1
	}, time.Second, 5*time.Millisecond)

	transport.Inject([]byte(`{"jsonrpc":"2.0","method":"mcp.chunk","params":{"request_id":11,"chunk":"part-1"}}`))
	transport.Inject([]byte(`{"jsonrpc":"2.0","method":"mcp.chunk","params":{"request_id":11,"chunk":"part-2"}}`))
	transport.Inject([]byte(`{"jsonrpc":"2.0","id":11,"result":{"parts":2}}`))

	select {
	case resp := <-done:
		assert.JSONEq(t, `{"parts":2}`, string(resp.Result))
	case <-time.After(time.Second):
		t.Fatal("request never resolved")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"part-1"`, `"part-2"`}, chunks)
}

func TestRouter_BroadcastFanOut(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")

	sub, cancel := f.router.Subscribe()
	defer cancel()

	f.dialer.Transport("s1").Inject([]byte(`{"jsonrpc":"2.0","method":"mcp.tool_list_changed","params":{"reason":"deploy"}}`))

	select {
	case b := <-sub:
		assert.Equal(t, "s1", b.ServerID)
		assert.Equal(t, "mcp.tool_list_changed", b.Method)
		assert.JSONEq(t, `{"reason":"deploy"}`, string(b.Params))
	case <-time.After(time.Second):
		t.Fatal("broadcast never arrived")
	}
}

func TestRouter_DuplicateIDRejected(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")
	f.dialer.Transport("s1").SetSilent(true)

	go func() {
		_, _ = f.router.Forward(t.Context(), "s1", runToolRequest(t, "77", "echo"),
			WithTimeout(500*time.Millisecond))
	}()
	require.Eventually(t, func() bool {
		return f.router.PendingCount("s1") == 1
	}, time.Second, 5*time.Millisecond)

	_, err := f.router.Forward(t.Context(), "s1", runToolRequest(t, "77", "echo"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRouter_Ping(t *testing.T) {
	f := newRouterFixture(t)
	f.connect(t, "s1")

	require.NoError(t, f.router.Ping(t.Context(), "s1"))

	f.dialer.Transport("s1").SetSilent(true)
	err := f.router.Ping(t.Context(), "s1")
	require.Error(t, err)

	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeRequestTimeout, rpcErr.Code)
}
