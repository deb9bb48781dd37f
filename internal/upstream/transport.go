// ABOUTME: Transport abstraction over the upstream wire: WebSocket preferred, HTTP POST fallback.
// ABOUTME: Dialer is the injection seam that lets tests and the fake backend swap transports.

package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/mcp-gateway/internal/directory"
)

// ErrTransportClosed is returned by ReadMessage and WriteMessage after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport is one live wire to an upstream server. Writes are serialized by
// the owning Connection; ReadMessage is called from a single reader goroutine.
type Transport interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	// Alive reports whether the transport is still usable. The health sweep
	// uses this to catch sockets that broke without the read loop noticing.
	Alive() bool
	Close() error
}

// CredentialResolver turns a server's credential reference into a bearer
// token. The zero resolver returns no credential; real deployments plug in
// the external secret store here.
type CredentialResolver func(ref string) (string, error)

// Dialer opens a Transport for an upstream server record.
type Dialer interface {
	Dial(ctx context.Context, server *directory.UpstreamServer) (Transport, error)
}

// NetDialer dials real upstreams: WebSocket for websocket servers, per-request
// HTTP POST for http servers.
type NetDialer struct {
	HandshakeTimeout time.Duration
	Credentials      CredentialResolver
	HTTPClient       *http.Client
}

// NewNetDialer creates a dialer with the given handshake timeout.
func NewNetDialer(handshakeTimeout time.Duration, credentials CredentialResolver) *NetDialer {
	return &NetDialer{
		HandshakeTimeout: handshakeTimeout,
		Credentials:      credentials,
		HTTPClient:       &http.Client{},
	}
}

// Dial opens the transport matching the server's declared kind.
func (d *NetDialer) Dial(ctx context.Context, server *directory.UpstreamServer) (Transport, error) {
	header := http.Header{}
	if d.Credentials != nil && server.CredentialRef != "" {
		token, err := d.Credentials(server.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("resolving credential %q: %w", server.CredentialRef, err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	switch server.Transport {
	case directory.TransportWebSocket, "":
		return d.dialWebSocket(ctx, server.Address, header)
	case directory.TransportHTTP:
		return newHTTPTransport(d.HTTPClient, server.Address, header), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", server.Transport)
	}
}

func (d *NetDialer) dialWebSocket(ctx context.Context, address string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, address, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return &wsTransport{conn: conn}, nil
}

// wsTransport wraps a gorilla WebSocket connection.
type wsTransport struct {
	conn   *websocket.Conn
	broken atomic.Bool
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.broken.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		t.broken.Store(true)
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Alive() bool {
	return !t.broken.Load()
}

func (t *wsTransport) Close() error {
	t.broken.Store(true)
	return t.conn.Close()
}

// httpTransport adapts per-request HTTP POST to the Transport interface so
// http servers flow through the same correlation path as WebSocket ones.
// Each WriteMessage posts the frame; the response body, if any, is delivered
// through ReadMessage.
type httpTransport struct {
	client   *http.Client
	endpoint string
	header   http.Header
	inbound  chan []byte
	done     chan struct{}
	closed   atomic.Bool
}

func newHTTPTransport(client *http.Client, endpoint string, header http.Header) *httpTransport {
	return &httpTransport{
		client:   client,
		endpoint: endpoint,
		header:   header,
		inbound:  make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (t *httpTransport) WriteMessage(data []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	// The round trip runs off the caller's goroutine so a slow upstream does
	// not hold the connection's write path.
	go t.roundTrip(data)
	return nil
}

func (t *httpTransport) roundTrip(data []byte) {
	req, err := http.NewRequest(http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return
	}
	for k, v := range t.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		// Notifications legitimately return empty bodies.
		return
	}

	select {
	case t.inbound <- body:
	case <-t.done:
	}
}

func (t *httpTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

func (t *httpTransport) Alive() bool {
	return !t.closed.Load()
}

func (t *httpTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.done)
	}
	return nil
}
