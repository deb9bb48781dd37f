// ABOUTME: In-memory fan-out broadcaster for gateway status events.
// ABOUTME: Pushes connection, catalog, circuit, and metrics updates to subscribed clients.

package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/metrics"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventType identifies what a status event describes.
type EventType string

const (
	// EventSnapshot carries the full state of every server. Sent once to
	// each new subscriber so clients never start from nothing.
	EventSnapshot EventType = "snapshot"
	// EventServerStatus reports one server's connection state change.
	EventServerStatus EventType = "server_status"
	// EventToolsUpdated reports that a server's tool catalog changed.
	EventToolsUpdated EventType = "tools_updated"
	// EventCircuitState reports a circuit breaker transition.
	EventCircuitState EventType = "circuit_state"
	// EventMetrics carries a periodic metrics summary.
	EventMetrics EventType = "metrics"
)

// ServerStatus is the observable state of one upstream server.
type ServerStatus struct {
	ServerID      string     `json:"server_id"`
	Name          string     `json:"name"`
	State         string     `json:"state"`
	Circuit       string     `json:"circuit"`
	LastError     string     `json:"last_error,omitempty"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	ToolCount     int        `json:"tool_count"`
}

// Event is one status update pushed to subscribers.
type Event struct {
	Type     EventType                         `json:"type"`
	ServerID string                            `json:"server_id,omitempty"`
	Server   *ServerStatus                     `json:"server,omitempty"`
	Servers  []ServerStatus                    `json:"servers,omitempty"`
	Metrics  map[string]metrics.ServerSnapshot `json:"metrics,omitempty"`
	Time     time.Time                         `json:"time"`
}

// SnapshotFunc returns the current state of every server. The broadcaster
// calls it when a client subscribes and never caches the result.
type SnapshotFunc func() []ServerStatus

// MetricsFunc returns the current metrics summary for the periodic push.
type MetricsFunc func() map[string]metrics.ServerSnapshot

// Broadcaster provides in-memory pub/sub for gateway status. Every new
// subscriber immediately receives a full snapshot event, then incremental
// updates as they are published. Events are pushed, never polled for.
type Broadcaster struct {
	snapshot SnapshotFunc
	metrics  MetricsFunc
	every    int
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]chan *Event
	requests    int
	closed      bool
}

// NewBroadcaster creates a broadcaster. A metrics summary is published every
// `every` completed proxy requests; zero disables the periodic push. Pass nil
// logger for default.
func NewBroadcaster(snapshot SnapshotFunc, metricsFn MetricsFunc, every int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		snapshot:    snapshot,
		metrics:     metricsFn,
		every:       every,
		logger:      logger.With("component", "status"),
		subscribers: make(map[string]chan *Event),
	}
}

// Subscribe registers a status listener. The returned channel first yields a
// full snapshot, then live updates. The subscription is cleaned up when ctx
// is cancelled or Unsubscribe is called with the returned ID.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	// The snapshot goes into the buffer before the channel is visible to
	// Publish, so the first event a client sees is always the full picture.
	ch <- &Event{Type: EventSnapshot, Servers: b.snapshot(), Time: time.Now().UTC()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("status subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
	b.logger.Debug("status subscriber removed", "sub_id", subID)
}

// Publish fans an event out to all subscribers. Non-blocking: events are
// dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]chan *Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped status event for slow subscriber", "type", event.Type)
		}
	}
}

// PublishServerStatus pushes one server's state change.
func (b *Broadcaster) PublishServerStatus(s ServerStatus) {
	b.Publish(&Event{Type: EventServerStatus, ServerID: s.ServerID, Server: &s})
}

// PublishToolsUpdated pushes a catalog-changed notice for one server.
func (b *Broadcaster) PublishToolsUpdated(serverID string, toolCount int) {
	b.Publish(&Event{
		Type:     EventToolsUpdated,
		ServerID: serverID,
		Server:   &ServerStatus{ServerID: serverID, ToolCount: toolCount},
	})
}

// PublishCircuitState pushes a breaker transition for one server.
func (b *Broadcaster) PublishCircuitState(serverID, state string) {
	b.Publish(&Event{
		Type:     EventCircuitState,
		ServerID: serverID,
		Server:   &ServerStatus{ServerID: serverID, Circuit: state},
	})
}

// NoteRequest counts one completed proxy request and publishes a metrics
// summary every Nth request.
func (b *Broadcaster) NoteRequest() {
	if b.every <= 0 || b.metrics == nil {
		return
	}

	b.mu.Lock()
	b.requests++
	due := b.requests%b.every == 0
	b.mu.Unlock()

	if due {
		b.Publish(&Event{Type: EventMetrics, Metrics: b.metrics()})
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true
	b.logger.Debug("status broadcaster closed")
}
