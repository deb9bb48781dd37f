// ABOUTME: Per-server and per-tool request counters with cumulative latency.
// ABOUTME: Monotonically increasing except on explicit reset; snapshots feed the status stream.

package metrics

import (
	"sync"
	"time"
)

// ToolSnapshot is a point-in-time copy of one tool's counters.
type ToolSnapshot struct {
	Total          uint64        `json:"total"`
	Success        uint64        `json:"success"`
	Failure        uint64        `json:"failure"`
	AverageLatency time.Duration `json:"average_latency"`
}

// ServerSnapshot is a point-in-time copy of one server's counters, with
// nested per-tool breakdowns.
type ServerSnapshot struct {
	Total          uint64                  `json:"total"`
	Success        uint64                  `json:"success"`
	Failure        uint64                  `json:"failure"`
	AverageLatency time.Duration           `json:"average_latency"`
	Tools          map[string]ToolSnapshot `json:"tools,omitempty"`
}

// counters accumulates request outcomes for one server or tool.
type counters struct {
	total      uint64
	success    uint64
	failure    uint64
	cumLatency time.Duration
}

func (c *counters) record(ok bool, latency time.Duration) {
	c.total++
	if ok {
		c.success++
	} else {
		c.failure++
	}
	c.cumLatency += latency
}

func (c *counters) snapshot() (uint64, uint64, uint64, time.Duration) {
	var avg time.Duration
	if c.total > 0 {
		avg = c.cumLatency / time.Duration(c.total)
	}
	return c.total, c.success, c.failure, avg
}

// serverMetrics holds one server's counters plus nested tool counters.
type serverMetrics struct {
	counters
	tools map[string]*counters
}

// Registry accumulates request metrics keyed by server ID and tool name.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverMetrics
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*serverMetrics)}
}

// Record counts one completed request against serverID. If toolName is
// non-empty the named tool's counters are bumped as well.
func (r *Registry) Record(serverID, toolName string, ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sm := r.servers[serverID]
	if sm == nil {
		sm = &serverMetrics{tools: make(map[string]*counters)}
		r.servers[serverID] = sm
	}
	sm.record(ok, latency)

	if toolName != "" {
		tc := sm.tools[toolName]
		if tc == nil {
			tc = &counters{}
			sm.tools[toolName] = tc
		}
		tc.record(ok, latency)
	}
}

// Snapshot returns a copy of serverID's counters. A server with no recorded
// requests yields a zero snapshot.
func (r *Registry) Snapshot(serverID string) ServerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sm := r.servers[serverID]
	if sm == nil {
		return ServerSnapshot{}
	}
	return snapshotLocked(sm)
}

// SnapshotAll returns copies of every server's counters.
func (r *Registry) SnapshotAll() map[string]ServerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServerSnapshot, len(r.servers))
	for id, sm := range r.servers {
		out[id] = snapshotLocked(sm)
	}
	return out
}

// Reset discards all counters for serverID.
func (r *Registry) Reset(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, serverID)
}

func snapshotLocked(sm *serverMetrics) ServerSnapshot {
	total, success, failure, avg := sm.snapshot()
	snap := ServerSnapshot{
		Total:          total,
		Success:        success,
		Failure:        failure,
		AverageLatency: avg,
	}
	if len(sm.tools) > 0 {
		snap.Tools = make(map[string]ToolSnapshot, len(sm.tools))
		for name, tc := range sm.tools {
			t, s, f, a := tc.snapshot()
			snap.Tools[name] = ToolSnapshot{Total: t, Success: s, Failure: f, AverageLatency: a}
		}
	}
	return snap
}
