// ABOUTME: Tests for the metrics registry counters and snapshots.
// ABOUTME: Covers per-tool nesting, average latency, reset, and concurrent recording.

package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_RecordAndSnapshot(t *testing.T) {
	r := NewRegistry()

	r.Record("s1", "echo", true, 100*time.Millisecond)
	r.Record("s1", "echo", false, 300*time.Millisecond)
	r.Record("s1", "", true, 200*time.Millisecond)

	snap := r.Snapshot("s1")
	assert.Equal(t, uint64(3), snap.Total)
	assert.Equal(t, uint64(2), snap.Success)
	assert.Equal(t, uint64(1), snap.Failure)
	assert.Equal(t, 200*time.Millisecond, snap.AverageLatency)

	echo := snap.Tools["echo"]
	assert.Equal(t, uint64(2), echo.Total)
	assert.Equal(t, uint64(1), echo.Success)
	assert.Equal(t, uint64(1), echo.Failure)
}

func TestRegistry_UnknownServerIsZero(t *testing.T) {
	r := NewRegistry()
	snap := r.Snapshot("nope")
	assert.Zero(t, snap.Total)
	assert.Nil(t, snap.Tools)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry()
	r.Record("s1", "echo", true, time.Millisecond)
	r.Record("s2", "", true, time.Millisecond)

	r.Reset("s1")

	assert.Zero(t, r.Snapshot("s1").Total)
	assert.Equal(t, uint64(1), r.Snapshot("s2").Total)
}

func TestRegistry_SnapshotAll(t *testing.T) {
	r := NewRegistry()
	r.Record("s1", "", true, time.Millisecond)
	r.Record("s2", "", false, time.Millisecond)

	all := r.SnapshotAll()
	assert.Len(t, all, 2)
	assert.Equal(t, uint64(1), all["s2"].Failure)
}

func TestRegistry_ConcurrentRecording(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Record("s1", "echo", true, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), r.Snapshot("s1").Total)
}
