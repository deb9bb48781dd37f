// ABOUTME: Tests for the status broadcaster fan-out and snapshot-on-subscribe behavior.
// ABOUTME: Covers slow-subscriber drops, unsubscribe cleanup, and the periodic metrics push.

package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/metrics"
)

func staticSnapshot(servers ...ServerStatus) SnapshotFunc {
	return func() []ServerStatus { return servers }
}

func TestBroadcaster_SnapshotOnSubscribe(t *testing.T) {
	b := NewBroadcaster(staticSnapshot(
		ServerStatus{ServerID: "s1", State: "connected", ToolCount: 3},
		ServerStatus{ServerID: "s2", State: "disconnected"},
	), nil, 0, nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())

	ev := <-ch
	require.Equal(t, EventSnapshot, ev.Type)
	require.Len(t, ev.Servers, 2)
	assert.Equal(t, "s1", ev.Servers[0].ServerID)
	assert.Equal(t, 3, ev.Servers[0].ToolCount)
}

func TestBroadcaster_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(staticSnapshot(), nil, 0, nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())
	<-ch1 // drain snapshots
	<-ch2

	b.PublishServerStatus(ServerStatus{ServerID: "s1", State: "connected"})

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventServerStatus, ev.Type)
			assert.Equal(t, "s1", ev.ServerID)
			assert.Equal(t, "connected", ev.Server.State)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBroadcaster_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBroadcaster(staticSnapshot(), nil, 0, nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())

	// Overfill without draining: publishes must not block.
	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 2 {
			b.PublishCircuitState("s1", "open")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	_ = ch
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(staticSnapshot(), nil, 0, nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context())
	<-ch
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(subID)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_ContextCancelCleansUp(t *testing.T) {
	b := NewBroadcaster(staticSnapshot(), nil, 0, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx)
	<-ch

	cancel()
	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_MetricsEveryN(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Record("s1", "echo", true, 10*time.Millisecond)

	b := NewBroadcaster(staticSnapshot(), reg.SnapshotAll, 5, nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())
	<-ch

	for range 4 {
		b.NoteRequest()
	}
	select {
	case ev := <-ch:
		t.Fatalf("metrics pushed early: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	b.NoteRequest() // fifth request triggers the summary

	select {
	case ev := <-ch:
		require.Equal(t, EventMetrics, ev.Type)
		require.Contains(t, ev.Metrics, "s1")
		assert.Equal(t, uint64(1), ev.Metrics["s1"].Total)
	case <-time.After(time.Second):
		t.Fatal("metrics summary never arrived")
	}
}
