package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndSnapshot(t *testing.T) {
	h := NewHub(3)
	h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	h.Publish(WorkerSpawned, map[string]any{"pool": "math", "worker_id": "w1"})
	h.Publish(CallIssued, nil)

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].ID)
	assert.Equal(t, WorkerSpawned, snap[0].Type)
	assert.JSONEq(t, `{"pool":"math","worker_id":"w1"}`, string(snap[0].Data))
	assert.JSONEq(t, `{}`, string(snap[1].Data))
	assert.Equal(t, 2026, snap[0].At.Year())

	assert.Len(t, h.SnapshotSince(1), 1)
}

func TestRingOverwritesOldest(t *testing.T) {
	h := NewHub(2)
	h.Publish(CallIssued, nil)
	h.Publish(CallSettled, nil)
	h.Publish(PoolTerminated, nil)

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, CallSettled, snap[0].Type)
	assert.Equal(t, PoolTerminated, snap[1].Type)
}

func TestSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()

	h.Publish(WorkerExited, map[string]string{"reason": "crash"})

	select {
	case ev := <-ch:
		assert.Equal(t, WorkerExited, ev.Type)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "crash", data["reason"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing with no subscribers must not block.
	h.Publish(WorkerExited, nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 500 {
			h.Publish(CallIssued, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	// The subscriber buffers 128 and never reads.
	assert.Equal(t, int64(500-128), h.Dropped())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(CallIssued, nil)
}
