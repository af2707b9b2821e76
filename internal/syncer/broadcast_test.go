package syncer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotWithStatus(runID uuid.UUID, status Status) Snapshot {
	return Snapshot{
		ID:       runID,
		Status:   status,
		Terminal: status.IsTerminal(),
	}
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	runID := uuid.New()

	ch, cancel := b.Subscribe(runID)
	defer cancel()

	b.Publish(snapshotWithStatus(runID, StatusStarting))
	b.Publish(snapshotWithStatus(runID, StatusAuthenticating))

	first := <-ch
	second := <-ch
	assert.Equal(t, StatusStarting, first.Status)
	assert.Equal(t, StatusAuthenticating, second.Status)
}

func TestBroadcaster_TerminalSnapshotClosesStream(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	runID := uuid.New()

	ch, cancel := b.Subscribe(runID)
	defer cancel()

	b.Publish(snapshotWithStatus(runID, StatusCompleted))

	snap, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, snap.Status)

	_, ok = <-ch
	assert.False(t, ok, "stream should be closed after the terminal snapshot")
}

func TestBroadcaster_SlowSubscriberKeepsLatest(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	runID := uuid.New()

	ch, cancel := b.Subscribe(runID)
	defer cancel()

	// Publish far more snapshots than the buffer holds without reading.
	for i := 0; i < subscriberBuffer*4; i++ {
		b.Publish(snapshotWithStatus(runID, StatusProcessingProfiles))
	}
	b.Publish(snapshotWithStatus(runID, StatusCompleted))

	// Drain; the terminal snapshot must be the last one received.
	var last Snapshot
	for snap := range ch {
		last = snap
	}
	assert.Equal(t, StatusCompleted, last.Status)
	assert.True(t, last.Terminal)
}

func TestBroadcaster_LateSubscriberGetsTerminalSnapshot(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	runID := uuid.New()

	b.Publish(snapshotWithStatus(runID, StatusCancelled))

	ch, cancel := b.Subscribe(runID)
	defer cancel()

	select {
	case snap, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, StatusCancelled, snap.Status)
	case <-time.After(time.Second):
		t.Fatal("expected terminal snapshot for late subscriber")
	}

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcaster_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	runID := uuid.New()

	_, cancel := b.Subscribe(runID)

	assert.NotPanics(t, func() {
		cancel()
		cancel()
	})

	// Publishing after unsubscribe must not panic either.
	assert.NotPanics(t, func() {
		b.Publish(snapshotWithStatus(runID, StatusCompleted))
	})
}

func TestBroadcaster_IndependentRuns(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	runA := uuid.New()
	runB := uuid.New()

	chA, cancelA := b.Subscribe(runA)
	defer cancelA()
	chB, cancelB := b.Subscribe(runB)
	defer cancelB()

	b.Publish(snapshotWithStatus(runA, StatusCompleted))

	snap := <-chA
	assert.Equal(t, runA, snap.ID)

	select {
	case <-chB:
		t.Fatal("run B subscriber should not see run A snapshots")
	default:
	}
}

func TestBroadcaster_Forget(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	runID := uuid.New()

	b.Publish(snapshotWithStatus(runID, StatusCompleted))
	b.Forget(runID)

	ch, cancel := b.Subscribe(runID)
	defer cancel()

	select {
	case <-ch:
		t.Fatal("forgotten run should have no retained snapshot")
	default:
	}
}
