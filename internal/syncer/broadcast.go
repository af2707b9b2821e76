package syncer

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber channel capacity. When a slow
// subscriber falls behind, older snapshots are dropped in favor of
// newer ones; the terminal snapshot is always delivered.
const subscriberBuffer = 16

// Broadcaster fans out run snapshots to any number of subscribers.
// There is exactly one producer per run (its coordinator worker) and
// arbitrarily many consumers. Intermediate snapshots may be coalesced
// under load; the stream is not a replay log.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan Snapshot]struct{}

	// final holds the terminal snapshot of finished runs, so a
	// subscriber attaching after the end still observes the terminal
	// state instead of blocking forever.
	final map[uuid.UUID]Snapshot
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:  make(map[uuid.UUID]map[chan Snapshot]struct{}),
		final: make(map[uuid.UUID]Snapshot),
	}
}

// Subscribe attaches to the run's snapshot stream. Delivery starts at
// the moment of subscription; late joiners should pair this with a
// GetProgress snapshot. The returned cancel function detaches the
// subscriber and is safe to call more than once.
//
// If the run has already reached a terminal status, the returned
// channel yields the terminal snapshot and is then closed.
func (b *Broadcaster) Subscribe(runID uuid.UUID) (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Snapshot, subscriberBuffer)

	if snap, done := b.final[runID]; done {
		ch <- snap
		close(ch)
		return ch, func() {}
	}

	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan Snapshot]struct{})
	}
	b.subs[runID][ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[runID]; ok {
			if _, member := set[ch]; member {
				delete(set, ch)
				close(ch)
			}
		}
	}

	return ch, cancel
}

// Publish delivers a snapshot to every subscriber of its run. A full
// subscriber buffer drops the oldest pending snapshot (latest wins).
// Publishing a terminal snapshot closes all subscriber channels and
// retains the snapshot for post-terminal subscribers.
func (b *Broadcaster) Publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[snap.ID] {
		deliver(ch, snap)
	}

	if snap.Terminal {
		b.final[snap.ID] = snap
		for ch := range b.subs[snap.ID] {
			close(ch)
		}
		delete(b.subs, snap.ID)
	}
}

// Forget drops the retained terminal snapshot for a run. Called when
// the coordinator purges a run from its registry.
func (b *Broadcaster) Forget(runID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.final, runID)
}

// deliver pushes snap onto ch without blocking the producer.
func deliver(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
			// Buffer full: drop the oldest pending snapshot and retry.
			select {
			case <-ch:
			default:
			}
		}
	}
}
