package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// eventBuffer is the subscriber channel capacity. Slow consumers drop
// events rather than stall the workers.
const eventBuffer = 256

// Batch groups the jobs of one logical operation (typically one export)
// under a single credential. A batch settles when every job it accepted
// has reached a terminal state.
type Batch struct {
	ID      uuid.UUID
	AuthKey string

	queue *Queue

	mu          sync.Mutex
	pending     int
	sealed      bool
	canceled    bool
	failures    []Failure
	subscribers []chan Event

	done     chan struct{}
	doneOnce sync.Once
	expired  chan struct{}
	expOnce  sync.Once
}

func newBatch(q *Queue, authKey string) *Batch {
	return &Batch{
		ID:      uuid.New(),
		AuthKey: authKey,
		queue:   q,
		done:    make(chan struct{}),
		expired: make(chan struct{}),
	}
}

// Enqueue submits one fetch job to the batch. Jobs cannot be added after
// Wait or Cancel.
func (b *Batch) Enqueue(kind Kind, url, storeKey string) (uuid.UUID, error) {
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return uuid.Nil, ErrBatchSealed
	}
	if b.canceled {
		b.mu.Unlock()
		return uuid.Nil, ErrBatchCanceled
	}
	b.pending++
	b.mu.Unlock()

	j := &job{
		Job: Job{
			ID:       uuid.New(),
			BatchID:  b.ID,
			AuthKey:  b.AuthKey,
			URL:      url,
			Kind:     kind,
			StoreKey: storeKey,
		},
		batch: b,
	}

	// Emit before handing the job to a worker so subscribers always see
	// queued before started
	b.emit(Event{Type: EventQueued, JobID: j.ID, Kind: kind, StoreKey: storeKey})

	if err := b.queue.submit(j); err != nil {
		b.mu.Lock()
		b.pending--
		b.mu.Unlock()
		b.emit(Event{Type: EventDiscarded, JobID: j.ID, Kind: kind, StoreKey: storeKey, Err: err})
		return uuid.Nil, err
	}

	return j.ID, nil
}

// Events returns a channel of job lifecycle events for this batch. The
// channel is buffered; events are dropped if the consumer falls behind.
// It closes when the batch settles.
func (b *Batch) Events() <-chan Event {
	ch := make(chan Event, eventBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.settledLocked() {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Wait seals the batch and blocks until it settles, the credential's
// session expires, or the context is cancelled. It returns nil only when
// every job succeeded.
func (b *Batch) Wait(ctx context.Context) error {
	b.seal()

	select {
	case <-b.done:
	case <-b.expired:
		// A settled batch reports its final state even after a
		// session expiry that was later resumed
		select {
		case <-b.done:
		default:
			return fmt.Errorf("%w: %s", ErrSessionExpired, b.AuthKey)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.canceled {
		return ErrBatchCanceled
	}
	if n := len(b.failures); n > 0 {
		return fmt.Errorf("%d of batch jobs failed: %w", n, b.failures[0].Err)
	}
	return nil
}

// Cancel seals the batch and discards its unfinished jobs. Results of
// jobs already in flight are thrown away instead of persisted.
func (b *Batch) Cancel() {
	b.mu.Lock()
	if b.canceled {
		b.mu.Unlock()
		return
	}
	b.canceled = true
	b.sealed = true
	b.mu.Unlock()

	// Parked jobs never reach a worker again, settle them here
	b.queue.releaseHeld(b)
}

// Failures returns the terminal failures recorded so far
func (b *Batch) Failures() []Failure {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Failure, len(b.failures))
	copy(out, b.failures)
	return out
}

// Canceled reports whether the batch was canceled
func (b *Batch) Canceled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canceled
}

func (b *Batch) seal() {
	b.mu.Lock()
	b.sealed = true
	settled := b.settledLocked()
	b.mu.Unlock()

	if settled {
		b.finish()
	}
}

// settle moves one job to a terminal state and emits its event
func (b *Batch) settle(j *job, ev Event) {
	b.mu.Lock()
	if ev.Type == EventFailed {
		b.failures = append(b.failures, Failure{Job: j.Job, Err: ev.Err})
	}
	// Emit before the decrement becomes visible: once pending hits zero
	// a sibling worker may close the subscriber channels
	b.emitLocked(ev)
	b.pending--
	settled := b.settledLocked()
	b.mu.Unlock()

	if settled {
		b.finish()
	}
}

// settledLocked reports whether no more work remains. Caller holds b.mu.
func (b *Batch) settledLocked() bool {
	return b.sealed && b.pending == 0
}

// finish closes the done channel and all subscriber channels, exactly once
func (b *Batch) finish() {
	b.doneOnce.Do(func() {
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = nil
		b.mu.Unlock()

		close(b.done)
		for _, ch := range subs {
			close(ch)
		}
	})
}

// markSessionExpired signals Wait and subscribers that the credential died
func (b *Batch) markSessionExpired(ev Event) {
	b.emit(ev)
	b.expOnce.Do(func() { close(b.expired) })
}

// emit delivers an event to every subscriber without blocking
func (b *Batch) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(ev)
}

// emitLocked sends under b.mu so finish cannot close a channel between
// the subscriber snapshot and the send. Caller holds b.mu.
func (b *Batch) emitLocked(ev Event) {
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Consumer fell behind, drop the event
		}
	}
}
