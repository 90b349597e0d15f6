// Package journal records every broadcast snapshot off the live path. A
// Recorder publishes entries to a Queue, a Worker drains the queue into the
// History ring, and the API serves recent entries from there. Delivery is
// best effort; the journal must never slow a mutation down.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"transportsync/internal/observability/metrics"
	"transportsync/internal/transport"
)

// Entry is one journalled transport snapshot.
type Entry struct {
	Snapshot   transport.Snapshot `json:"snapshot"`
	RecordedAt time.Time          `json:"recordedAt"`
}

// Queue fans journal entries out to interested subscribers. The
// implementation is intentionally minimal to support in-memory deployments
// and fakes used in integration tests.
type Queue interface {
	Publish(ctx context.Context, entry Entry) error
	Subscribe() Subscription
}

// Subscription represents an active entry stream.
type Subscription interface {
	Entries() <-chan Entry
	Close()
}

// NewMemoryQueue initialises an in-memory queue suitable for tests and
// single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, entry Entry) error {
	if entry.RecordedAt.IsZero() {
		return errors.New("entry timestamp is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- entry:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the live path
			// responsive. Consumers are expected to drain promptly.
			metrics.ObserveJournalEvent("dropped")
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Entry, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Entry
}

func (s *memorySubscription) Entries() <-chan Entry {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
