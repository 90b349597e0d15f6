package journal

import (
	"context"
	"log/slog"
	"time"

	"transportsync/internal/observability/metrics"
	"transportsync/internal/transport"
)

const publishTimeout = 2 * time.Second

// Recorder publishes every broadcast snapshot to a journal queue. It
// implements transport.Broadcaster so the store can fan snapshots into the
// journal alongside the live observer hub.
type Recorder struct {
	queue  Queue
	clock  func() time.Time
	logger *slog.Logger
}

// NewRecorder wraps a queue in a Broadcaster. A nil queue yields a recorder
// that drops everything, which keeps wiring simple when journaling is off.
func NewRecorder(queue Queue, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{queue: queue, clock: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// Broadcast records the snapshot. Failures are logged and dropped so the
// journal can never stall a transport mutation.
func (r *Recorder) Broadcast(snapshot transport.Snapshot) {
	if r == nil || r.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	entry := Entry{Snapshot: snapshot, RecordedAt: r.clock()}
	if err := r.queue.Publish(ctx, entry); err != nil {
		r.logger.Warn("journal publish failed", "error", err)
		return
	}
	metrics.ObserveJournalEvent("published")
}
