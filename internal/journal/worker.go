package journal

import (
	"context"
	"log/slog"
)

// Worker drains a queue subscription into the in-memory history ring so
// the history endpoint reflects snapshots regardless of queue backend.
type Worker struct {
	queue   Queue
	history *History
	logger  *slog.Logger
}

// NewWorker wires a queue to a history ring.
func NewWorker(queue Queue, history *History, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, history: history, logger: logger}
}

// Run consumes entries until the context is cancelled or the subscription
// channel closes.
func (w *Worker) Run(ctx context.Context) {
	if w.queue == nil || w.history == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	w.logger.Info("journal worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("journal worker stopped", "reason", ctx.Err())
			return
		case entry, ok := <-sub.Entries():
			if !ok {
				w.logger.Info("journal worker stopped", "reason", "subscription closed")
				return
			}
			w.history.Append(entry)
		}
	}
}
