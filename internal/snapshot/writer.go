package snapshot

import (
	"context"
	"log/slog"
	"time"

	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/metrics"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 3 * time.Second
)

// Writer persists coordinator snapshots off the publishing goroutine.
// Observe is meant to be passed to Coordinator.Subscribe; Run drains the
// queue until its context ends.
type Writer struct {
	store  *Store
	queue  chan domain.Snapshot
	logger *slog.Logger
}

func NewWriter(store *Store, queueSize int, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:  store,
		queue:  make(chan domain.Snapshot, queueSize),
		logger: logger,
	}
}

// Observe queues done and reset snapshots. It never blocks; when the queue is
// full the snapshot is dropped.
func (w *Writer) Observe(snapshot domain.Snapshot) {
	if snapshot.Status != domain.TaskDone && snapshot.Status != domain.TaskReset {
		return
	}
	select {
	case w.queue <- snapshot:
	default:
		metrics.SnapshotWritesTotal.WithLabelValues("dropped").Inc()
		w.logger.Warn("snapshot queue full, dropping", slog.String("key", snapshot.KeyString()))
	}
}

func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-w.queue:
			w.write(ctx, snapshot)
		}
	}
}

func (w *Writer) write(parent context.Context, snapshot domain.Snapshot) {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()

	if snapshot.Status == domain.TaskReset {
		deleted, err := w.store.Clear(ctx)
		if err != nil {
			metrics.SnapshotWritesTotal.WithLabelValues("error").Inc()
			w.logger.Warn("snapshot clear failed", slog.String("error", err.Error()))
			return
		}
		metrics.SnapshotWritesTotal.WithLabelValues("cleared").Inc()
		w.logger.Debug("snapshots cleared", slog.Int("deleted", deleted))
		return
	}

	if err := w.store.Save(ctx, snapshot); err != nil {
		metrics.SnapshotWritesTotal.WithLabelValues("error").Inc()
		w.logger.Warn("snapshot save failed",
			slog.String("key", snapshot.KeyString()),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.SnapshotWritesTotal.WithLabelValues("ok").Inc()
}
