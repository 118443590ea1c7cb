package coordinator

import (
	"log/slog"
	"sync"

	"halfcircuit/searchcoordinator/internal/domain"
)

type runEvent struct {
	finished bool
	record   domain.TaskRecord
	params   domain.RunParams
}

// observerQueue feeds a RunObserver from its own goroutine. Events are
// delivered in push order and push never waits on the observer.
type observerQueue struct {
	observer RunObserver
	logger   *slog.Logger

	mu      sync.Mutex
	pending []runEvent
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newObserverQueue(observer RunObserver, logger *slog.Logger) *observerQueue {
	q := &observerQueue{
		observer: observer,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *observerQueue) push(event runEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, event)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Events already queued are still delivered;
// done is closed once they have been.
func (q *observerQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *observerQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, event := range batch {
			q.dispatch(event)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *observerQueue) dispatch(event runEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("run observer panic recovered",
				slog.String("query", truncate(event.record.Key, 120)),
				slog.Bool("finished", event.finished),
				slog.Any("panic", recovered),
			)
		}
	}()
	if event.finished {
		q.observer.TaskFinished(event.record, event.params)
		return
	}
	q.observer.TaskStarted(event.record, event.params)
}
