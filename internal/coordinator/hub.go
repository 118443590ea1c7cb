package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/metrics"
)

type subscriber struct {
	id     uint64
	fn     func(domain.Snapshot)
	active atomic.Bool
}

// Hub fans snapshots out to subscribers in registration order. Snapshots are
// queued and drained by one goroutine at a time, so a callback may call back
// into the coordinator without deadlocking and still observes FIFO order.
type Hub struct {
	mu       sync.Mutex
	subs     []*subscriber
	nextID   uint64
	queue    []domain.Snapshot
	draining bool
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger}
}

// Subscribe registers fn and returns a function that removes exactly this
// registration. Calling it more than once is a no-op.
func (h *Hub) Subscribe(fn func(domain.Snapshot)) func() {
	if fn == nil {
		return func() {}
	}

	h.mu.Lock()
	h.nextID++
	sub := &subscriber{id: h.nextID, fn: fn}
	sub.active.Store(true)
	h.subs = append(h.subs, sub)
	count := len(h.subs)
	h.mu.Unlock()
	metrics.Subscribers.Set(float64(count))

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(sub) })
	}
}

func (h *Hub) remove(sub *subscriber) {
	sub.active.Store(false)

	h.mu.Lock()
	for i, candidate := range h.subs {
		if candidate == sub {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			break
		}
	}
	count := len(h.subs)
	h.mu.Unlock()
	metrics.Subscribers.Set(float64(count))
}

// enqueue appends snapshot without delivering it. The coordinator calls it
// while holding its registry lock so queue order matches commit order.
func (h *Hub) enqueue(snapshot domain.Snapshot) {
	h.mu.Lock()
	h.queue = append(h.queue, snapshot)
	h.mu.Unlock()
}

func (h *Hub) flush() {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	for len(h.queue) > 0 {
		snapshot := h.queue[0]
		h.queue[0] = domain.Snapshot{}
		h.queue = h.queue[1:]
		subs := make([]*subscriber, len(h.subs))
		copy(subs, h.subs)
		h.mu.Unlock()

		for _, sub := range subs {
			if !sub.active.Load() {
				continue
			}
			h.deliver(sub, snapshot)
		}

		h.mu.Lock()
	}
	h.queue = nil
	h.draining = false
	h.mu.Unlock()
}

func (h *Hub) deliver(sub *subscriber, snapshot domain.Snapshot) {
	defer func() {
		if recovered := recover(); recovered != nil {
			metrics.SubscriberPanicsTotal.Inc()
			h.logger.Error("subscriber panic recovered",
				slog.Uint64("subscriber", sub.id),
				slog.String("key", snapshot.KeyString()),
				slog.Any("panic", recovered),
			)
		}
	}()
	snapshot.Results = domain.CloneResults(snapshot.Results)
	sub.fn(snapshot)
}

// Watch subscribes a buffered channel. The channel is closed when ctx ends
// or when the subscriber falls behind and its buffer is full.
func (h *Hub) Watch(ctx context.Context, buffer int) <-chan domain.Snapshot {
	if buffer <= 0 {
		buffer = 1
	}
	w := &watcher{ch: make(chan domain.Snapshot, buffer), done: make(chan struct{})}
	unsubscribe := h.Subscribe(w.send)
	w.mu.Lock()
	w.unsubscribe = unsubscribe
	stopped := w.closed
	w.mu.Unlock()
	if stopped {
		unsubscribe()
	}

	go func() {
		select {
		case <-ctx.Done():
			w.stop()
		case <-w.done:
		}
	}()
	return w.ch
}

type watcher struct {
	mu          sync.Mutex
	ch          chan domain.Snapshot
	done        chan struct{}
	closed      bool
	unsubscribe func()
}

func (w *watcher) send(snapshot domain.Snapshot) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	select {
	case w.ch <- snapshot:
		w.mu.Unlock()
		return
	default:
	}
	w.mu.Unlock()
	w.stop()
}

func (w *watcher) stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	close(w.done)
	unsubscribe := w.unsubscribe
	w.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
