package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/metrics"
)

const defaultSearchLimit = 10

// RunObserver is notified of every task start and finish, including tasks
// whose result was discarded as stale. Calls are made from a single
// dedicated goroutine in the order the events happened, never from a runner.
type RunObserver interface {
	TaskStarted(record domain.TaskRecord, params domain.RunParams)
	TaskFinished(record domain.TaskRecord, params domain.RunParams)
}

// Coordinator owns the task registry. It launches at most one runner per
// query key and broadcasts every state transition through its Hub.
type Coordinator struct {
	mu       sync.Mutex
	registry *registry
	hub      *Hub
	runner   *Runner
	observer RunObserver
	events   *observerQueue
	now      func() time.Time
	logger   *slog.Logger

	timeout       time.Duration
	defaultLimit  int
	maxConcurrent int64

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds each outbound call. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout >= 0 {
			c.timeout = timeout
		}
	}
}

// WithMaxConcurrent caps how many runners may call the provider at once.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrent = int64(n)
		}
	}
}

func WithDefaultLimit(limit int) Option {
	return func(c *Coordinator) {
		if limit > 0 {
			c.defaultLimit = limit
		}
	}
}

func WithRunObserver(observer RunObserver) Option {
	return func(c *Coordinator) {
		c.observer = observer
	}
}

func New(provider Provider, opts ...Option) *Coordinator {
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		registry:     newRegistry(),
		now:          time.Now,
		logger:       slog.Default(),
		timeout:      30 * time.Second,
		defaultLimit: defaultSearchLimit,
		base:         base,
		baseCancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hub = NewHub(c.logger)
	if c.observer != nil {
		c.events = newObserverQueue(c.observer, c.logger)
	}
	c.runner = NewRunner(provider, c.timeout, c.defaultLimit, c.maxConcurrent, c.logger)
	return c
}

// Key trims query into the registry key.
func Key(query string) string {
	return strings.TrimSpace(query)
}

// Run starts a search for query unless one is already running for the same
// key. It never blocks on the outbound call and reports whether a new task
// was started.
func (c *Coordinator) Run(query string, params domain.RunParams) bool {
	key := Key(query)
	if key == "" {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.registry.running(key) {
		c.mu.Unlock()
		metrics.TasksDeduplicatedTotal.Inc()
		c.logger.Debug("search task already running", slog.String("query", truncate(key, 120)))
		return false
	}
	ctx, cancel := context.WithCancel(c.base)
	record := c.registry.begin(key, params, cancel, c.now())
	c.hub.enqueue(domain.SnapshotOf(record))
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.TasksStartedTotal.Inc()
	metrics.TasksRunning.Inc()
	c.logger.Info("search task started",
		slog.String("query", truncate(key, 120)),
		slog.Uint64("generation", record.Generation),
	)
	c.hub.flush()

	go c.execute(ctx, cancel, record, params)
	return true
}

func (c *Coordinator) execute(ctx context.Context, cancel context.CancelFunc, started domain.TaskRecord, params domain.RunParams) {
	defer c.wg.Done()
	defer cancel()

	c.notify(runEvent{record: started, params: params})

	outcome := c.runner.Execute(ctx, started.Key, params)

	c.mu.Lock()
	finished, applied := c.registry.finish(started.Key, started.Generation, outcome, started.StartedAt, c.now())
	if applied {
		c.hub.enqueue(domain.SnapshotOf(finished))
	}
	c.mu.Unlock()

	if applied {
		metrics.TasksRunning.Dec()
		metrics.TasksFinishedTotal.WithLabelValues(string(finished.Status)).Inc()
		c.logger.Info("search task finished",
			slog.String("query", truncate(started.Key, 120)),
			slog.String("status", string(finished.Status)),
			slog.Int("results", len(finished.Results)),
		)
		c.hub.flush()
	} else {
		metrics.TasksStaleTotal.Inc()
		c.logger.Debug("stale search result discarded",
			slog.String("query", truncate(started.Key, 120)),
			slog.Uint64("generation", started.Generation),
			slog.String("status", string(finished.Status)),
		)
	}

	c.notify(runEvent{finished: true, record: finished, params: params})
}

func (c *Coordinator) notify(event runEvent) {
	if c.events != nil {
		c.events.push(event)
	}
}

// Cancel requests cancellation of the running task for query, if any.
func (c *Coordinator) Cancel(query string) {
	key := Key(query)
	if key == "" {
		return
	}
	c.mu.Lock()
	e, ok := c.registry.lookup(key)
	var cancel context.CancelFunc
	if ok && e.record.Status == domain.TaskRunning {
		cancel = e.cancel
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAll requests cancellation of every running task.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	cancels := cancelFuncs(c.registry.live())
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func cancelFuncs(entries []*entry) []context.CancelFunc {
	out := make([]context.CancelFunc, 0, len(entries))
	for _, e := range entries {
		if e.cancel != nil {
			out = append(out, e.cancel)
		}
	}
	return out
}

// State returns a copy of the current record for query. The boolean is false
// when no task exists for the key.
func (c *Coordinator) State(query string) (domain.TaskRecord, bool) {
	key := Key(query)
	if key == "" {
		return domain.TaskRecord{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.registry.lookup(key)
	if !ok {
		return domain.TaskRecord{}, false
	}
	record := e.record
	record.Results = domain.CloneResults(e.record.Results)
	if e.record.FinishedAt != nil {
		finishedAt := *e.record.FinishedAt
		record.FinishedAt = &finishedAt
	}
	return record, true
}

// Len returns the number of task records held, running or terminal.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.len()
}

func (c *Coordinator) Subscribe(fn func(domain.Snapshot)) func() {
	return c.hub.Subscribe(fn)
}

// Watch streams snapshots on a channel until ctx ends. See Hub.Watch.
func (c *Coordinator) Watch(ctx context.Context, buffer int) <-chan domain.Snapshot {
	return c.hub.Watch(ctx, buffer)
}

// ResetAll discards every record and publishes a reset notification with a
// nil key. Tasks still running are cancelled; their results can no longer be
// recorded.
func (c *Coordinator) ResetAll() {
	c.mu.Lock()
	discarded := c.registry.clear()
	cancels := cancelFuncs(discarded)
	c.hub.enqueue(domain.ResetSnapshot())
	c.mu.Unlock()

	if len(discarded) > 0 {
		metrics.TasksRunning.Sub(float64(len(discarded)))
	}
	for _, cancel := range cancels {
		cancel()
	}
	c.logger.Info("search tasks reset", slog.Int("cancelled", len(discarded)))
	c.hub.flush()
}

// Close cancels every task, stops accepting new ones and waits for runners
// and pending observer events to finish, or for ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.baseCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		if c.events != nil {
			c.events.close()
			<-c.events.done
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
