package coordinator

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/providers/remote"
)

func TestRunMakesExactlyOneRequestOnGatewayError(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := remote.NewClient(remote.Config{BaseURL: srv.URL, Client: srv.Client()})
	c := newTestCoordinator(t, client)

	if !c.Run("q", domain.RunParams{}) {
		t.Fatal("expected a new task")
	}
	record := waitTerminal(t, c, "q")
	if record.Status != domain.TaskError || record.Error != "Search failed (503)" {
		t.Fatalf("unexpected record %q %q", record.Status, record.Error)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected exactly one outbound request, got %d", got)
	}
}

type blockingObserver struct {
	once     sync.Once
	release  chan struct{}
	started  chan domain.TaskRecord
	finished chan domain.TaskRecord
}

func newBlockingObserver() *blockingObserver {
	return &blockingObserver{
		release:  make(chan struct{}),
		started:  make(chan domain.TaskRecord, 4),
		finished: make(chan domain.TaskRecord, 4),
	}
}

func (o *blockingObserver) unblock() {
	o.once.Do(func() { close(o.release) })
}

func (o *blockingObserver) TaskStarted(record domain.TaskRecord, _ domain.RunParams) {
	<-o.release
	o.started <- record
}

func (o *blockingObserver) TaskFinished(record domain.TaskRecord, _ domain.RunParams) {
	o.finished <- record
}

func TestSlowObserverDoesNotDelayProviderCall(t *testing.T) {
	p := newStubProvider(immediate([]domain.RawResult{{URL: "https://slow.example"}}, nil))
	observer := newBlockingObserver()
	c := newTestCoordinator(t, p, WithRunObserver(observer))
	t.Cleanup(observer.unblock)

	c.Run("slow history", domain.RunParams{UserID: "u-1"})
	select {
	case <-p.started:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("provider call waited on the observer")
	}
	if record := waitTerminal(t, c, "slow history"); record.Status != domain.TaskDone {
		t.Fatalf("expected done while the observer is blocked, got %q", record.Status)
	}

	observer.unblock()
	select {
	case record := <-observer.started:
		if record.Status != domain.TaskRunning {
			t.Fatalf("start event must come first, got %q", record.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start event not delivered")
	}
	select {
	case record := <-observer.finished:
		if record.Status != domain.TaskDone {
			t.Fatalf("unexpected finish status %q", record.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finish event not delivered")
	}
}

type panickingObserver struct {
	finished chan string
}

func (o *panickingObserver) TaskStarted(domain.TaskRecord, domain.RunParams) {
	panic("history store exploded")
}

func (o *panickingObserver) TaskFinished(record domain.TaskRecord, _ domain.RunParams) {
	o.finished <- record.Key
}

func TestObserverPanicDoesNotStopLaterEvents(t *testing.T) {
	p := newStubProvider(immediate(nil, nil))
	observer := &panickingObserver{finished: make(chan string, 1)}
	c := newTestCoordinator(t, p, WithRunObserver(observer))

	c.Run("boom", domain.RunParams{})
	select {
	case key := <-observer.finished:
		if key != "boom" {
			t.Fatalf("unexpected key %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finish event lost after observer panic")
	}
}
