package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"halfcircuit/searchcoordinator/internal/domain"
)

type fakeRunStore struct {
	mu        sync.Mutex
	recorded  []domain.RecentSearch
	completed []domain.RecentSearch
	err       error
}

func (f *fakeRunStore) Record(_ context.Context, item domain.RecentSearch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, item)
	return f.err
}

func (f *fakeRunStore) Complete(_ context.Context, item domain.RecentSearch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, item)
	return f.err
}

func newTestRecorder(store runStore) *Recorder {
	r := NewRecorder(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.newID = func() string { return "fixed-id" }
	return r
}

func TestRecorderTracksRunsWithUser(t *testing.T) {
	store := &fakeRunStore{}
	r := newTestRecorder(store)
	started := time.Date(2026, 4, 4, 8, 0, 0, 0, time.UTC)
	finished := started.Add(time.Second)
	params := domain.RunParams{UserID: " user-7 "}

	r.TaskStarted(domain.TaskRecord{Key: "go", Status: domain.TaskRunning, StartedAt: started, Generation: 4}, params)
	if len(store.recorded) != 1 || len(store.completed) != 0 {
		t.Fatalf("start must only record, got %d recorded, %d completed", len(store.recorded), len(store.completed))
	}
	r.TaskFinished(domain.TaskRecord{
		Key:        "go",
		Status:     domain.TaskDone,
		Results:    []domain.Result{{ID: 1}, {ID: 2}},
		StartedAt:  started,
		FinishedAt: &finished,
		Generation: 4,
	}, params)

	if len(store.recorded) != 1 || store.recorded[0].ID != "fixed-id" || store.recorded[0].UserID != "user-7" {
		t.Fatalf("unexpected recorded runs %#v", store.recorded)
	}
	if len(store.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(store.completed))
	}
	done := store.completed[0]
	if done.ID != "fixed-id" || done.Status != domain.TaskDone || done.ResultCount != 2 || done.FinishedAt == nil {
		t.Fatalf("unexpected completion %#v", done)
	}

	r.TaskFinished(domain.TaskRecord{Key: "go", Status: domain.TaskDone, Generation: 4}, params)
	if len(store.completed) != 1 {
		t.Fatalf("a run must be completed once, got %d completions", len(store.completed))
	}
}

func TestRecorderIgnoresAnonymousRuns(t *testing.T) {
	store := &fakeRunStore{}
	r := newTestRecorder(store)

	r.TaskStarted(domain.TaskRecord{Key: "anon", Generation: 1}, domain.RunParams{})
	r.TaskFinished(domain.TaskRecord{Key: "anon", Status: domain.TaskDone, Generation: 1}, domain.RunParams{})

	if len(store.recorded) != 0 || len(store.completed) != 0 {
		t.Fatal("runs without a user must not be stored")
	}
}

func TestRecorderSurvivesStoreErrors(t *testing.T) {
	store := &fakeRunStore{err: errors.New("mongo down")}
	r := newTestRecorder(store)
	params := domain.RunParams{UserID: "u"}

	r.TaskStarted(domain.TaskRecord{Key: "q", Generation: 9}, params)
	r.TaskFinished(domain.TaskRecord{Key: "q", Status: domain.TaskError, Error: "boom", Generation: 9}, params)

	if len(store.completed) != 1 || store.completed[0].Error != "boom" {
		t.Fatalf("completion should still be attempted, got %#v", store.completed)
	}
}
