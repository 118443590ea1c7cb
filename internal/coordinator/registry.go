package coordinator

import (
	"context"
	"time"

	"halfcircuit/searchcoordinator/internal/domain"
)

type entry struct {
	record domain.TaskRecord
	params domain.RunParams
	cancel context.CancelFunc
}

// registry maps query keys to their current task. It is not safe for
// concurrent use; the Coordinator guards it with its own mutex.
type registry struct {
	entries    map[string]*entry
	generation uint64
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) lookup(key string) (*entry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// running reports whether key has a live task.
func (r *registry) running(key string) bool {
	e, ok := r.entries[key]
	return ok && e.record.Status == domain.TaskRunning
}

// begin replaces whatever record key had with a fresh running one stamped
// with a new generation.
func (r *registry) begin(key string, params domain.RunParams, cancel context.CancelFunc, now time.Time) domain.TaskRecord {
	r.generation++
	record := domain.TaskRecord{
		Key:        key,
		Status:     domain.TaskRunning,
		Results:    []domain.Result{},
		StartedAt:  now,
		Generation: r.generation,
	}
	r.entries[key] = &entry{record: record, params: params, cancel: cancel}
	return record
}

// finish computes the terminal record for the task identified by key and
// generation. It is applied only when that task is still the current running
// entry; otherwise the write is stale and applied is false.
func (r *registry) finish(key string, generation uint64, outcome Outcome, startedAt, now time.Time) (domain.TaskRecord, bool) {
	finishedAt := now
	record := domain.TaskRecord{
		Key:        key,
		Status:     outcome.Status,
		Results:    outcome.Results,
		Error:      outcome.Message,
		StartedAt:  startedAt,
		FinishedAt: &finishedAt,
		Generation: generation,
	}
	if record.Results == nil || outcome.Status != domain.TaskDone {
		record.Results = []domain.Result{}
	}

	e, ok := r.entries[key]
	if !ok || e.record.Generation != generation || e.record.Status != domain.TaskRunning {
		return record, false
	}
	e.record = record
	e.cancel = nil
	return record, true
}

// live returns every entry still in the running state.
func (r *registry) live() []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.record.Status == domain.TaskRunning {
			out = append(out, e)
		}
	}
	return out
}

// clear drops every record and returns the ones that were still running.
func (r *registry) clear() []*entry {
	discarded := r.live()
	r.entries = make(map[string]*entry)
	return discarded
}

func (r *registry) len() int {
	return len(r.entries)
}
