package history

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"halfcircuit/searchcoordinator/internal/domain"
)

const recordTimeout = 3 * time.Second

type runStore interface {
	Record(ctx context.Context, item domain.RecentSearch) error
	Complete(ctx context.Context, item domain.RecentSearch) error
}

// Recorder turns coordinator task events into history documents. Only runs
// that carry a user id are recorded.
type Recorder struct {
	store  runStore
	logger *slog.Logger
	newID  func() string

	mu   sync.Mutex
	runs map[uint64]string
}

func NewRecorder(store runStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		newID:  uuid.NewString,
		runs:   make(map[uint64]string),
	}
}

func (r *Recorder) TaskStarted(record domain.TaskRecord, params domain.RunParams) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return
	}
	id := r.newID()
	r.mu.Lock()
	r.runs[record.Generation] = id
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := r.store.Record(ctx, domain.RecentSearch{
		ID:        id,
		UserID:    userID,
		Query:     record.Key,
		Status:    record.Status,
		StartedAt: record.StartedAt,
	})
	if err != nil {
		r.logger.Warn("recent search record failed",
			slog.String("userId", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Recorder) TaskFinished(record domain.TaskRecord, params domain.RunParams) {
	r.mu.Lock()
	id, ok := r.runs[record.Generation]
	delete(r.runs, record.Generation)
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := r.store.Complete(ctx, domain.RecentSearch{
		ID:          id,
		UserID:      strings.TrimSpace(params.UserID),
		Query:       record.Key,
		Status:      record.Status,
		StartedAt:   record.StartedAt,
		FinishedAt:  record.FinishedAt,
		ResultCount: len(record.Results),
		Error:       record.Error,
	})
	if err != nil {
		r.logger.Warn("recent search complete failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}
