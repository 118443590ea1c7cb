package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/search"
)

const (
	cancelledMessage = "Search cancelled"
	timeoutMessage   = "search timed out"
	fallbackMessage  = "Search failed"
)

// Provider performs one outbound search call.
type Provider interface {
	Search(ctx context.Context, request domain.SearchRequest) ([]domain.RawResult, error)
}

// Outcome is the single terminal report of one runner invocation.
type Outcome struct {
	Status  domain.TaskStatus
	Results []domain.Result
	Message string
}

// Runner executes one search task. A Runner is shared by all tasks of a
// coordinator; the optional semaphore caps how many run at once.
type Runner struct {
	provider     Provider
	timeout      time.Duration
	defaultLimit int
	sem          *semaphore.Weighted
	logger       *slog.Logger
}

func NewRunner(provider Provider, timeout time.Duration, defaultLimit int, maxConcurrent int64, logger *slog.Logger) *Runner {
	if defaultLimit <= 0 {
		defaultLimit = defaultSearchLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	runner := &Runner{
		provider:     provider,
		timeout:      timeout,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
	if maxConcurrent > 0 {
		runner.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return runner
}

// Execute performs exactly one outbound call for key and converts every
// possible ending into an Outcome. It never panics and never returns a
// running status.
func (r *Runner) Execute(ctx context.Context, key string, params domain.RunParams) (outcome Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("search runner panic",
				slog.String("query", truncate(key, 120)),
				slog.Any("panic", recovered),
			)
			outcome = Outcome{
				Status:  domain.TaskError,
				Results: []domain.Result{},
				Message: fallbackMessage,
			}
		}
	}()

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return r.failed(ctx, key, err)
		}
		defer r.sem.Release(1)
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	limit := params.Limit
	if limit <= 0 {
		limit = r.defaultLimit
	}
	startedAt := time.Now()
	raw, err := r.provider.Search(callCtx, domain.SearchRequest{
		Query:  key,
		Limit:  limit,
		UserID: params.UserID,
		Token:  params.Token,
	})
	if err != nil {
		return r.failed(ctx, key, err)
	}

	results := search.Normalize(raw)
	r.logger.Debug("search task completed",
		slog.String("query", truncate(key, 120)),
		slog.Int("raw", len(raw)),
		slog.Int("results", len(results)),
		slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
	)
	return Outcome{Status: domain.TaskDone, Results: results}
}

// failed classifies err. Only cancellation of the task's own context is
// reported as cancelled; an expired per-task timeout is an error.
func (r *Runner) failed(ctx context.Context, key string, err error) Outcome {
	if errors.Is(ctx.Err(), context.Canceled) {
		return Outcome{
			Status:  domain.TaskCancelled,
			Results: []domain.Result{},
			Message: cancelledMessage,
		}
	}

	message := strings.TrimSpace(err.Error())
	var providerErr *domain.ProviderError
	switch {
	case errors.As(err, &providerErr):
		message = providerErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		message = timeoutMessage
	case errors.Is(err, context.Canceled):
		// The provider aborted on its own; the task itself was not cancelled.
		message = fallbackMessage
	}
	if message == "" {
		message = fallbackMessage
	}

	r.logger.Warn("search task failed",
		slog.String("query", truncate(key, 120)),
		slog.String("error", truncate(err.Error(), 300)),
	)
	return Outcome{
		Status:  domain.TaskError,
		Results: []domain.Result{},
		Message: message,
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
