package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/metrics"
)

const (
	failureThreshold = 3
	blockBase        = 30 * time.Second
	blockMax         = 5 * time.Minute
)

// healthTracker is a small circuit breaker for the search API: after
// failureThreshold consecutive transport failures calls fail fast until the
// block expires. Cancellations and provider-reported errors do not count.
type healthTracker struct {
	mu                  sync.Mutex
	now                 func() time.Time
	consecutiveFailures int
	blockedUntil        time.Time
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	lastQuery           string
	totalRequests       int64
	totalFailures       int64
	timeoutCount        int64
}

func newHealthTracker(now func() time.Time) *healthTracker {
	return &healthTracker{now: now}
}

func (h *healthTracker) blocked() (bool, time.Time, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.blockedUntil.IsZero() || h.now().After(h.blockedUntil) {
		return false, time.Time{}, ""
	}
	return true, h.blockedUntil, h.lastError
}

func (h *healthTracker) record(query string, err error, latency time.Duration) {
	if isCancellation(err) {
		metrics.ProviderRequestsTotal.WithLabelValues("cancelled").Inc()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.totalRequests++
	h.lastQuery = strings.TrimSpace(query)
	if latency > 0 {
		h.lastLatency = latency
		metrics.ProviderRequestDuration.Observe(latency.Seconds())
	}
	h.lastTimeout = isTimeoutLikeError(err)
	if h.lastTimeout {
		h.timeoutCount++
	}

	if err == nil || errors.Is(err, domain.ErrProvider) {
		h.consecutiveFailures = 0
		h.blockedUntil = time.Time{}
		h.lastError = ""
		h.lastSuccessAt = now
		status := "ok"
		if err != nil {
			status = "provider_error"
		}
		metrics.ProviderRequestsTotal.WithLabelValues(status).Inc()
		metrics.ProviderAvailable.Set(1)
		return
	}

	h.consecutiveFailures++
	h.totalFailures++
	h.lastFailureAt = now
	h.lastError = err.Error()

	status := "error"
	if h.lastTimeout {
		status = "timeout"
	}
	metrics.ProviderRequestsTotal.WithLabelValues(status).Inc()

	if h.consecutiveFailures >= failureThreshold {
		h.blockedUntil = now.Add(exponentialBlockDuration(h.consecutiveFailures))
		metrics.ProviderAvailable.Set(0)
	}
}

// exponentialBlockDuration: blockBase × 2^(failures - threshold), capped at blockMax.
func exponentialBlockDuration(consecutiveFailures int) time.Duration {
	exponent := consecutiveFailures - failureThreshold
	if exponent < 0 {
		exponent = 0
	}
	d := blockBase
	for i := 0; i < exponent; i++ {
		d *= 2
		if d > blockMax {
			return blockMax
		}
	}
	return d
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}

func (h *healthTracker) diagnostics() domain.ProviderDiagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()

	item := domain.ProviderDiagnostics{
		ConsecutiveFailures: h.consecutiveFailures,
		LastError:           h.lastError,
		LastLatencyMS:       h.lastLatency.Milliseconds(),
		LastTimeout:         h.lastTimeout,
		LastQuery:           h.lastQuery,
		TotalRequests:       h.totalRequests,
		TotalFailures:       h.totalFailures,
		TimeoutCount:        h.timeoutCount,
	}
	if !h.blockedUntil.IsZero() && h.now().Before(h.blockedUntil) {
		blockedUntil := h.blockedUntil
		item.BlockedUntil = &blockedUntil
	}
	if !h.lastSuccessAt.IsZero() {
		lastSuccessAt := h.lastSuccessAt
		item.LastSuccessAt = &lastSuccessAt
	}
	if !h.lastFailureAt.IsZero() {
		lastFailureAt := h.lastFailureAt
		item.LastFailureAt = &lastFailureAt
	}
	item.Available = item.BlockedUntil == nil
	return item
}
