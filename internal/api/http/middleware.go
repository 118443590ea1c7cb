package apihttp

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"halfcircuit/searchcoordinator/internal/metrics"
)

// statusRecorder remembers what a handler wrote. It keeps Flush and Hijack
// reachable so /events and /ws work through the middleware stack.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

func (rec *statusRecorder) Flush() {
	if flusher, ok := rec.ResponseWriter.(http.Flusher); ok {
		rec.wroteHeader = true
		flusher.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	rec.wroteHeader = true
	rec.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

type routeInfo struct {
	label       string
	healthCheck bool
	streaming   bool
}

var knownRoutes = map[string]routeInfo{
	"/health":           {label: "/health", healthCheck: true},
	"/metrics":          {label: "/metrics", healthCheck: true},
	"/tasks":            {label: "/tasks"},
	"/tasks/cancel-all": {label: "/tasks/cancel-all"},
	"/tasks/reset":      {label: "/tasks/reset"},
	"/events":           {label: "/events", streaming: true},
	"/ws":               {label: "/ws", streaming: true},
}

// classifyRoute maps a request path onto a bounded set of metric labels.
func classifyRoute(path string) routeInfo {
	if info, ok := knownRoutes[path]; ok {
		return info
	}
	if strings.HasPrefix(path, "/recent/") {
		return routeInfo{label: "/recent"}
	}
	return routeInfo{label: "/other"}
}

func normalizeRoute(path string) string {
	return classifyRoute(path).label
}

// observeMiddleware records request metrics and writes one log line per
// request. Health and metrics scrapes log at debug. Streams log when the
// client goes away.
func observeMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := classifyRoute(r.URL.Path)
		rec := record(w)
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		if route.label != "/metrics" {
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route.label, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route.label).Observe(elapsed.Seconds())
		}

		msg := "http request"
		if route.streaming {
			msg = "http stream closed"
		}
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route.label),
			slog.Int("status", rec.status),
			slog.Int("bytes", rec.bytes),
			slog.Int64("durationMs", elapsed.Milliseconds()),
			slog.String("clientIP", clientIP(r)),
		}
		if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
			attrs = append(attrs, slog.String("query", truncate(q, 120)))
		}
		logger.LogAttrs(r.Context(), requestLogLevel(route, rec.status), msg, attrs...)
	})
}

func requestLogLevel(route routeInfo, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400 && status != http.StatusNotFound:
		return slog.LevelWarn
	case route.healthCheck:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// recoveryMiddleware turns a handler panic into a 500 envelope. When the
// handler already started a response, only the log line is written.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := record(w)
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			logger.Error("handler panic recovered",
				slog.Any("panic", recovered),
				slog.String("method", r.Method),
				slog.String("route", normalizeRoute(r.URL.Path)),
				slog.String("stack", string(debug.Stack())),
			)
			if !rec.wroteHeader {
				writeError(rec, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

// rateLimitMiddleware shares one token bucket across all callers. Health and
// metrics scrapes are never limited. A non-positive rps disables the bucket.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	if rps <= 0 {
		return next
	}
	limiter := rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if classifyRoute(r.URL.Path).healthCheck || limiter.Allow() {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func clientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func truncate(value string, limit int) string {
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
