package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/snapshot"
)

// TaskService is the coordinator surface exposed over HTTP.
type TaskService interface {
	Run(query string, params domain.RunParams) bool
	Cancel(query string)
	CancelAll()
	State(query string) (domain.TaskRecord, bool)
	Subscribe(fn func(domain.Snapshot)) func()
	Watch(ctx context.Context, buffer int) <-chan domain.Snapshot
	ResetAll()
	Len() int
}

type SnapshotReader interface {
	Last(ctx context.Context, key string) (snapshot.Entry, bool, error)
}

type HistoryService interface {
	ListRecent(ctx context.Context, userID string, limit int) ([]domain.RecentSearch, error)
	Delete(ctx context.Context, userID, id string) error
	Clear(ctx context.Context, userID string) (int64, error)
}

type DiagnosticsSource interface {
	Diagnostics() domain.ProviderDiagnostics
}

type Server struct {
	tasks       TaskService
	snapshots   SnapshotReader
	history     HistoryService
	diagnostics DiagnosticsSource
	logger      *slog.Logger
	rateRPS     float64
	rateBurst   int
	eventsBuf   int

	wsHub       *wsHub
	unsubscribe func()
	closeOnce   sync.Once
}

type runTaskRequest struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type runTaskResponse struct {
	Key     string `json:"key"`
	Started bool   `json:"started"`
}

type taskResponse struct {
	domain.TaskRecord
	Source string `json:"source"`
}

const (
	maxQueryLength   = 500
	maxLimit         = 100
	eventsBufferSize = 64
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithSnapshots(reader SnapshotReader) ServerOption {
	return func(s *Server) {
		s.snapshots = reader
	}
}

func WithHistory(history HistoryService) ServerOption {
	return func(s *Server) {
		s.history = history
	}
}

func WithDiagnostics(source DiagnosticsSource) ServerOption {
	return func(s *Server) {
		s.diagnostics = source
	}
}

// WithRateLimit sets the global token bucket. A non-positive rps disables it.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

// WithEventsBuffer sets how many snapshots an /events stream may fall behind
// before it is closed.
func WithEventsBuffer(size int) ServerOption {
	return func(s *Server) {
		if size > 0 {
			s.eventsBuf = size
		}
	}
}

func NewServer(tasks TaskService, options ...ServerOption) *Server {
	server := &Server{
		tasks:     tasks,
		logger:    slog.Default(),
		rateRPS:   50,
		rateBurst: 100,
		eventsBuf: eventsBufferSize,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}

	server.wsHub = newWSHub(server.logger)
	go server.wsHub.run()
	if tasks != nil {
		server.unsubscribe = tasks.Subscribe(func(s domain.Snapshot) {
			server.wsHub.Broadcast("snapshot", s)
		})
	}
	return server
}

// Close detaches the websocket hub from the coordinator and disconnects all
// websocket clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.wsHub.Close()
	})
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/cancel-all", s.handleCancelAll)
	mux.HandleFunc("/tasks/reset", s.handleReset)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /recent/{userId}", s.handleRecentList)
	mux.HandleFunc("DELETE /recent/{userId}", s.handleRecentClear)
	mux.HandleFunc("DELETE /recent/{userId}/{id}", s.handleRecentDelete)
	traced := otelhttp.NewHandler(mux, "search-coordinator",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !classifyRoute(r.URL.Path).healthCheck
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, observeMiddleware(s.logger, traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}
	if s.tasks != nil {
		payload["tasks"] = s.tasks.Len()
	}
	if s.diagnostics != nil {
		diag := s.diagnostics.Diagnostics()
		payload["provider"] = diag
		if !diag.Available {
			payload["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/tasks" {
		http.NotFound(w, r)
		return
	}
	if s.tasks == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "task service is not configured")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleRunTask(w, r)
	case http.MethodGet:
		s.handleTaskState(w, r)
	case http.MethodDelete:
		s.handleCancelTask(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var body runTaskRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key := strings.TrimSpace(body.Query)
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", domain.ErrInvalidQuery.Error())
		return
	}
	if len(key) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	if body.Limit < 0 || body.Limit > maxLimit {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	started := s.tasks.Run(key, domain.RunParams{
		UserID: strings.TrimSpace(body.UserID),
		Token:  bearerToken(r),
		Limit:  body.Limit,
	})
	writeJSON(w, http.StatusAccepted, runTaskResponse{Key: key, Started: started})
}

func (s *Server) handleTaskState(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("q"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", domain.ErrInvalidQuery.Error())
		return
	}
	if record, ok := s.tasks.State(key); ok {
		writeJSON(w, http.StatusOK, taskResponse{TaskRecord: record, Source: "registry"})
		return
	}
	if s.snapshots != nil {
		entry, ok, err := s.snapshots.Last(r.Context(), key)
		if err != nil {
			s.logger.Warn("snapshot lookup failed",
				slog.String("query", truncate(key, 80)),
				slog.String("error", err.Error()),
			)
		} else if ok {
			writeJSON(w, http.StatusOK, taskResponse{TaskRecord: recordFromEntry(key, entry), Source: "snapshot"})
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "no task for query")
}

func recordFromEntry(key string, entry snapshot.Entry) domain.TaskRecord {
	savedAt := entry.SavedAt
	record := domain.TaskRecord{
		Key:        key,
		Status:     entry.Snapshot.Status,
		Results:    domain.CloneResults(entry.Snapshot.Results),
		Error:      entry.Snapshot.ErrorString(),
		FinishedAt: &savedAt,
	}
	return record
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("q"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", domain.ErrInvalidQuery.Error())
		return
	}
	s.tasks.Cancel(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "task service is not configured")
		return
	}
	s.tasks.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "task service is not configured")
		return
	}
	s.tasks.ResetAll()
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams snapshots as server-sent events. With ?q= only that
// key's snapshots (and resets) are sent, preceded by its current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "task service is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("q"))

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := s.tasks.Watch(ctx, s.eventsBuf)

	bootstrap := map[string]any{"status": "subscribed"}
	if filter != "" {
		bootstrap["key"] = filter
		if record, ok := s.tasks.State(filter); ok {
			bootstrap["task"] = record
		}
	}
	if err := writeSSEEvent(w, flusher, "bootstrap", bootstrap); err != nil {
		return // Client disconnected
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, flusher, "error", map[string]any{"message": "subscriber too slow"})
				return
			}
			if filter != "" && snap.Key != nil && *snap.Key != filter {
				continue
			}
			if err := writeSSEEvent(w, flusher, "snapshot", snap); err != nil {
				return // Client disconnected
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if !s.wsHub.add(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleRecentList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "search history is not configured")
		return
	}
	userID := strings.TrimSpace(r.PathValue("userId"))
	limit, err := parsePositiveInt(r, "limit", 20)
	if err != nil || limit > maxLimit {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	items, err := s.history.ListRecent(r.Context(), userID, limit)
	if err != nil {
		s.writeHistoryError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleRecentDelete(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "search history is not configured")
		return
	}
	userID := strings.TrimSpace(r.PathValue("userId"))
	id := strings.TrimSpace(r.PathValue("id"))
	if err := s.history.Delete(r.Context(), userID, id); err != nil {
		s.writeHistoryError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecentClear(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "search history is not configured")
		return
	}
	userID := strings.TrimSpace(r.PathValue("userId"))
	deleted, err := s.history.Clear(r.Context(), userID)
	if err != nil {
		s.writeHistoryError(w, "clear", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) writeHistoryError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "recent search not found")
		return
	}
	s.logger.Warn("search history request failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "internal_error", "search history unavailable")
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
