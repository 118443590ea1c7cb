package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "halfcircuit/searchcoordinator/internal/api/http"
	"halfcircuit/searchcoordinator/internal/app"
	"halfcircuit/searchcoordinator/internal/coordinator"
	"halfcircuit/searchcoordinator/internal/history"
	"halfcircuit/searchcoordinator/internal/metrics"
	"halfcircuit/searchcoordinator/internal/providers/remote"
	"halfcircuit/searchcoordinator/internal/search"
	"halfcircuit/searchcoordinator/internal/snapshot"
	"halfcircuit/searchcoordinator/internal/telemetry"
)

const serviceName = "search-coordinator"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("searchAPI", cfg.SearchAPIBase),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Int("defaultLimit", cfg.DefaultLimit),
		slog.Int("maxConcurrent", cfg.MaxConcurrent),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("snapshotDisabled", cfg.SnapshotDisabled),
		slog.Bool("hasMongo", strings.TrimSpace(cfg.MongoURI) != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retry := search.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryAttempts
	client := remote.NewClient(remote.Config{
		BaseURL:   cfg.SearchAPIBase,
		UserAgent: cfg.UserAgent,
		Client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Retry:     &retry,
	})

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithTimeout(cfg.RequestTimeout),
		coordinator.WithDefaultLimit(cfg.DefaultLimit),
		coordinator.WithMaxConcurrent(cfg.MaxConcurrent),
	}
	mongoClient, repo := buildHistory(rootCtx, cfg, logger)
	if repo != nil {
		coordOpts = append(coordOpts, coordinator.WithRunObserver(history.NewRecorder(repo, logger)))
	}
	coord := coordinator.New(client, coordOpts...)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithDiagnostics(client),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		apihttp.WithEventsBuffer(cfg.EventsBufferLength),
	}
	if repo != nil {
		serverOpts = append(serverOpts, apihttp.WithHistory(repo))
	}
	if store := buildSnapshotStore(rootCtx, cfg, logger); store != nil {
		writer := snapshot.NewWriter(store, cfg.SnapshotQueueSize, logger)
		go writer.Run(rootCtx)
		unsubscribe := coord.Subscribe(writer.Observe)
		defer unsubscribe()
		serverOpts = append(serverOpts, apihttp.WithSnapshots(store))
	}

	apiServer := apihttp.NewServer(coord, serverOpts...)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// /events and /ws are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("search coordinator started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.RequestTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	apiServer.Close()
	coord.CancelAll()
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.Warn("mongo disconnect failed", slog.String("error", err.Error()))
		}
	}
	logger.Info("search coordinator stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildSnapshotStore returns nil when snapshots are disabled or Redis is not
// reachable; the coordinator then runs memory-only.
func buildSnapshotStore(ctx context.Context, cfg app.Config, logger *slog.Logger) *snapshot.Store {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if cfg.SnapshotDisabled || redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("snapshot store disabled: invalid redis url", slog.String("error", err.Error()))
		return nil
	}
	store := snapshot.NewStore(redis.NewClient(redisOpts), cfg.SnapshotTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("snapshot store disabled: redis unavailable", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return store
}

// buildHistory connects the recent-search repository. Without MONGO_URI the
// /recent endpoints answer 503.
func buildHistory(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, *history.Repository) {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		logger.Info("mongo uri not configured, recent searches disabled")
		return nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := history.Connect(connectCtx, uri, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed, recent searches disabled", slog.String("error", err.Error()))
		return nil, nil
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed, recent searches disabled", slog.String("error", err.Error()))
		_ = client.Disconnect(context.Background())
		return nil, nil
	}
	repo := history.NewRepository(client, cfg.MongoDatabase)
	if err := repo.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	return client, repo
}
