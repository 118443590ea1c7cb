package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"halfcircuit/searchcoordinator/internal/app"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		" DEBUG ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLogLevel(raw); got != want {
			t.Errorf("%q: got %v, want %v", raw, got, want)
		}
	}
}

func TestBuildSnapshotStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	ctx := context.Background()

	if store := buildSnapshotStore(ctx, app.Config{}, logger); store != nil {
		t.Fatal("expected no store without REDIS_URL")
	}
	if store := buildSnapshotStore(ctx, app.Config{RedisURL: "redis://" + mr.Addr(), SnapshotDisabled: true}, logger); store != nil {
		t.Fatal("expected no store when disabled")
	}
	if store := buildSnapshotStore(ctx, app.Config{RedisURL: "::not a url"}, logger); store != nil {
		t.Fatal("expected no store for a bad url")
	}

	store := buildSnapshotStore(ctx, app.Config{RedisURL: "redis://" + mr.Addr()}, logger)
	if store == nil {
		t.Fatal("expected a store")
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestBuildHistoryWithoutURI(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, repo := buildHistory(context.Background(), app.Config{}, logger)
	if client != nil || repo != nil {
		t.Fatalf("expected history disabled, got %v %v", client, repo)
	}
}
