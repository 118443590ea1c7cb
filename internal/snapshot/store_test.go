package snapshot

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halfcircuit/searchcoordinator/internal/domain"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, ttl), mr
}

func doneSnapshot(key string, urls ...string) domain.Snapshot {
	results := make([]domain.Result, 0, len(urls))
	for i, u := range urls {
		results = append(results, domain.Result{ID: i + 1, URL: u, Title: u})
	}
	return domain.Snapshot{Key: &key, Status: domain.TaskDone, Results: results}
}

func TestStoreSaveAndLast(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, doneSnapshot("golang", "https://go.dev")))

	entry, ok, err := store.Last(ctx, " golang ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "golang", entry.Snapshot.KeyString())
	assert.Equal(t, domain.TaskDone, entry.Snapshot.Status)
	require.Len(t, entry.Snapshot.Results, 1)
	assert.Equal(t, "https://go.dev", entry.Snapshot.Results[0].URL)
	assert.False(t, entry.SavedAt.IsZero())

	assert.Equal(t, time.Hour, mr.TTL(keyPrefix+"golang"))
}

func TestStoreLastMissing(t *testing.T) {
	store, _ := newTestStore(t, 0)

	_, ok, err := store.Last(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Last(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSaveRejectsNullKey(t *testing.T) {
	store, _ := newTestStore(t, 0)
	err := store.Save(context.Background(), domain.ResetSnapshot())
	assert.Error(t, err)
}

func TestStoreLastCorruptValue(t *testing.T) {
	store, mr := newTestStore(t, 0)
	require.NoError(t, mr.Set(keyPrefix+"broken", "{not json"))

	_, _, err := store.Last(context.Background(), "broken")
	assert.Error(t, err)
}

func TestStoreClearRemovesOnlyPrefixedKeys(t *testing.T) {
	store, mr := newTestStore(t, 0)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, doneSnapshot(key, "https://"+key+".example")))
	}
	require.NoError(t, mr.Set("unrelated", "keep"))

	deleted, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.True(t, mr.Exists("unrelated"))
	assert.False(t, mr.Exists(keyPrefix+"a"))
}

func TestWriterPersistsDoneAndClearsOnReset(t *testing.T) {
	store, mr := newTestStore(t, 0)
	writer := NewWriter(store, 8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Run(ctx)

	running := doneSnapshot("ignored")
	running.Status = domain.TaskRunning
	writer.Observe(running)
	writer.Observe(doneSnapshot("kept", "https://kept.example"))

	require.Eventually(t, func() bool {
		return mr.Exists(keyPrefix + "kept")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, mr.Exists(keyPrefix+"ignored"))

	writer.Observe(domain.ResetSnapshot())
	require.Eventually(t, func() bool {
		return !mr.Exists(keyPrefix + "kept")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriterObserveNeverBlocks(t *testing.T) {
	store, _ := newTestStore(t, 0)
	writer := NewWriter(store, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			writer.Observe(doneSnapshot("burst"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked on a full queue")
	}
	assert.Len(t, writer.queue, 1)
}
