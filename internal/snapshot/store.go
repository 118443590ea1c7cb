package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"halfcircuit/searchcoordinator/internal/domain"
)

const (
	keyPrefix  = "scoord:snapshot:"
	defaultTTL = 24 * time.Hour
	scanBatch  = 100
)

// Entry is a persisted terminal snapshot.
type Entry struct {
	Snapshot domain.Snapshot `json:"snapshot"`
	SavedAt  time.Time       `json:"savedAt"`
}

// Store keeps the last successful snapshot per query key in Redis with JSON
// serialization.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func (s *Store) Save(ctx context.Context, snapshot domain.Snapshot) error {
	key := strings.TrimSpace(snapshot.KeyString())
	if key == "" {
		return errors.New("snapshot key is required")
	}
	data, err := json.Marshal(Entry{Snapshot: snapshot, SavedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err()
}

// Last returns the most recent snapshot saved for key.
func (s *Store) Last(ctx context.Context, key string) (Entry, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Entry{}, false, nil
	}
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Clear removes every stored snapshot and returns how many were deleted.
func (s *Store) Clear(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
