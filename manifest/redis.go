package manifest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore keeps entries in Redis.
//
// Layout:
//   - {prefix}:sessions        set of session ids
//   - {prefix}:files:{session} list of msgpack-encoded entries in close order
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	closed atomic.Bool
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default: "keelson:recordings").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a Redis-backed store. The client is not closed by
// the store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "keelson:recordings",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionsKey() string {
	return s.prefix + ":sessions"
}

func (s *RedisStore) filesKey(sessionID string) string {
	return s.prefix + ":files:" + sessionID
}

func (s *RedisStore) Record(ctx context.Context, entry Entry) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.sessionsKey(), entry.SessionID)
	pipe.RPush(ctx, s.filesKey(entry.SessionID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	sessions := []string{sessionID}
	if sessionID == "" {
		all, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = all
	}

	var out []Entry
	for _, id := range sessions {
		raw, err := s.client.LRange(ctx, s.filesKey(id), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		for _, r := range raw {
			var e Entry
			if err := msgpack.Unmarshal([]byte(r), &e); err != nil {
				return nil, fmt.Errorf("unmarshal entry: %w", err)
			}
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ Store = (*RedisStore)(nil)
