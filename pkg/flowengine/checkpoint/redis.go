package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all keys. Defaults to "flowengine".
	KeyPrefix string
}

// RedisStore persists checkpoints to Redis, one hash per flow plus a set
// indexing all stored flow ids.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "flowengine"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(flowID string) string {
	return s.prefix + ":checkpoint:" + flowID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":checkpoints"
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, flowID string, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	key := s.key(flowID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", data, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
		pipe.HIncrBy(ctx, key, "revision", 1)
		pipe.SAdd(ctx, s.indexKey(), flowID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, flowID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := s.client.HGet(ctx, s.key(flowID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	flowIDs, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	sort.Strings(flowIDs)

	infos := make([]Info, 0, len(flowIDs))
	for _, flowID := range flowIDs {
		fields, err := s.client.HGetAll(ctx, s.key(flowID)).Result()
		if err != nil {
			return nil, fmt.Errorf("read checkpoint info: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		info := Info{FlowID: flowID, Size: int64(len(fields["data"]))}
		info.Revision, _ = strconv.Atoi(fields["revision"])
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
		infos = append(infos, info)
	}
	return infos, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, flowID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(flowID))
		pipe.SRem(ctx, s.indexKey(), flowID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
