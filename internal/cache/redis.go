package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisNamespace = "petitions-cache:"
	scanBatchSize         = 256
)

// RedisConfig describes the shared cache connection.
type RedisConfig struct {
	URL         string
	PoolSize    int
	DialTimeout time.Duration
}

// NewRedisClient parses the URL, applies pool overrides and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("cache: redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisStore keeps entries in Redis under a namespace so that several deployments
// can share one database. Expiry is delegated to Redis TTLs.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithNamespace overrides the key namespace. A blank namespace keeps the default.
func WithNamespace(namespace string) RedisStoreOption {
	return func(store *RedisStore) {
		if strings.TrimSpace(namespace) == "" {
			return
		}
		store.namespace = namespace
	}
}

// NewRedisStore wraps an existing client. The client lifecycle is managed by the caller.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrMissingStore
	}
	store := &RedisStore{client: client, namespace: defaultRedisNamespace}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Get returns the entry under key.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	entry, err := decodeEntry(key, raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Set stores the entry with a Redis TTL.
func (s *RedisStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := s.Delete(ctx, entry.Key)
		return err
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.namespace+entry.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", entry.Key, err)
	}
	return nil
}

// Delete unlinks exact keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	namespaced := make([]string, 0, len(keys))
	for _, key := range keys {
		namespaced = append(namespaced, s.namespace+key)
	}
	removed, err := s.client.Unlink(ctx, namespaced...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis unlink: %w", err)
	}
	return int(removed), nil
}

// DeleteMatching scans for keys with the prefix and unlinks them in batches.
func (s *RedisStore) DeleteMatching(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(s.namespace+prefix) + "*"
	iterator := s.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()

	removed := 0
	batch := make([]string, 0, scanBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		count, err := s.client.Unlink(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis unlink: %w", err)
		}
		removed += int(count)
		batch = batch[:0]
		return nil
	}

	for iterator.Next(ctx) {
		batch = append(batch, iterator.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iterator.Err(); err != nil {
		return removed, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return removed, err
	}
	return removed, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(value string) string {
	var builder strings.Builder
	builder.Grow(len(value))
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			builder.WriteByte('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
