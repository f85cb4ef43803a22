// Package redis provides a Redis-based implementation of storage.Storage.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/publisher-gateway/storage"
)

// Config contains configuration options for the Redis storage.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "publisher:storage:"
	KeyPrefix string

	// Clock stamps CreatedAt. Expiry itself is left to Redis.
	Clock clockwork.Clock
}

// Storage implements the storage.Storage interface using Redis.
type Storage struct {
	client    *redis.Client
	keyPrefix string
	clock     clockwork.Clock
}

// storedItem represents the structure stored in Redis.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "publisher:storage:"
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		clock:     config.Clock,
	}, nil
}

func (s *Storage) Get(ctx context.Context, key string) (*storage.Item, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	redisKey := s.keyPrefix + key
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	return &storage.Item{
		Data:      item.Data,
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
	}, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	o := storage.ApplyOptions(opts...)
	now := s.clock.Now()
	item := storedItem{Data: data, CreatedAt: now}
	if o.TTL > 0 {
		exp := now.Add(o.TTL)
		item.ExpiresAt = &exp
	}

	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}
	redisKey := s.keyPrefix + key
	if err := s.client.Set(ctx, redisKey, b, o.TTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	redisKey := s.keyPrefix + key
	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
	}
	return nil
}

// List scans for keys under prefix. Glob metacharacters in prefix are
// escaped so they match literally.
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.keyPrefix + escapeGlob(prefix) + "*"
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ storage.Storage = (*Storage)(nil)
