// Package cache keeps category subtree lookups in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the hash that holds every cached subtree
const DefaultKey = "marketplace:categories:descendants"

// Config holds Redis connection settings
type Config struct {
	URL          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// Connect opens a Redis client from cfg and pings it
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Subtree stores descendant id lists as fields of one Redis hash, so a
// single DEL drops every entry when the tree changes. A generation counter
// next to the hash is bumped by every invalidation. Writers pass the
// generation they read before loading the tree, and a write from an older
// generation is discarded.
type Subtree struct {
	rdb    redis.Cmdable
	key    string
	genKey string
	ttl    time.Duration
}

// setIfCurrent writes one hash field only while the generation matches
var setIfCurrent = redis.NewScript(`
local cur = redis.call('GET', KEYS[1]) or '0'
if cur ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

// NewSubtree creates a subtree cache. ttl bounds how long entries live
// without an invalidation; 0 keeps them until the next one.
func NewSubtree(rdb redis.Cmdable, ttl time.Duration) *Subtree {
	return (&Subtree{rdb: rdb, ttl: ttl}).WithKey(DefaultKey)
}

// WithKey returns a copy of the cache using another hash key
func (s *Subtree) WithKey(key string) *Subtree {
	c := *s
	c.key = key
	c.genKey = key + ":gen"
	return &c
}

// GetDescendants returns the cached ids for id, if present
func (s *Subtree) GetDescendants(ctx context.Context, id int64) ([]int64, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key, strconv.FormatInt(id, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read subtree cache: %w", err)
	}

	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false, fmt.Errorf("corrupt subtree cache entry: %w", err)
	}
	return ids, true, nil
}

// Generation returns the current cache generation. Read it before loading
// the data passed to SetDescendants.
func (s *Subtree) Generation(ctx context.Context) (int64, error) {
	gen, err := s.rdb.Get(ctx, s.genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read subtree cache generation: %w", err)
	}
	return gen, nil
}

// SetDescendants caches ids for id if gen is still the current generation.
// It reports whether the entry was stored.
func (s *Subtree) SetDescendants(ctx context.Context, gen, id int64, ids []int64) (bool, error) {
	if ids == nil {
		ids = []int64{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return false, fmt.Errorf("failed to encode subtree: %w", err)
	}

	stored, err := setIfCurrent.Run(ctx, s.rdb, []string{s.genKey, s.key},
		strconv.FormatInt(gen, 10), strconv.FormatInt(id, 10), raw, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write subtree cache: %w", err)
	}
	return stored == 1, nil
}

// Invalidate drops every cached subtree and bumps the generation in one
// transaction.
func (s *Subtree) Invalidate(ctx context.Context) error {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, s.genKey)
	pipe.Del(ctx, s.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate subtree cache: %w", err)
	}
	return nil
}
