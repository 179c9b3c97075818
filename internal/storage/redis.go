package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engramlabs/engram/internal/memory"
)

// RedisStore is a key/value Backend on go-redis. Items are stored as JSON
// under a per-item key with the IDs mirrored in a set, so queries are an
// index scan plus MGET. An optional TTL gives STM-style natural expiry.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration // 0 = no expiry
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string        // defaults to "engram"
	TTL       time.Duration // per-item expiry, 0 disables
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "engram"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, keyPrefix: opts.KeyPrefix, ttl: opts.TTL}, nil
}

func (s *RedisStore) itemKey(id string) string { return s.keyPrefix + ":item:" + id }
func (s *RedisStore) indexKey() string         { return s.keyPrefix + ":ids" }

func (s *RedisStore) Create(ctx context.Context, item *memory.Item) (bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.itemKey(item.ID), payload, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx item: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.client.SAdd(ctx, s.indexKey(), item.ID).Err(); err != nil {
		return false, fmt.Errorf("index item: %w", err)
	}
	return true, nil
}

func (s *RedisStore) Read(ctx context.Context, id string) (*memory.Item, error) {
	payload, err := s.client.Get(ctx, s.itemKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return unmarshalItem(payload)
}

func (s *RedisStore) Update(ctx context.Context, item *memory.Item) (bool, error) {
	exists, err := s.Exists(ctx, item.ID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}
	if err := s.client.Set(ctx, s.itemKey(item.ID), payload, s.ttl).Err(); err != nil {
		return false, fmt.Errorf("set item: %w", err)
	}
	return true, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.itemKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("del item: %w", err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), id).Err(); err != nil {
		return false, fmt.Errorf("unindex item: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.itemKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Query(ctx context.Context, q Query) ([]*memory.Item, error) {
	items, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	var hits []*memory.Item
	for _, it := range items {
		if matches(it, q) {
			hits = append(hits, it)
		}
	}
	sortItems(hits, q)
	return window(hits, q), nil
}

func (s *RedisStore) Count(ctx context.Context, q Query) (int, error) {
	items, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if matches(it, q) {
			n++
		}
	}
	return n, nil
}

// scan loads every live item. Expired keys linger in the index until the next
// scan notices the missing payload and prunes them.
func (s *RedisStore) scan(ctx context.Context) ([]*memory.Item, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}
	payloads, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget items: %w", err)
	}

	var items []*memory.Item
	var stale []any
	for i, p := range payloads {
		if p == nil {
			stale = append(stale, ids[i])
			continue
		}
		str, ok := p.(string)
		if !ok {
			continue
		}
		it, err := unmarshalItem(str)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune stale ids: %w", err)
		}
	}
	return items, nil
}

func (s *RedisStore) BatchCreate(ctx context.Context, items []*memory.Item) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		created, err := s.Create(ctx, it)
		if err != nil {
			return ids, err
		}
		if created {
			ids = append(ids, it.ID)
		}
	}
	return ids, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("list ids: %w", err)
	}
	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.itemKey(id))
	}
	pipe.Del(ctx, s.indexKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (map[string]any, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return map[string]any{
		"backend": "redis",
		"items":   int(n),
		"ttl":     s.ttl.String(),
	}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
