package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"torrentcast/internal/domain"
)

type cacheKey struct {
	sessionID domain.SessionID
	fileIndex int
}

// MetadataCache keeps the most recent MediaMetadata per (session, file).
type MetadataCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]domain.MediaMetadata
}

func NewMetadataCache() *MetadataCache {
	return &MetadataCache{entries: make(map[cacheKey]domain.MediaMetadata)}
}

func (c *MetadataCache) Get(sid domain.SessionID, fileIndex int) (domain.MediaMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.entries[cacheKey{sid, fileIndex}]
	return meta, ok
}

func (c *MetadataCache) Put(sid domain.SessionID, fileIndex int, meta domain.MediaMetadata) {
	c.mu.Lock()
	c.entries[cacheKey{sid, fileIndex}] = meta
	c.mu.Unlock()
}

func (c *MetadataCache) Invalidate(sid domain.SessionID) {
	c.mu.Lock()
	for k := range c.entries {
		if k.sessionID == sid {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// RemoteCache is an optional shared tier behind the in-memory cache.
type RemoteCache interface {
	Get(ctx context.Context, sid domain.SessionID, fileIndex int) (domain.MediaMetadata, bool, error)
	Set(ctx context.Context, sid domain.SessionID, fileIndex int, meta domain.MediaMetadata) error
	Invalidate(ctx context.Context, sid domain.SessionID) error
}

const (
	redisMetadataPrefix = "torrentcast:meta:"
	defaultRedisTTL     = 24 * time.Hour
)

// RedisCache stores MediaMetadata as JSON so probes survive restarts and are
// shared between replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func redisMetadataKey(sid domain.SessionID, fileIndex int) string {
	return fmt.Sprintf("%s%s:%d", redisMetadataPrefix, sid, fileIndex)
}

func (r *RedisCache) Get(ctx context.Context, sid domain.SessionID, fileIndex int) (domain.MediaMetadata, bool, error) {
	data, err := r.client.Get(ctx, redisMetadataKey(sid, fileIndex)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MediaMetadata{}, false, nil
		}
		return domain.MediaMetadata{}, false, err
	}
	var meta domain.MediaMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.MediaMetadata{}, false, err
	}
	return meta, true, nil
}

func (r *RedisCache) Set(ctx context.Context, sid domain.SessionID, fileIndex int, meta domain.MediaMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisMetadataKey(sid, fileIndex), data, r.ttl).Err()
}

func (r *RedisCache) Invalidate(ctx context.Context, sid domain.SessionID) error {
	iter := r.client.Scan(ctx, 0, fmt.Sprintf("%s%s:*", redisMetadataPrefix, sid), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
