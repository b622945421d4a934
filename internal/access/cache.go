package access

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"scribe/collab/internal/perm"
)

// DefaultCacheTTL bounds how stale a cached mask can be. A revoked
// permission therefore keeps working on live connections for at most this
// long; the trade-off is documented in DESIGN.md.
const DefaultCacheTTL = 10 * time.Second

// CachedResolver decorates a MaskResolver with a short-TTL Redis cache.
// Cache failures fall through to the inner resolver; resolution errors are
// never cached.
type CachedResolver struct {
	inner  MaskResolver
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCachedResolver connects to Redis and wraps inner.
func NewCachedResolver(redisURL string, inner MaskResolver, ttl time.Duration) (*CachedResolver, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCachedResolverWithClient(client, inner, ttl), nil
}

// NewCachedResolverWithClient wraps inner using an existing client.
func NewCachedResolverWithClient(client *redis.Client, inner MaskResolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedResolver{
		inner:  inner,
		client: client,
		ttl:    ttl,
		prefix: "maskcache:",
	}
}

func (c *CachedResolver) key(workspaceID, docID, userID string) string {
	return c.prefix + workspaceID + ":" + docID + ":" + userID
}

// EffectiveMask returns the cached mask when present, otherwise resolves
// and caches the result for the TTL.
func (c *CachedResolver) EffectiveMask(ctx context.Context, workspaceID, docID, userID string) (perm.Permission, error) {
	key := c.key(workspaceID, docID, userID)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		if mask, parseErr := strconv.Atoi(cached); parseErr == nil {
			return perm.Permission(mask), nil
		}
		// Unparseable value, treat as a miss and overwrite below.
	} else if err != redis.Nil {
		log.Printf("mask cache read failed, falling through: %v", err)
	}

	mask, err := c.inner.EffectiveMask(ctx, workspaceID, docID, userID)
	if err != nil {
		return perm.None, err
	}

	if setErr := c.client.Set(ctx, key, strconv.Itoa(int(mask)), c.ttl).Err(); setErr != nil {
		log.Printf("mask cache write failed: %v", setErr)
	}
	return mask, nil
}

// Close closes the Redis connection.
func (c *CachedResolver) Close() error {
	return c.client.Close()
}
