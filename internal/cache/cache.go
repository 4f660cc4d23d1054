package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/creatorbackoffice/splittest/pkg/models"
)

// Cache provides caching and distributed locking using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewCacheWithClient wraps an existing client, used by tests
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Test Status Cache Operations

// SetTestStatus caches a test's status payload
func (c *Cache) SetTestStatus(ctx context.Context, test *models.Test, ttl time.Duration) error {
	data, err := json.Marshal(test)
	if err != nil {
		return fmt.Errorf("failed to marshal test: %w", err)
	}

	key := fmt.Sprintf("test:status:%s", test.ID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetTestStatus retrieves a test's cached status payload
func (c *Cache) GetTestStatus(ctx context.Context, testID string) (*models.Test, error) {
	key := fmt.Sprintf("test:status:%s", testID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get test from cache: %w", err)
	}

	var test models.Test
	if err := json.Unmarshal(data, &test); err != nil {
		return nil, fmt.Errorf("failed to unmarshal test: %w", err)
	}

	return &test, nil
}

// DeleteTestStatus removes a test's cached status, called after any mutation
func (c *Cache) DeleteTestStatus(ctx context.Context, testID string) error {
	key := fmt.Sprintf("test:status:%s", testID)
	return c.client.Del(ctx, key).Err()
}

// Locking Operations

// AcquireTestLock attempts to take the per-test mutation lock. All rotation,
// collection and lifecycle writers must hold it; only one wins at a time.
func (c *Cache) AcquireTestLock(ctx context.Context, testID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:test:%s", testID)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseTestLock releases the per-test mutation lock
func (c *Cache) ReleaseTestLock(ctx context.Context, testID string) error {
	key := fmt.Sprintf("lock:test:%s", testID)
	return c.client.Del(ctx, key).Err()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
