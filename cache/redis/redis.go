// Package redis provides a Redis implementation of the ledger.SnapshotCache
// interface. Snapshots are stored as JSON blobs keyed by customer id, which
// keeps the whole-snapshot invariant trivially: one key per customer, set and
// deleted as a unit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/grantledger/pkg/ledger"
)

// Cache implements ledger.SnapshotCache using Redis.
type Cache struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis cache configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "grantledger:")
	KeyPrefix string

	// SnapshotTTL is the TTL for snapshot keys (0 = no expiration)
	SnapshotTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "grantledger:",
		SnapshotTTL: 24 * time.Hour,
	}
}

// New creates a new Redis snapshot cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "grantledger:"
	}
	return &Cache{client: client, config: config}, nil
}

func (c *Cache) key(customerID string) string {
	return c.config.KeyPrefix + "customer:" + customerID
}

// Get implements ledger.SnapshotCache.
func (c *Cache) Get(ctx context.Context, customerID string) (*ledger.FullCustomer, bool, error) {
	data, err := c.client.Get(ctx, c.key(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var fc ledger.FullCustomer
	if err := json.Unmarshal(data, &fc); err != nil {
		// A corrupt blob is treated as a miss; the next Set overwrites it.
		_ = c.client.Del(ctx, c.key(customerID)).Err() //nolint:errcheck
		return nil, false, nil
	}
	return &fc, true, nil
}

// Set implements ledger.SnapshotCache.
func (c *Cache) Set(ctx context.Context, customerID string, fc *ledger.FullCustomer) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(customerID), data, c.config.SnapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

// Invalidate implements ledger.SnapshotCache.
func (c *Cache) Invalidate(ctx context.Context, customerID string) error {
	if err := c.client.Del(ctx, c.key(customerID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate snapshot: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
