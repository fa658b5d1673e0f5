// Package cache keeps read-through copies of a user's subscription view in
// Redis. Entries expire after the configured TTL; invalidation after an
// activation is best effort.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"journal-billing/internal/models"
	"journal-billing/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// Cache is safe to use with a nil Redis client, in which case every lookup
// misses and every write is dropped.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func subscriptionKey(userID string) string {
	return fmt.Sprintf("billing:subscription:%s", userID)
}

func historyKey(userID string) string {
	return fmt.Sprintf("billing:history:%s", userID)
}

// GetSubscription returns the cached current subscription, if any.
func (c *Cache) GetSubscription(ctx context.Context, userID string) (*models.Subscription, bool) {
	var sub models.Subscription
	if !c.get(ctx, subscriptionKey(userID), &sub) {
		return nil, false
	}
	return &sub, true
}

func (c *Cache) SetSubscription(ctx context.Context, userID string, sub *models.Subscription) error {
	return c.set(ctx, subscriptionKey(userID), sub)
}

// GetHistory returns the cached ledger, if any.
func (c *Cache) GetHistory(ctx context.Context, userID string) ([]models.SubscriptionRecord, bool) {
	var records []models.SubscriptionRecord
	if !c.get(ctx, historyKey(userID), &records) {
		return nil, false
	}
	return records, true
}

func (c *Cache) SetHistory(ctx context.Context, userID string, records []models.SubscriptionRecord) error {
	return c.set(ctx, historyKey(userID), records)
}

// InvalidateUser drops every cached view of userID.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, subscriptionKey(userID), historyKey(userID)).Err()
}

func (c *Cache) get(ctx context.Context, key string, dest interface{}) bool {
	if c.client == nil {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !isMiss(err) {
			logging.Warnf("Cache read failed - key: %s, error: %v", key, err)
		}
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (c *Cache) set(ctx context.Context, key string, value interface{}) error {
	if c.client == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// isMiss reports whether err is a plain cache miss.
func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
