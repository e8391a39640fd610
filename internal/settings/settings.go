// Package settings holds process-scoped copies of integration settings.
//
// A Cache is populated lazily on the first Get and dropped on Invalidate.
// Set writes through to the Store and invalidates; nothing else mutates the
// cached value.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InvalidationChannel carries keys whose cached value is stale.
const InvalidationChannel = "settings:invalidate"

// Store persists raw JSON settings documents by key.
type Store interface {
	LoadSetting(ctx context.Context, key string) ([]byte, bool, error)
	SaveSetting(ctx context.Context, key string, value []byte) error
}

// Cache holds one decoded setting. The zero value is not usable; use NewCache.
type Cache[T any] struct {
	key      string
	store    Store
	fallback T
	validate func(T) error
	rdb      *redis.Client

	mu     sync.Mutex
	loaded bool
	value  T
}

// CacheOption configures a Cache.
type CacheOption[T any] func(*Cache[T])

// WithValidator rejects values in Set (and stored values in Get) that fail fn.
func WithValidator[T any](fn func(T) error) CacheOption[T] {
	return func(c *Cache[T]) { c.validate = fn }
}

// WithPublisher makes Set announce the key on InvalidationChannel.
func WithPublisher[T any](rdb *redis.Client) CacheOption[T] {
	return func(c *Cache[T]) { c.rdb = rdb }
}

// NewCache returns a cache for key that yields fallback while the store has
// no document for it.
func NewCache[T any](store Store, key string, fallback T, opts ...CacheOption[T]) *Cache[T] {
	c := &Cache[T]{key: key, store: store, fallback: fallback}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache[T]) Key() string { return c.key }

// Get returns the cached value, loading it on first use. A failed load is not
// cached, so the next Get tries again.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.value, nil
	}

	raw, ok, err := c.store.LoadSetting(ctx, c.key)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to load setting %s: %w", c.key, err)
	}
	v := c.fallback
	if ok {
		// Decode into a fresh value so the fallback's slices and maps are never reused.
		v = *new(T)
		if err := json.Unmarshal(raw, &v); err != nil {
			var zero T
			return zero, fmt.Errorf("failed to decode setting %s: %w", c.key, err)
		}
		if c.validate != nil {
			if err := c.validate(v); err != nil {
				var zero T
				return zero, fmt.Errorf("stored setting %s is invalid: %w", c.key, err)
			}
		}
	}
	c.value, c.loaded = v, true
	return v, nil
}

// Set validates v, writes it to the store and invalidates the local copy.
func (c *Cache[T]) Set(ctx context.Context, v T) error {
	if c.validate != nil {
		if err := c.validate(v); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", c.key, err)
	}
	if err := c.store.SaveSetting(ctx, c.key, raw); err != nil {
		return err
	}
	c.Invalidate()

	if c.rdb != nil {
		if err := c.rdb.Publish(ctx, InvalidationChannel, c.key).Err(); err != nil {
			return fmt.Errorf("setting %s saved but invalidation not published: %w", c.key, err)
		}
	}
	return nil
}

// Invalidate drops the cached value; the next Get reloads it.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	var zero T
	c.value = zero
	c.mu.Unlock()
}

// Invalidator is anything keyed that can drop its cached state.
type Invalidator interface {
	Key() string
	Invalidate()
}

// Listen invalidates the matching caches whenever another process publishes
// on InvalidationChannel. It blocks until ctx is done.
func Listen(ctx context.Context, rdb *redis.Client, logger *zap.Logger, caches ...Invalidator) error {
	sub := rdb.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", InvalidationChannel, err)
	}

	byKey := make(map[string][]Invalidator, len(caches))
	for _, c := range caches {
		byKey[c.Key()] = append(byKey[c.Key()], c)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			for _, c := range byKey[msg.Payload] {
				c.Invalidate()
			}
			logger.Debug("settings invalidated", zap.String("key", msg.Payload))
		}
	}
}
