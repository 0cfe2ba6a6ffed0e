// Package sessioncache tracks authenticated broker sessions across
// connections and processes, so a revoked or expired token can be
// rejected even by a connector instance that never saw the original
// AUTH. Backed by Redis when configured, with an in-memory fallback
// for single-instance deployments and tests.
package sessioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is the cached record of a validated token.
type Session struct {
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions"`
	Expiry      int64    `json:"expiry"`
	// Revoked marks an explicit Revoke call, as opposed to the entry
	// simply being absent because it was never cached or its TTL
	// lapsed. Callers must not treat a cache miss as a revocation.
	Revoked bool `json:"revoked"`
}

// revocationTTL is how long a Revoke tombstone is kept around - long
// enough to outlast any session TTL the broker will ever use, so a
// revoked session can't reappear as "not found" before its token
// would have expired anyway.
const revocationTTL = 24 * time.Hour

// Cache stores and revokes sessions keyed by an opaque session id
// (the broker mints one per AUTH).
type Cache interface {
	Put(ctx context.Context, sessionID string, s Session, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (Session, bool, error)
	Revoke(ctx context.Context, sessionID string) error
}

// RedisCache is a Cache backed by a Redis (or Redis-protocol-
// compatible) server.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing redis.Client. prefix namespaces keys
// so the session cache can share a Redis instance with other state.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", c.prefix, sessionID)
}

// Put stores s under sessionID with the given expiry.
func (c *RedisCache) Put(ctx context.Context, sessionID string, s Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sessioncache: marshal: %w", err)
	}
	return c.client.Set(ctx, c.key(sessionID), data, ttl).Err()
}

// Get retrieves the session for sessionID, reporting false if absent
// or expired.
func (c *RedisCache) Get(ctx context.Context, sessionID string) (Session, bool, error) {
	data, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if err == redis.Nil {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("sessioncache: get: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, false, fmt.Errorf("sessioncache: unmarshal: %w", err)
	}
	return s, true, nil
}

// Revoke overwrites sessionID with a Revoked tombstone (rather than
// deleting it), so any connector instance sharing this Redis can tell
// an explicit revocation apart from the entry simply not being cached.
func (c *RedisCache) Revoke(ctx context.Context, sessionID string) error {
	return c.Put(ctx, sessionID, Session{Revoked: true}, revocationTTL)
}

// MemoryCache is an in-process Cache for single-instance deployments
// and tests; entries are not persisted and do not survive a restart.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	session Session
	expires time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Put stores s under sessionID with the given expiry.
func (c *MemoryCache) Put(_ context.Context, sessionID string, s Session, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = memoryEntry{session: s, expires: time.Now().Add(ttl)}
	return nil
}

// Get retrieves the session for sessionID, reporting false if absent
// or expired.
func (c *MemoryCache) Get(_ context.Context, sessionID string) (Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return Session{}, false, nil
	}
	if time.Now().After(e.expires) {
		delete(c.entries, sessionID)
		return Session{}, false, nil
	}
	return e.session, true, nil
}

// Revoke overwrites sessionID with a Revoked tombstone, rather than
// deleting it, so Get can tell an explicit revocation apart from an
// entry that was never cached or has simply expired.
func (c *MemoryCache) Revoke(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = memoryEntry{session: Session{Revoked: true}, expires: time.Now().Add(revocationTTL)}
	return nil
}
