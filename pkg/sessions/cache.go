// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/neurolearn/focusnet/internal/log"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long an active session is cached.
const DefaultCacheTTL = 10 * time.Minute

// Cache is a key-value store with expiration, implemented by RedisCache.
type Cache interface {
	// Get returns the value of key, and whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisCache implements Cache with a Redis client.
type RedisCache struct {
	client redis.UniversalClient
}

var _ Cache = (*RedisCache)(nil)

// ConnectRedis creates a Redis client and checks the connection.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to Redis at %s", addr)
	}
	return client, nil
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to get %q from Redis", key)
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Wrapf(c.client.Set(ctx, key, value, ttl).Err(), "failed to set %q in Redis", key)
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(c.client.Del(ctx, key).Err(), "failed to delete %q from Redis", key)
}

// CachedRepository caches the active session of each user in front of another Repository.
// Every write of a session invalidates its user's entry.
//
// Cache failures are logged and fall through to the underlying Repository.
type CachedRepository struct {
	Repository
	cache Cache
	ttl   time.Duration
}

var _ Repository = (*CachedRepository)(nil)

// NewCachedRepository wraps repo with cache. If ttl is 0, DefaultCacheTTL is used.
func NewCachedRepository(repo Repository, cache Cache, ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedRepository{Repository: repo, cache: cache, ttl: ttl}
}

func activeSessionKey(userID string) string {
	return fmt.Sprintf("focus:active_session:%s", userID)
}

func (r *CachedRepository) ActiveSession(ctx context.Context, userID string) (*Session, error) {
	key := activeSessionKey(userID)
	cached, found, err := r.cache.Get(ctx, key)
	if err != nil {
		log.WithContext(ctx).WithError(err).Warn("Active session cache unavailable")
	} else if found {
		session := &Session{}
		if err = json.Unmarshal(cached, session); err == nil {
			return session, nil
		}
		log.WithContext(ctx).WithError(err).Warn("Invalid cached active session")
	}

	session, err := r.Repository.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(session); err == nil {
		if err = r.cache.Set(ctx, key, encoded, r.ttl); err != nil {
			log.WithContext(ctx).WithError(err).Warn("Failed to cache active session")
		}
	}
	return session, nil
}

func (r *CachedRepository) CreateSession(ctx context.Context, session *Session) error {
	r.invalidate(ctx, session.UserID)
	return r.Repository.CreateSession(ctx, session)
}

func (r *CachedRepository) UpdateSession(ctx context.Context, session *Session) error {
	err := r.Repository.UpdateSession(ctx, session)
	r.invalidate(ctx, session.UserID)
	return err
}

func (r *CachedRepository) invalidate(ctx context.Context, userID string) {
	if err := r.cache.Delete(ctx, activeSessionKey(userID)); err != nil {
		log.WithContext(ctx).WithError(err).Warn("Failed to invalidate cached active session")
	}
}
