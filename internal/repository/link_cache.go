package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"partnerlink/internal/models"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

const linkKeyPrefix = "link:"

// cachedLink is the edge projection of a link. Unlike the public JSON of
// models.Link it carries the password hash the resolver needs.
type cachedLink struct {
	models.Link
	PasswordHash string `json:"password_hash,omitempty"`
}

// LinkCache is a disposable read-through mirror of the link store.
// A nil client behaves as a permanent miss.
type LinkCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLinkCache(rdb *redis.Client, ttl time.Duration) *LinkCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LinkCache{rdb: rdb, ttl: ttl}
}

func linkCacheKey(domain, key string) string {
	return linkKeyPrefix + domain + ":" + key
}

func (c *LinkCache) Get(ctx context.Context, domain, key string) (*models.Link, error) {
	if c == nil || c.rdb == nil {
		return nil, ErrCacheMiss
	}
	val, err := c.rdb.Get(ctx, linkCacheKey(domain, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var entry cachedLink
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	link := entry.Link
	link.PasswordHash = entry.PasswordHash
	return &link, nil
}

func (c *LinkCache) Set(ctx context.Context, link *models.Link) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	data, err := json.Marshal(cachedLink{Link: *link, PasswordHash: link.PasswordHash})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, linkCacheKey(link.Domain, link.Key), data, c.ttl).Err()
}

func (c *LinkCache) Delete(ctx context.Context, domain, key string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, linkCacheKey(domain, key)).Err()
}

// Flush drops every cached link. Safe at any time; the store is the source of truth.
func (c *LinkCache) Flush(ctx context.Context) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, nil
	}
	removed := 0
	iter := c.rdb.Scan(ctx, 0, linkKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, iter.Err()
}
