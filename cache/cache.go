// Package cache is an optional read-through cache. It is never the source of
// truth: a miss, an error or the Unavailable variant only costs a store read.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	// Get decodes the cached value for key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Unavailable is the cache used when none is configured or reachable.
// Every Get misses and every write is dropped.
type Unavailable struct{}

func (Unavailable) Get(context.Context, string, any) (bool, error)        { return false, nil }
func (Unavailable) Set(context.Context, string, any, time.Duration) error { return nil }
func (Unavailable) Delete(context.Context, ...string) error               { return nil }

// OrUnavailable returns c, or Unavailable when c is nil.
func OrUnavailable(c Cache) Cache {
	if c == nil {
		return Unavailable{}
	}
	return c
}

func IssueKey(id string) string { return "issue:" + id }

const AchievementCatalogKey = "achievements:catalog"
