package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL bounds how long a processed event id is remembered.
const DefaultDedupTTL = 48 * time.Hour

const keyDedup = "dedup:%s:%s"

// Dedup remembers processed event ids in Redis.
type Dedup struct {
	rdb   redis.Cmdable
	scope string
	ttl   time.Duration
}

// NewDedup constructs a Dedup whose keys are namespaced by scope.
func NewDedup(rdb redis.Cmdable, scope string, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Dedup{rdb: rdb, scope: scope, ttl: ttl}
}

// First marks id as seen and reports whether this call was the first to do so.
func (d *Dedup) First(ctx context.Context, id string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.key(id), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", id, err)
	}
	return ok, nil
}

// Forget drops id so a redelivery of the event is processed again.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, d.key(id)).Err()
}

func (d *Dedup) key(id string) string {
	return fmt.Sprintf(keyDedup, d.scope, id)
}
