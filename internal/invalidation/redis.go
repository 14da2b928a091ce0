package invalidation

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis signals staleness through a shared Redis: it deletes the cached
// collection value under the key and publishes the key on its own channel so
// subscribed reconcilers re-fetch without polling. Deletion happens first so
// a reconciler waking up on the publish never reads the stale value.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Channel returns the pub/sub channel carrying staleness signals for key.
func Channel(key string) string {
	return key + ":invalidations"
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	if err := r.client.Publish(ctx, Channel(key), key).Err(); err != nil {
		return fmt.Errorf("publish invalidation for %s: %w", key, err)
	}
	return nil
}
