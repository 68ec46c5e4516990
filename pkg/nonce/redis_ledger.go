package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger keeps nonces as Redis keys with a TTL. SET NX gives the
// check-and-insert; Redis expiry does the eviction.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger wraps an existing client.
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, prefix: "nonce"}
}

func (l *RedisLedger) key(nodeID, nonce string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, nodeID, nonce)
}

// MarkIfNew sets the key only if absent. The TTL runs one second past
// expiry so the key is still present at the expiry instant. An expiry
// already in the past is recorded for one second so a concurrent duplicate
// is rejected.
func (l *RedisLedger) MarkIfNew(ctx context.Context, nodeID, nonce string, now, expiry time.Time) (bool, error) {
	if err := validate(nodeID, nonce); err != nil {
		return false, err
	}
	ttl := expiry.Sub(now) + time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := l.client.SetNX(ctx, l.key(nodeID, nonce), now.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce: redis setnx: %w", err)
	}
	return ok, nil
}

// Purge is a no-op; keys expire on their own.
func (l *RedisLedger) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}
