package tasks

import (
	"context"
	"strings"
	"time"
)

// NewStore picks the durable backing from configuration: Redis when a redis
// URL is set, Postgres as a fallback, nil (in-memory only) when neither is.
func NewStore(ctx context.Context, redisURL, databaseURL string, ttl time.Duration) (Store, error) {
	if strings.TrimSpace(redisURL) != "" {
		return NewRedisStoreURL(ctx, redisURL, ttl)
	}
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	return nil, nil
}
