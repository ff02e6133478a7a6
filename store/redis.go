package store

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"lumina_back/backoff"
)

// NewRedisClientFromEnv creates and verifies a Redis client. REDIS_ADDR
// defaults to localhost:6379; REDIS_PASSWORD and REDIS_DB are optional.
// The initial ping is retried with bounded backoff so a briefly unavailable
// Redis does not fail startup; later reconnects are handled by go-redis's
// own connection pool.
func NewRedisClientFromEnv() (*redis.Client, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}
	password := os.Getenv("REDIS_PASSWORD")
	db := 0
	if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
		if parsed, err := strconv.Atoi(rawDB); err == nil {
			db = parsed
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	})

	err := backoff.Default.Do(context.Background(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping redis %s failed: %w", addr, err)
	}

	return client, nil
}
