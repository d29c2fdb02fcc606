// Package valkey connects to the Redis/Valkey instance backing the
// ephemeral store (sessions, presence, typing, queues, rate counters,
// membership cache).
package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses REDIS_URL, connects, and pings to verify the connection. A
// valkey:// scheme is rewritten to redis:// for go-redis compatibility. If
// password is non-empty it overrides any credentials embedded in the URL,
// matching REDIS_PASSWORD being specified independently of REDIS_URL.
func Connect(ctx context.Context, rawURL, password string, dialTimeout time.Duration) (*redis.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.DialTimeout = dialTimeout
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
