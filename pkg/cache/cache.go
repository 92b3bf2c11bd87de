// Package cache holds the Redis connection shared by settlement locking.
package cache

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/go-redis/redis/v8"
)

const connectTimeout = 5 * time.Second

// Cache wraps the Redis client
type Cache struct {
	Client *redis.Client
}

// NewCache connects to Redis and verifies the connection with a PING.
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(clientOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to connect to Redis at %s: %w", client.Options().Addr, err)
	}

	return &Cache{Client: client}, nil
}

// clientOptions sizes the pool for short lock round trips. Every settlement
// holds a connection for one SET NX and one script call, so reads time out
// well before the lock TTL.
func clientOptions(cfg config.RedisConfig) *redis.Options {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return &redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 1,
		MaxRetries:   2,
		DialTimeout:  connectTimeout,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.Client.Close()
}

// Health checks cache health
func (c *Cache) Health(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
