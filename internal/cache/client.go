// Package cache реализует кэш срезов пулов и блокировки позиций на Redis.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client оборачивает клиент go-redis.
type Client struct {
	rdb *redis.Client
}

// New создаёт клиент Redis и проверяет соединение.
func New(ctx context.Context, addr string) (*Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close закрывает соединение с Redis.
func (c *Client) Close() error {
	return c.rdb.Close()
}
