package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects to addr and pings it.
func NewRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 1,
		MaxRetries:   3,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Open returns the DataStore selected by backend ("sqlite" or "postgres").
func Open(ctx context.Context, backend, dbPath, dsn string, rdb *redis.Client) (DataStore, error) {
	switch backend {
	case "", "sqlite":
		return New(dbPath)
	case "postgres":
		return NewPostgres(ctx, dsn, rdb)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
