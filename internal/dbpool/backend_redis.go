package dbpool

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisBackend adapts FluxForge's store.RedisStore construction into a
// single-session Backend usable as a secondary database endpoint, e.g. for
// failing over scheduler metadata reads when the primary Postgres endpoint
// is unavailable.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend is a BackendFactory for Redis endpoints. connString is a
// redis:// URL; db is parsed from its path if present.
func NewRedisBackend(ctx context.Context, connString string) (Backend, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, err
	}
	db := 0
	if len(u.Path) > 1 {
		if parsed, perr := strconv.Atoi(u.Path[1:]); perr == nil {
			db = parsed
		}
	}
	password, _ := u.User.Password()

	client := redis.NewClient(&redis.Options{
		Addr:     u.Host,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBackend{client: client}, nil
}

// Probe pings the Redis connection.
func (b *RedisBackend) Probe(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// GetVersioned reads a JSON-encoded VersionedValue by key.
func (b *RedisBackend) GetVersioned(ctx context.Context, key string) (*VersionedValue, bool, error) {
	data, err := b.client.Get(ctx, "reconcile:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v VersionedValue
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, err
	}
	return &v, true, nil
}

// SetVersioned writes a JSON-encoded VersionedValue by key.
func (b *RedisBackend) SetVersioned(ctx context.Context, key string, value VersionedValue) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, "reconcile:"+key, data, 0).Err()
}
