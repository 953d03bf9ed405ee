package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON envelopes in redis. Expiry is delegated to
// redis key TTLs, so PurgeExpired has nothing to do.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(config Config) (*RedisStore, error) {
	if config.Redis.Addr == "" {
		return nil, fmt.Errorf("address is required for Redis storage")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	prefix := config.Redis.KeyPrefix
	if prefix == "" {
		prefix = "proximity:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

func (rs *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := rs.client.Get(ctx, rs.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}
	return unmarshalEnvelope(key, data)
}

func (rs *RedisStore) Put(ctx context.Context, rec *Record) error {
	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(rs.now())
		if ttl <= 0 {
			// Already expired: make sure no older copy lingers.
			return rs.client.Del(ctx, rs.prefix+rec.Key).Err()
		}
	}
	data, err := marshalEnvelope(rec)
	if err != nil {
		return err
	}
	if err := rs.client.Set(ctx, rs.prefix+rec.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.Key, err)
	}
	return nil
}

func (rs *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(rs.prefix+prefix) + "*"
	iter := rs.client.Scan(ctx, 0, pattern, 200).Iterator()

	removed := 0
	batch := make([]string, 0, 200)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := rs.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("failed to delete prefix %q: %w", prefix, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan prefix %q: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("failed to delete prefix %q: %w", prefix, err)
	}
	return removed, nil
}

func (rs *RedisStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
