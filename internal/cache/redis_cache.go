package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type RedisRateCache struct {
	client *redis.Client
}

func NewRedisRateCache(addr string, password string, db int) *RedisRateCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisRateCache{client: client}
}

func (c *RedisRateCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisRateCache) Close() error {
	return c.client.Close()
}

func (c *RedisRateCache) Get(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, Key(date, from, to)).Result()
	if err == redis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	rate, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, err
	}
	return rate, true, nil
}

func (c *RedisRateCache) Set(ctx context.Context, date time.Time, from, to string, rate decimal.Decimal, ttl time.Duration) error {
	return c.client.Set(ctx, Key(date, from, to), rate.String(), ttl).Err()
}

// Flush removes only rate keys, the database may be shared.
func (c *RedisRateCache) Flush(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*", 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
