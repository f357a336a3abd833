package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisStore is the distributed Store backend. Increment-with-expiry is a
// single pipelined round trip; rolling windows are sorted sets scored by
// nanosecond timestamps.
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// RedisStoreConfig holds connection settings for the Redis backend.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore creates a Redis-backed Store. The connection is verified
// eagerly so misconfiguration fails at startup, not per request.
func NewRedisStore(config RedisStoreConfig, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.WithField("addr", config.Addr).Info("Connected to Redis counter store")

	return &RedisStore{client: client, logger: logger}, nil
}

func (rs *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := rs.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return incr.Val(), nil
}

func (rs *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := rs.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (rs *RedisStore) AddToWindow(ctx context.Context, key, member string, ttl time.Duration, max int) (int, error) {
	now := time.Now()
	cutoff := now.Add(-ttl).UnixNano()

	pipe := rs.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d|%s", now.UnixNano(), member),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	length := int(card.Val())
	if max > 0 && length > max {
		if err := rs.client.ZRemRangeByRank(ctx, key, 0, int64(length-max-1)).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		length = max
	}

	return length, nil
}

func (rs *RedisStore) Window(ctx context.Context, key string) ([]string, error) {
	raw, err := rs.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	members := make([]string, 0, len(raw))
	for _, m := range raw {
		if idx := strings.Index(m, "|"); idx >= 0 {
			members = append(members, m[idx+1:])
		} else {
			members = append(members, m)
		}
	}
	return members, nil
}

func (rs *RedisStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := rs.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (rs *RedisStore) GetValue(ctx context.Context, key string) (string, error) {
	val, err := rs.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return val, nil
}

func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
