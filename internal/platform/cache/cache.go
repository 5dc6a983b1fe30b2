// Package cache is a small JSON cache over Redis.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is the cause of every error returned for an absent key.
var ErrMiss = errors.New("cache miss")

type Cache struct {
	redis  redis.Cmdable
	prefix string
}

func New(client redis.Cmdable, prefix string) *Cache {
	return &Cache{redis: client, prefix: prefix}
}

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// IsMiss reports whether err came from a missing key.
func IsMiss(err error) bool {
	return errors.Cause(err) == ErrMiss
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return errors.Wrap(ErrMiss, key)
		}
		return errors.Wrap(err, "failed to get from cache")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached data")
	}
	return nil
}

// GetMany fetches keys in one round trip. decode is called for each hit;
// the returned slice lists the keys that missed.
func (c *Cache) GetMany(ctx context.Context, keys []string, decode func(key string, data []byte) error) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}

	vals, err := c.redis.MGet(ctx, full...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to mget from cache")
	}

	var missed []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missed = append(missed, keys[i])
			continue
		}
		if err := decode(keys[i], []byte(s)); err != nil {
			return nil, errors.Wrapf(err, "failed to decode cached %s", keys[i])
		}
	}
	return missed, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal data for cache")
	}
	if err := c.redis.Set(ctx, c.prefix+key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set cache")
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	if err := c.redis.Del(ctx, full...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete from cache")
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return errors.Wrap(c.redis.Ping(ctx).Err(), "ping redis")
}
