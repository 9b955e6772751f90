package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kaapeh-copiloto/shared/config"
)

const defaultPrefix = "copiloto:"

type Client struct {
	redis  *redis.Client
	prefix string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewFromRedis(rdb, defaultPrefix+cfg.Env+":"), nil
}

func NewFromRedis(rdb *redis.Client, prefix string) *Client {
	return &Client{redis: rdb, prefix: prefix}
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) Key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, b, ttl).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errors.New("redis client not initialized")
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Del(ctx, key).Err()
}

// DeletePrefix removes every key under the client prefix that starts with
// the given namespace. It walks with SCAN so large keyspaces do not block.
func (c *Client) DeletePrefix(ctx context.Context, namespace string) (int, error) {
	if c == nil || c.redis == nil {
		return 0, errors.New("redis client not initialized")
	}
	pattern := c.prefix + namespace + "*"
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := c.redis.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
