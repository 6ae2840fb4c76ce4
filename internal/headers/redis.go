package headers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache shares captured headers between processes. First-seen wins is
// enforced with SETNX.
type RedisCache struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	cfg    config.RedisConfig
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(ctx context.Context, logger *zap.Logger, cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "keyrelay"
	}
	return &RedisCache{
		logger: logger.Named("headers.redis"),
		client: client,
		prefix: prefix + ":headers:",
		cfg:    cfg,
	}, nil
}

func (c *RedisCache) Capture(ctx context.Context, method, url string, headers map[string]string) (bool, error) {
	if !capturable(method) {
		return false, nil
	}
	data, err := json.Marshal(Filter(headers))
	if err != nil {
		return false, err
	}
	ok, err := c.client.SetNX(ctx, c.prefix+url, data, c.cfg.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to store headers in Redis: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Get(ctx context.Context, url string) (map[string]string, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+url).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get headers from Redis: %w", err)
	}
	var h map[string]string
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, false, err
	}
	return h, true, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
