package cobot_us

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig describes the Redis server holding the latest transforms and,
// optionally, the settings.
type RedisConfig struct {
	Addr          string `json:"addr,omitempty"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
	StoreSettings bool   `json:"store_settings,omitempty"`
}

func (c RedisConfig) prefix() string {
	if c.KeyPrefix == "" {
		return defaultTopicPrefix
	}
	return c.KeyPrefix
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

const redisTransformTTL = 24 * time.Hour

// RedisTransformSink caches each transform under <prefix>:transform:<name>
// and announces it on the <prefix>:transforms channel.
type RedisTransformSink struct {
	client redis.Cmdable
	prefix string
}

func NewRedisTransformSink(client redis.Cmdable, cfg RedisConfig) *RedisTransformSink {
	return &RedisTransformSink{client: client, prefix: cfg.prefix()}
}

func (s *RedisTransformSink) Key(name string) string {
	return fmt.Sprintf("%s:transform:%s", s.prefix, name)
}

func (s *RedisTransformSink) Channel() string {
	return s.prefix + ":transforms"
}

func (s *RedisTransformSink) PublishTransform(ctx context.Context, u TransformUpdate) error {
	payload, err := EncodeTransform(u)
	if err != nil {
		return err
	}
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.Key(u.Name), payload, redisTransformTTL)
		p.Publish(ctx, s.Channel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save transform to Redis: %w", err)
	}
	return nil
}
