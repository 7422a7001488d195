package devicecache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds connection settings for a Redis-backed route map.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// HashKey is the Redis hash holding devEUI -> mapping JSON entries.
	HashKey string
}

// RedisLoader reads the full mapping set from a Redis hash maintained by the
// provisioning service. Each hash field is a device EUI; each value is the
// JSON-encoded mapping entry.
type RedisLoader struct {
	client  *redis.Client
	hashKey string
	logger  zerolog.Logger
}

// NewRedisLoader connects to Redis and pings it before returning.
func NewRedisLoader(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisLoader, error) {
	if cfg.HashKey == "" {
		cfg.HashKey = "bridge:devices"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Str("hash_key", cfg.HashKey).Msg("Connected to Redis route map.")
	return &RedisLoader{
		client:  rdb,
		hashKey: cfg.HashKey,
		logger:  logger.With().Str("component", "RedisLoader").Logger(),
	}, nil
}

// LoadAll fetches every field of the route-map hash.
func (l *RedisLoader) LoadAll(ctx context.Context) ([]DeviceMapping, error) {
	fields, err := l.client.HGetAll(ctx, l.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", l.hashKey, err)
	}

	mappings := make([]DeviceMapping, 0, len(fields))
	for eui, raw := range fields {
		var m DeviceMapping
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			l.logger.Warn().Err(err).Str("dev_eui", eui).Msg("Skipping malformed route map entry.")
			continue
		}
		if m.DevEUI == "" {
			m.DevEUI = eui
		}
		mappings = append(mappings, m)
	}
	l.logger.Debug().Int("entries", len(mappings)).Msg("Loaded device mappings from Redis.")
	return mappings, nil
}

// Close closes the Redis client.
func (l *RedisLoader) Close() error {
	return l.client.Close()
}
