package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every hash to form the Redis key.
	Prefix string
	// TTL expires records in Redis. Zero keeps them until deleted.
	TTL time.Duration
}

// RedisStore is a Store backed by Redis string values.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore connects to Redis, pinging the server before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore{
		client: rdb,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// Get reads the record for hash.
func (s *RedisStore) Get(ctx context.Context, hash string) (Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+hash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("redis get %s: %w", hash, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	s.logger.Debug().Str("hash", hash).Msg("Redis record hit.")
	return rec, nil
}

// Set writes rec with the configured TTL.
func (s *RedisStore) Set(ctx context.Context, hash string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+hash, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	s.logger.Debug().Str("hash", hash).Msg("Stored record in Redis.")
	return nil
}

// Delete removes the record for hash.
func (s *RedisStore) Delete(ctx context.Context, hash string) error {
	if err := s.client.Del(ctx, s.prefix+hash).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", hash, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
