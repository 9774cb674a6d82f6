// Package noncestore provides the durable consumed-nonce record a relay
// needs when it, rather than the chain, is the replay authority. The store
// must survive restarts and update atomically: two concurrent settlement
// attempts for the same authorization are a realistic race, and only an
// atomic check-and-consume resolves it safely.
package noncestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultKeyPrefix = "x402:nonce:"

// Config holds the Redis connection settings.
type Config struct {
	// Address is the Redis server address (host:port).
	Address string
	// Password is the optional Redis password.
	Password string
	// DB is the Redis database number.
	DB int
	// KeyPrefix overrides the default "x402:nonce:" key prefix, for
	// multi-tenant deployments.
	KeyPrefix string
}

// RedisStore records consumed (token, from, nonce) triples in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg *Config, logger *zap.Logger) (*RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Used reports whether the nonce has been consumed.
func (s *RedisStore) Used(ctx context.Context, token, from, nonce string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(token, from, nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read nonce state: %w", err)
	}
	return n > 0, nil
}

// Consume atomically marks the nonce as consumed. Returns false if it was
// already consumed; exactly one concurrent caller gets true.
func (s *RedisStore) Consume(ctx context.Context, token, from, nonce string) (bool, error) {
	consumed, err := s.client.SetNX(ctx, s.key(token, from, nonce), time.Now().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	if consumed {
		s.logger.Debug("nonce consumed",
			zap.String("token", token),
			zap.String("from", from),
			zap.String("nonce", nonce),
		)
	}
	return consumed, nil
}

// Release undoes a Consume after a failed broadcast, so the payer's retry
// is not rejected for a transfer that never happened. Never call it after
// a successful submission.
func (s *RedisStore) Release(ctx context.Context, token, from, nonce string) error {
	if err := s.client.Del(ctx, s.key(token, from, nonce)).Err(); err != nil {
		return fmt.Errorf("failed to release nonce: %w", err)
	}
	return nil
}

// RecordTx attaches the settlement transaction hash to a consumed nonce,
// for later status lookups.
func (s *RedisStore) RecordTx(ctx context.Context, token, from, nonce, txHash string) error {
	if err := s.client.Set(ctx, s.key(token, from, nonce), txHash, 0).Err(); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// key builds the record key; addresses and nonces are case-normalized so
// checksummed and lowercase forms hit the same record.
func (s *RedisStore) key(token, from, nonce string) string {
	return s.prefix + strings.ToLower(token) + ":" + strings.ToLower(from) + ":" + strings.ToLower(nonce)
}
