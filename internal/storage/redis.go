package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dolar-rate-alerts/internal/config"
)

// RateStateRedis keeps the single rate snapshot as a JSON value in Redis,
// plus a short-lived lease key guarding concurrent check runs.
type RateStateRedis struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisClient builds a Redis client from runtime settings.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRateStateRedis wires a Redis client into a snapshot store.
func NewRateStateRedis(client *redis.Client, keyPrefix string, logger zerolog.Logger) *RateStateRedis {
	if keyPrefix == "" {
		keyPrefix = "dolarwatcher"
	}
	return &RateStateRedis{
		client: client,
		prefix: keyPrefix,
		logger: logger.With().Str("component", "rate_state_redis").Logger(),
	}
}

// Ping checks connectivity to the Redis server.
func (s *RateStateRedis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RateStateRedis) snapshotKey() string {
	return fmt.Sprintf("%s:rates:last", s.prefix)
}

func (s *RateStateRedis) lockKey() string {
	return fmt.Sprintf("%s:rates:last:lock", s.prefix)
}

// GetSnapshot returns the persisted snapshot. A missing key and a corrupt or
// non-positive payload both surface ErrSnapshotNotFound so the engine treats
// them as a first run.
func (s *RateStateRedis) GetSnapshot(ctx context.Context) (RateSnapshot, error) {
	payload, err := s.client.Get(ctx, s.snapshotKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RateSnapshot{}, ErrSnapshotNotFound
		}
		return RateSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}

	var snap RateSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		s.logger.Warn().Err(err).Msg("stored snapshot is corrupt, treating as absent")
		return RateSnapshot{}, ErrSnapshotNotFound
	}
	if !snap.Valid() {
		s.logger.Warn().Msg("stored snapshot has non-positive quotes, treating as absent")
		return RateSnapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

// SetSnapshot overwrites the snapshot. Last write wins.
func (s *RateStateRedis) SetSnapshot(ctx context.Context, snap RateSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(), payload, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot so the next run bootstraps again.
func (s *RateStateRedis) DeleteSnapshot(ctx context.Context) error {
	if err := s.client.Del(ctx, s.snapshotKey()).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// TryRunLock acquires the run lease with SET NX and a TTL. The TTL bounds the
// lease lifetime if the holder dies before releasing.
func (s *RateStateRedis) TryRunLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	acquired, err := s.client.SetNX(ctx, s.lockKey(), "1", ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Del(ctxUnlock, s.lockKey()).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release run lock, TTL will expire it")
		}
	}
	return unlock, true, nil
}

var (
	_ RateStateStore = (*RateStateRedis)(nil)
	_ RunLocker      = (*RateStateRedis)(nil)
)
