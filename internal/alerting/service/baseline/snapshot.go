package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const snapshotKey = "apiguard:baselines:latest"

// SnapshotDocument is the stored form of a tracker snapshot.
type SnapshotDocument struct {
	Timestamp time.Time  `json:"timestamp"`
	Baselines []Baseline `json:"baselines"`
}

// RedisSnapshotStore persists the latest baseline snapshot so a restart does not start
// from an empty tracker.
type RedisSnapshotStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisSnapshotStore(rdb *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{redis: rdb, ttl: ttl}
}

func (s *RedisSnapshotStore) Save(ctx context.Context, baselines []Baseline) error {
	if s.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(SnapshotDocument{Timestamp: time.Now().UTC(), Baselines: baselines})
	if err != nil {
		return fmt.Errorf("failed to marshal baseline snapshot: %w", err)
	}
	if err := s.redis.Set(ctx, snapshotKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store baseline snapshot: %w", err)
	}
	log.Debug().Int("keys", len(baselines)).Msg("saved baseline snapshot")
	return nil
}

// Load returns the stored snapshot, or nil when none exists.
func (s *RedisSnapshotStore) Load(ctx context.Context) (*SnapshotDocument, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := s.redis.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get baseline snapshot: %w", err)
	}
	var doc SnapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline snapshot: %w", err)
	}
	return &doc, nil
}
