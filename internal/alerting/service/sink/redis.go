package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

// RedisDedup records anomaly ids with SETNX so a re-run of the same window across
// restarts or replicas is recognised. It stores the id only, not the record.
type RedisDedup struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisDedup(rdb *redis.Client, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisDedup{redis: rdb, ttl: ttl}
}

func (s *RedisDedup) Name() string { return "redis" }

func dedupKey(id string) string { return "apiguard:anomaly:" + id }

func (s *RedisDedup) Persist(ctx context.Context, a *model.Anomaly) (Result, error) {
	if s.redis == nil {
		return 0, persistErr(s.Name(), a, fmt.Errorf("redis client is nil"))
	}
	ok, err := s.redis.SetNX(ctx, dedupKey(a.ID), a.Timestamp.UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return 0, persistErr(s.Name(), a, fmt.Errorf("setnx: %w", err))
	}
	if !ok {
		return AlreadyExists, nil
	}
	return Stored, nil
}
