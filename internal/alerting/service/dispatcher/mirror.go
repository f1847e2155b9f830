package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const throttleKeyPrefix = "apiguard:throttle:"

// RedisThrottleStore mirrors throttle state so a restarted engine keeps its realert
// windows instead of re-paging for conditions it already reported.
type RedisThrottleStore struct {
	redis *redis.Client
	// grace keeps a record alive past its window so a recurrence can still double it
	grace time.Duration
}

func NewRedisThrottleStore(rdb *redis.Client) *RedisThrottleStore {
	return &RedisThrottleStore{redis: rdb, grace: 5 * time.Minute}
}

func throttleKey(ruleKey string) string { return throttleKeyPrefix + ruleKey }

func (s *RedisThrottleStore) Save(ctx context.Context, st State, now time.Time) error {
	if s.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal throttle state: %w", err)
	}
	ttl := st.WindowUntil.Sub(now) + st.CurrentBackoff + s.grace
	if ttl <= 0 {
		ttl = s.grace
	}
	if err := s.redis.Set(ctx, throttleKey(st.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store throttle state: %w", err)
	}
	return nil
}

func (s *RedisThrottleStore) Delete(ctx context.Context, ruleKey string) error {
	if s.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	return s.redis.Del(ctx, throttleKey(ruleKey)).Err()
}

// Get returns nil, nil when the key has no record.
func (s *RedisThrottleStore) Get(ctx context.Context, ruleKey string) (*State, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := s.redis.Get(ctx, throttleKey(ruleKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get throttle state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal throttle state: %w", err)
	}
	return &st, nil
}

// Load scans every mirrored record. Undecodable records are skipped.
func (s *RedisThrottleStore) Load(ctx context.Context) ([]State, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	var out []State
	iter := s.redis.Scan(ctx, 0, throttleKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.redis.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return out, fmt.Errorf("failed to get throttle state: %w", err)
		}
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			log.Warn().Err(err).Str("key", iter.Val()).Msg("skipping undecodable throttle record")
			continue
		}
		out = append(out, st)
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("failed to scan throttle state: %w", err)
	}
	return out, nil
}
