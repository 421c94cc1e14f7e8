package handoff

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "raaf:handoff"
	fieldAttempts    = "attempts"
	fieldSuccesses   = "successes"
	patternField     = "pattern:"
)

// RedisConfig describes the connection used by RedisStatsSink.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// RedisStatsSink aggregates detection counters from many gateway
// processes into a single Redis hash.
type RedisStatsSink struct {
	client  redis.Cmdable
	closer  func() error
	key     string
	timeout time.Duration
}

// NewRedisStatsSink connects to Redis and verifies the connection.
func NewRedisStatsSink(ctx context.Context, cfg RedisConfig) (*RedisStatsSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}
	sink := NewRedisStatsSinkFromClient(client, cfg.KeyPrefix, cfg.Timeout)
	sink.closer = client.Close
	return sink, nil
}

// NewRedisStatsSinkFromClient wraps an existing client.
func NewRedisStatsSinkFromClient(client redis.Cmdable, keyPrefix string, timeout time.Duration) *RedisStatsSink {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisStatsSink{
		client:  client,
		key:     strings.TrimSuffix(keyPrefix, ":") + ":stats",
		timeout: timeout,
	}
}

// Key returns the Redis hash holding the counters.
func (s *RedisStatsSink) Key() string {
	return s.key
}

// Record increments the shared counters for one detection attempt.
func (s *RedisStatsSink) Record(ctx context.Context, patternIndex int, success bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, s.key, fieldAttempts, 1)
	if success {
		pipe.HIncrBy(ctx, s.key, fieldSuccesses, 1)
		pipe.HIncrBy(ctx, s.key, patternField+strconv.Itoa(patternIndex), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record handoff stats: %w", err)
	}
	return nil
}

// Reset deletes the shared counters.
func (s *RedisStatsSink) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("reset handoff stats: %w", err)
	}
	return nil
}

// Snapshot reads the shared counters.
func (s *RedisStatsSink) Snapshot(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("read handoff stats: %w", err)
	}
	return statsFromHash(values), nil
}

// Close releases the connection when the sink owns it.
func (s *RedisStatsSink) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

func statsFromHash(values map[string]string) Stats {
	stats := Stats{PatternHits: make(map[int]int64)}
	for field, raw := range values {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == fieldAttempts:
			stats.Attempts = n
		case field == fieldSuccesses:
			stats.Successes = n
		case strings.HasPrefix(field, patternField):
			idx, err := strconv.Atoi(strings.TrimPrefix(field, patternField))
			if err == nil {
				stats.PatternHits[idx] = n
			}
		}
	}
	return stats
}
