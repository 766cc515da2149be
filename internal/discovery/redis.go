package discovery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/lattice/internal/metrics"
)

const defaultRedisKey = "lattice:instances"

// Redis keeps announced hosts in a sorted set scored by the unix time of
// their last announcement.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis discovery: ping %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.Key, ttl), nil
}

// NewRedisWithClient wraps an existing client. Close closes the client.
func NewRedisWithClient(client *redis.Client, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = defaultRedisKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

var redisNow = time.Now

// cutoff is the oldest score still considered alive.
func (r *Redis) cutoff(now time.Time) int64 {
	return now.Add(-r.ttl).Unix()
}

func (r *Redis) Announce(ctx context.Context, addr string) error {
	err := r.client.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(redisNow().Unix()),
		Member: NormalizeAddress(addr),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis announce: %w", err)
	}
	return nil
}

func (r *Redis) Withdraw(ctx context.Context, addr string) error {
	if err := r.client.ZRem(ctx, r.key, NormalizeAddress(addr)).Err(); err != nil {
		return fmt.Errorf("redis withdraw: %w", err)
	}
	return nil
}

// KnownHosts prunes expired hosts and returns the rest, oldest announcement
// first.
func (r *Redis) KnownHosts(ctx context.Context) ([]string, error) {
	cutoff := r.cutoff(redisNow())
	var live *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, r.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		live = pipe.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
			Min: strconv.FormatInt(cutoff, 10),
			Max: "+inf",
		})
		return nil
	})
	if err != nil {
		metrics.RecordDiscoveryRefresh(ModeRedis, 0, err)
		return nil, fmt.Errorf("redis known hosts: %w", err)
	}
	hosts := dedup(live.Val())
	metrics.RecordDiscoveryRefresh(ModeRedis, len(hosts), nil)
	return hosts, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
