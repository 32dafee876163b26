package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL bounds how long Redis remembers an inbound message ID.
const DefaultDedupTTL = 48 * time.Hour

const redisDedupPrefix = "coo:dedup:"

// RedisDedup implements DedupRepo on Redis so several instances behind one
// webhook share duplicate detection.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// Compile-time check that RedisDedup implements DedupRepo.
var _ DedupRepo = (*RedisDedup)(nil)

// NewRedisDedup parses redisURL, verifies the connection and returns a RedisDedup.
func NewRedisDedup(ctx context.Context, redisURL string, ttl time.Duration) (*RedisDedup, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("RedisDedup connected", "addr", opts.Addr)
	return NewRedisDedupWithClient(client, ttl), nil
}

// NewRedisDedupWithClient wraps an existing client.
func NewRedisDedupWithClient(client *redis.Client, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDedup{client: client, ttl: ttl}
}

func (r *RedisDedup) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, redisDedupPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (r *RedisDedup) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisDedupPrefix+messageID, sender, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

// MarkProcessed refreshes the key's expiry; Redis keeps no processed timestamp.
func (r *RedisDedup) MarkProcessed(ctx context.Context, messageID string) error {
	if err := r.client.Expire(ctx, redisDedupPrefix+messageID, r.ttl).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisDedup) Close() error {
	return r.client.Close()
}

// dedupOverride swaps the dedup half of a Store.
type dedupOverride struct {
	Store
	dedup DedupRepo
}

// WithDedup returns a Store that delegates everything to base except
// deduplication, which goes to dedup.
func WithDedup(base Store, dedup DedupRepo) Store {
	if dedup == nil {
		return base
	}
	return &dedupOverride{Store: base, dedup: dedup}
}

func (d *dedupOverride) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	return d.dedup.IsDuplicate(ctx, messageID)
}

func (d *dedupOverride) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	return d.dedup.RecordInbound(ctx, messageID, sender)
}

func (d *dedupOverride) MarkProcessed(ctx context.Context, messageID string) error {
	return d.dedup.MarkProcessed(ctx, messageID)
}

func (d *dedupOverride) Close() error {
	err := d.Store.Close()
	if c, ok := d.dedup.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
