package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "codecollab:msg:"
	DefaultTTL = time.Hour
)

// RedisDeduper shares the identifier window through Redis so replays are
// still detected after a process restart.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(ctx context.Context, addr string, ttl time.Duration) (*RedisDeduper, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisDeduper{rdb: rdb, ttl: ttl}, nil
}

func redisKey(roomId, messageId string) string {
	return keyPrefix + roomId + ":" + messageId
}

func (d *RedisDeduper) Seen(ctx context.Context, roomId, messageId string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, redisKey(roomId, messageId), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}

	// SetNX reports true when the key was newly set
	return !ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, roomId, messageId string) error {
	if err := d.rdb.Del(ctx, redisKey(roomId, messageId)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Close() error {
	return d.rdb.Close()
}
