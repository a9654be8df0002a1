package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisSlot struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSlot stores carts under "slot:<key>". A zero ttl keeps values until
// they are deleted explicitly.
func NewRedisSlot(client *redis.Client, ttl time.Duration) *RedisSlot {
	return &RedisSlot{
		client: client,
		ttl:    ttl,
	}
}

func (r RedisSlot) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, slotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSlotEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

func (r RedisSlot) Save(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, slotKey(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r RedisSlot) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, slotKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func slotKey(key string) string {
	return fmt.Sprintf("slot:%s", key)
}
