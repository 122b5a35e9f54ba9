package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"bursary/internal/sequence/models"
)

const redisKeyPrefix = "bursary:counter:"

// RedisStore keeps counters in Redis. Create maps to SETNX and Increment to a
// WATCH-guarded transaction, which preserves the same optimistic-concurrency
// contract as the Postgres store.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(namespace, period string) string {
	return redisKeyPrefix + models.Key(namespace, period)
}

func (s *RedisStore) Create(ctx context.Context, counter models.Counter) error {
	ok, err := s.client.SetNX(ctx, redisKey(counter.Namespace, counter.Period), counter.LastValue, 0).Result()
	if err != nil {
		return fmt.Errorf("create counter: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, namespace, period string) (models.Counter, error) {
	raw, err := s.client.Get(ctx, redisKey(namespace, period)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Counter{}, ErrNotFound
		}
		return models.Counter{}, fmt.Errorf("get counter: %w", err)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return models.Counter{}, fmt.Errorf("parse counter value: %w", err)
	}
	return models.Counter{
		Namespace: namespace,
		Period:    period,
		LastValue: value,
		UpdatedAt: time.Now(),
	}, nil
}

func (s *RedisStore) Increment(ctx context.Context, namespace, period string, expected int64) (int64, error) {
	key := redisKey(namespace, period)
	var value int64
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("read counter: %w", err)
		}
		if current != expected {
			return ErrConflict
		}
		value = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// The watched key changed under us.
			return 0, ErrConflict
		}
		return 0, err
	}
	return value, nil
}
