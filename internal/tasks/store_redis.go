package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Redis key layout. The user index is a SET so repeated saves of the same
// task stay idempotent.
func taskKey(taskID string) string { return "reelforge:task:" + taskID }
func userKey(userID string) string { return "reelforge:user:" + userID + ":tasks" }

// RedisStore persists task records in Redis for crash recovery and
// cross-process status polling.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore wraps an existing client. ttl <= 0 keeps records forever.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// NewRedisStoreURL connects using a redis:// URL and verifies the connection.
func NewRedisStoreURL(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStore(rdb, ttl), nil
}

func (s *RedisStore) SaveTask(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, taskKey(task.ID), raw, s.ttl)
		if task.UserID != "" {
			p.SAdd(ctx, userKey(task.UserID), task.ID)
			if s.ttl > 0 {
				p.Expire(ctx, userKey(task.UserID), s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	raw, err := s.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	var task Task
	if err := sonic.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return task, nil
}

func (s *RedisStore) ListTaskIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks for user %s: %w", userID, err)
	}
	return ids, nil
}

func (s *RedisStore) DeleteTask(ctx context.Context, task Task) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, taskKey(task.ID))
		if task.UserID != "" {
			p.SRem(ctx, userKey(task.UserID), task.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", task.ID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
