package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chemd/pkg/types"
)

const keyPrefix = "chemd:"

// RedisStore persists records in Redis so task state survives a process
// restart (the crash-recovery scan re-queues anything left running).
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds connection parameters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func taskKey(id string) string  { return keyPrefix + "task:" + id }
func batchKey(id string) string { return keyPrefix + "batch:" + id }

const (
	taskIndexKey  = keyPrefix + "tasks"
	batchIndexKey = keyPrefix + "batches"
)

func (s *RedisStore) putTask(ctx context.Context, rec types.TaskRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", rec.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(rec.ID), b, 0)
	pipe.SAdd(ctx, taskIndexKey, rec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CreateTask(ctx context.Context, rec types.TaskRecord) error {
	return s.putTask(ctx, rec)
}

func (s *RedisStore) UpdateTask(ctx context.Context, rec types.TaskRecord) error {
	return s.putTask(ctx, rec)
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (types.TaskRecord, bool, error) {
	var rec types.TaskRecord
	b, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("redis get task %s: %w", id, err)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, false, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *RedisStore) ListTasks(ctx context.Context) ([]types.TaskRecord, error) {
	ids, err := s.client.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list tasks: %w", err)
	}
	out := make([]types.TaskRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Index entry without a record: reap it and move on.
			_ = s.client.SRem(ctx, taskIndexKey, id).Err()
			continue
		}
		out = append(out, rec)
	}
	sortTasksBySubmission(out)
	return out, nil
}

func (s *RedisStore) putBatch(ctx context.Context, rec types.BatchRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", rec.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, batchKey(rec.ID), b, 0)
	pipe.SAdd(ctx, batchIndexKey, rec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CreateBatch(ctx context.Context, rec types.BatchRecord) error {
	return s.putBatch(ctx, rec)
}

func (s *RedisStore) UpdateBatch(ctx context.Context, rec types.BatchRecord) error {
	return s.putBatch(ctx, rec)
}

func (s *RedisStore) GetBatch(ctx context.Context, id string) (types.BatchRecord, bool, error) {
	var rec types.BatchRecord
	b, err := s.client.Get(ctx, batchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("redis get batch %s: %w", id, err)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, false, fmt.Errorf("unmarshal batch %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *RedisStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) ([]types.TaskRecord, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	var removed []types.TaskRecord
	for _, rec := range tasks {
		if !rec.State.Terminal() || rec.CompletedAt.IsZero() || !rec.CompletedAt.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, taskKey(rec.ID))
		pipe.SRem(ctx, taskIndexKey, rec.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed = append(removed, rec)
	}

	batchIDs, err := s.client.SMembers(ctx, batchIndexKey).Result()
	if err != nil {
		return removed, fmt.Errorf("redis list batches: %w", err)
	}
	for _, id := range batchIDs {
		b, ok, err := s.GetBatch(ctx, id)
		if err != nil {
			return removed, err
		}
		if !ok || b.State == types.BatchQueued || b.CompletedAt.IsZero() || !b.CompletedAt.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, batchKey(id))
		pipe.SRem(ctx, batchIndexKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
