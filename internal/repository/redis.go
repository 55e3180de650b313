package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"remindsync/internal/config"
	"remindsync/internal/domain"
	"remindsync/internal/models"
)

// RedisBulkJobRepository keeps job counters in a hash so concurrent workers
// can increment them atomically with HINCRBY.
type RedisBulkJobRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisBulkJobRepository(client *redis.Client, ttl time.Duration) *RedisBulkJobRepository {
	return &RedisBulkJobRepository{
		client: client,
		ttl:    ttl,
	}
}

func jobKey(id string) string       { return "bulk_job:" + id }
func jobErrorsKey(id string) string { return "bulk_job:" + id + ":errors" }

func (r *RedisBulkJobRepository) Create(ctx context.Context, job *models.BulkSyncJob) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(job.ID),
			"total", job.TotalItems,
			"processed", job.ProcessedItems,
			"created_at", job.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.Del(ctx, jobErrorsKey(job.ID))
		for _, e := range job.Errors {
			data, _ := json.Marshal(e)
			pipe.RPush(ctx, jobErrorsKey(job.ID), data)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, jobKey(job.ID), r.ttl)
			pipe.Expire(ctx, jobErrorsKey(job.ID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk job in redis: %w", err)
	}
	return nil
}

func (r *RedisBulkJobRepository) Get(ctx context.Context, id string) (*models.BulkSyncJob, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	var (
		fields *redis.MapStringStringCmd
		errs   *redis.StringSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, jobKey(id))
		errs = pipe.LRange(ctx, jobErrorsKey(id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk job from redis: %w", err)
	}
	return decodeJob(id, fields.Val(), errs.Val())
}

// RecordProgress bumps the processed counter and returns the job as it was
// right after this increment, so exactly one caller observes completion.
func (r *RedisBulkJobRepository) RecordProgress(ctx context.Context, id, itemID, errMsg string) (*models.BulkSyncJob, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	exists, err := r.client.Exists(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check bulk job: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("bulk job %s: %w", id, domain.ErrJobNotFound)
	}

	var (
		processed *redis.IntCmd
		fields    *redis.MapStringStringCmd
		errs      *redis.StringSliceCmd
	)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if errMsg != "" {
			data, _ := json.Marshal(models.BulkJobError{ItemID: itemID, Message: errMsg})
			pipe.RPush(ctx, jobErrorsKey(id), data)
		}
		processed = pipe.HIncrBy(ctx, jobKey(id), "processed", 1)
		fields = pipe.HGetAll(ctx, jobKey(id))
		errs = pipe.LRange(ctx, jobErrorsKey(id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record bulk progress: %w", err)
	}

	job, err := decodeJob(id, fields.Val(), errs.Val())
	if err != nil {
		return nil, err
	}
	job.ProcessedItems = int(processed.Val())
	job.Normalize()
	return job, nil
}

func decodeJob(id string, fields map[string]string, rawErrors []string) (*models.BulkSyncJob, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("bulk job %s: %w", id, domain.ErrJobNotFound)
	}
	job := &models.BulkSyncJob{ID: id}
	var err error
	if job.TotalItems, err = strconv.Atoi(fields["total"]); err != nil {
		return nil, fmt.Errorf("bulk job %s: bad total: %w", id, err)
	}
	if job.ProcessedItems, err = strconv.Atoi(fields["processed"]); err != nil {
		return nil, fmt.Errorf("bulk job %s: bad processed: %w", id, err)
	}
	if created, ok := fields["created_at"]; ok {
		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	}
	for _, raw := range rawErrors {
		var e models.BulkJobError
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("bulk job %s: bad error entry: %w", id, err)
		}
		job.Errors = append(job.Errors, e)
	}
	job.Normalize()
	return job, nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsNotFound reports a missing job regardless of which backend answered.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound)
}
