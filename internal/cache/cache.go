package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/config"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

const maxTxRetries = 5

// Cache provides caching functionality using Redis. It is a read-through
// accelerator only; the record store stays authoritative.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a new cache instance
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client, ttl: cfg.TTL}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func statusKey(jobID string) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

func reportKey(jobID string) string {
	return fmt.Sprintf("job:report:%s", jobID)
}

// Job Status Operations

// SetJobStatus caches a status snapshot. A snapshot older than the cached
// one is dropped so concurrent writers never move the cache backwards.
func (c *Cache) SetJobStatus(ctx context.Context, status *models.JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}
	key := statusKey(status.ID)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cached models.JobStatus
			if json.Unmarshal(current, &cached) == nil && cached.UpdatedAt.After(status.UpdatedAt) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to cache job status: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to cache job status: %w", redis.TxFailedErr)
}

// GetJobStatus retrieves a status snapshot from cache
func (c *Cache) GetJobStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	data, err := c.client.Get(ctx, statusKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.RecordCacheAccess("job_status", false)
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get job status from cache: %w", err)
	}
	metrics.RecordCacheAccess("job_status", true)

	var status models.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job status: %w", err)
	}

	return &status, nil
}

// DeleteJob evicts everything cached for a job
func (c *Cache) DeleteJob(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, statusKey(jobID), reportKey(jobID)).Err()
}

// Report Operations

// SetReport caches a completed report. Reports never change once written.
func (c *Cache) SetReport(ctx context.Context, report *models.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return c.client.Set(ctx, reportKey(report.JobID), data, c.ttl).Err()
}

// GetReport retrieves a cached report
func (c *Cache) GetReport(ctx context.Context, jobID string) (*models.Report, error) {
	data, err := c.client.Get(ctx, reportKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.RecordCacheAccess("report", false)
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get report from cache: %w", err)
	}
	metrics.RecordCacheAccess("report", true)

	var report models.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}

	return &report, nil
}
