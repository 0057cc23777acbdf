// Package queue implements the Redis Streams backed job queue.
//
// Jobs travel through a single stream consumed by a consumer group, so
// multiple worker processes can share the load. Job payloads, statuses,
// and results live in plain keys next to the stream, and a sorted set
// indexes job IDs by creation time for recency listings.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"phiacta-verify/internal/logging"
	"phiacta-verify/internal/models"
)

// Redis key layout.
const (
	streamKey    = "verify:jobs:stream"
	statusPrefix = "verify:jobs:status:"
	resultPrefix = "verify:jobs:result:"
	jobPrefix    = "verify:jobs:data:"
	jobsIndexKey = "verify:jobs:index"
)

// ErrNotFound is returned when a job, status, or result does not exist.
var ErrNotFound = errors.New("not found")

// Backend is the subset of redis client operations the queue needs.
// *redis.Client satisfies it; tests substitute a fake.
type Backend interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

// NewRedisClient builds a *redis.Client from a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 5 * time.Second
	return redis.NewClient(opts), nil
}

// Message pairs a stream message ID with its decoded job. The ID must be
// passed back to Acknowledge once the job is processed.
type Message struct {
	ID  string
	Job *models.VerificationJob
}

// JobStatusEntry is one row of a recency listing.
type JobStatusEntry struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobQueue is the primary interface for enqueuing, dequeuing, and
// tracking verification jobs.
type JobQueue struct {
	rdb Backend
}

// NewJobQueue wraps a redis backend.
func NewJobQueue(rdb Backend) *JobQueue {
	return &JobQueue{rdb: rdb}
}

// HealthCheck reports whether Redis is reachable.
func (q *JobQueue) HealthCheck(ctx context.Context) bool {
	return q.rdb.Ping(ctx).Err() == nil
}

// Enqueue stores the job payload, indexes it by creation time, publishes
// it to the stream, and marks it QUEUED. Returns the stream message ID.
func (q *JobQueue) Enqueue(ctx context.Context, job *models.VerificationJob) (string, error) {
	jobID := job.ID.String()
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding job %s: %w", jobID, err)
	}

	if err := q.rdb.Set(ctx, jobPrefix+jobID, payload, 0).Err(); err != nil {
		return "", fmt.Errorf("storing job %s: %w", jobID, err)
	}
	if err := q.rdb.ZAdd(ctx, jobsIndexKey, &redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()) / float64(time.Second),
		Member: jobID,
	}).Err(); err != nil {
		return "", fmt.Errorf("indexing job %s: %w", jobID, err)
	}

	msgID, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"job_id": jobID, "data": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing job %s: %w", jobID, err)
	}

	if err := q.SetStatus(ctx, jobID, models.StatusQueued); err != nil {
		return "", err
	}
	logging.L().Info("enqueued job", zap.String("job_id", jobID), zap.String("msg_id", msgID))
	return msgID, nil
}

// Dequeue reads up to count new messages for the given consumer within
// the consumer group, blocking for up to blockFor when the stream is
// empty. The consumer group is created on first use.
//
// Messages whose payload cannot be decoded are logged and skipped; they
// remain pending until the caller's acknowledgement policy deals with
// them.
func (q *JobQueue) Dequeue(ctx context.Context, group, consumer string, count int64, blockFor time.Duration) ([]Message, error) {
	if err := q.rdb.XGroupCreateMkStream(ctx, streamKey, group, "0").Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("creating consumer group %s: %w", group, err)
		}
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    blockFor,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // block timed out, nothing new
		}
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			data, _ := raw.Values["data"].(string)
			var job models.VerificationJob
			if err := json.Unmarshal([]byte(data), &job); err != nil {
				logging.L().Error("failed to decode job from stream message",
					zap.String("msg_id", raw.ID), zap.Error(err))
				continue
			}
			messages = append(messages, Message{ID: raw.ID, Job: &job})
		}
	}
	return messages, nil
}

// Acknowledge removes a message from the group's pending list so it is
// not redelivered.
func (q *JobQueue) Acknowledge(ctx context.Context, group, msgID string) error {
	if err := q.rdb.XAck(ctx, streamKey, group, msgID).Err(); err != nil {
		return fmt.Errorf("acking message %s: %w", msgID, err)
	}
	return nil
}

// SetStatus records the current lifecycle state of a job.
func (q *JobQueue) SetStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	if err := q.rdb.Set(ctx, statusPrefix+jobID, string(status), 0).Err(); err != nil {
		return fmt.Errorf("setting status of job %s: %w", jobID, err)
	}
	logging.L().Debug("job status updated",
		zap.String("job_id", jobID), zap.String("status", string(status)))
	return nil
}

// GetStatus retrieves the current status of a job. Returns ErrNotFound
// for unknown jobs.
func (q *JobQueue) GetStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	raw, err := q.rdb.Get(ctx, statusPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("getting status of job %s: %w", jobID, err)
	}
	return models.ParseJobStatus(raw)
}

// StoreResult persists a verification result and moves the job to the
// given terminal status.
func (q *JobQueue) StoreResult(ctx context.Context, jobID string, result *models.VerificationResult, status models.JobStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result for job %s: %w", jobID, err)
	}
	if err := q.rdb.Set(ctx, resultPrefix+jobID, payload, 0).Err(); err != nil {
		return fmt.Errorf("storing result for job %s: %w", jobID, err)
	}
	return q.SetStatus(ctx, jobID, status)
}

// GetResult retrieves a stored verification result. Returns ErrNotFound
// when no result exists yet.
func (q *JobQueue) GetResult(ctx context.Context, jobID string) (*models.VerificationResult, error) {
	raw, err := q.rdb.Get(ctx, resultPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting result of job %s: %w", jobID, err)
	}
	var result models.VerificationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decoding result of job %s: %w", jobID, err)
	}
	return &result, nil
}

// GetJob retrieves the stored job payload. Returns ErrNotFound for
// unknown jobs.
func (q *JobQueue) GetJob(ctx context.Context, jobID string) (*models.VerificationJob, error) {
	raw, err := q.rdb.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job %s: %w", jobID, err)
	}
	var job models.VerificationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListRecentJobs returns up to limit job IDs with their statuses,
// newest first. Jobs whose status key has expired report UNKNOWN.
func (q *JobQueue) ListRecentJobs(ctx context.Context, limit int64) ([]JobStatusEntry, error) {
	jobIDs, err := q.rdb.ZRevRange(ctx, jobsIndexKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	entries := make([]JobStatusEntry, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		entry := JobStatusEntry{JobID: jobID, Status: "UNKNOWN"}
		if status, err := q.GetStatus(ctx, jobID); err == nil {
			entry.Status = string(status)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the underlying redis connection.
func (q *JobQueue) Close() error {
	return q.rdb.Close()
}
