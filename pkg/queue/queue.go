package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueSubmissions is the Redis list key for recording submission jobs.
	QueueSubmissions = "worker:submissions"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// DequeueTimeout bounds one blocking pop so shutdown is noticed.
	DequeueTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeSubmission JobType = "recording_submission"
)

// SubmissionPayload hands a stopped capture session to the worker. The asset
// itself stays on local disk at AssetPath and is checked against Digest.
type SubmissionPayload struct {
	SessionID       uuid.UUID `json:"session_id"`
	UserID          uuid.UUID `json:"user_id"`
	AssetPath       string    `json:"asset_path"`
	MimeType        string    `json:"mime_type"`
	Digest          string    `json:"digest"`
	StartedAt       time.Time `json:"started_at"`
	AccumulatedMs   int64     `json:"accumulated_ms"`
	ReportedSeconds float64   `json:"reported_seconds,omitempty"`
	// ContainerID is set for "add more audio", or after an attempt created the container.
	ContainerID    uuid.UUID `json:"docustream_id"`
	ContainerStart time.Time `json:"docustream_start_time"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Submission decodes the job's submission payload.
func (j *Job) Submission() (SubmissionPayload, error) {
	var p SubmissionPayload
	if j.Type != JobTypeSubmission {
		return p, fmt.Errorf("unknown job type: %s", j.Type)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// SetSubmission replaces the job's payload, e.g. to remember a created container before a retry.
func (j *Job) SetSubmission(p SubmissionPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	j.Payload = body
	return nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, now: time.Now, newID: uuid.NewString}
}

// EnqueueSubmission enqueues a recording submission job and returns its id.
func (q *Queue) EnqueueSubmission(ctx context.Context, payload SubmissionPayload) (string, error) {
	job := Job{
		ID:        q.newID(),
		Type:      JobTypeSubmission,
		Attempt:   0,
		CreatedAt: q.now(),
	}
	if err := job.SetSubmission(payload); err != nil {
		return "", err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueSubmissions, raw).Err(); err != nil {
		return "", fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued submission job", zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID.String()))
	return job.ID, nil
}

// Dequeue blocks up to DequeueTimeout for a job. It returns a nil job when
// none arrived or the entry could not be decoded.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, DequeueTimeout, QueueSubmissions).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) error {
	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempt >= MaxRetries {
		return q.push(ctx, QueueDLQ, job)
	}
	if err := q.push(ctx, QueueSubmissions, job); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// DeadLetter moves a job straight to the DLQ, for failures a retry cannot fix.
func (q *Queue) DeadLetter(ctx context.Context, job *Job, cause error) error {
	if cause != nil {
		job.LastError = cause.Error()
	}
	return q.push(ctx, QueueDLQ, job)
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		if key == QueueDLQ {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
		}
		return err
	}
	if key == QueueDLQ {
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.String("last_error", job.LastError))
	}
	return nil
}
